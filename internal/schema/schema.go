package schema

import (
	"fmt"
	"strings"
)

// Column declares one logical spreadsheet field. Critical columns must be
// present in the upload or validation fails; Output columns are created
// empty when absent and overwritten by the pipeline.
type Column struct {
	Name     string
	Critical bool
	Output   bool
	Purpose  string
}

// SheetName is the worksheet the pipeline reads and writes.
const SheetName = "Charges"

// ErrorColumn collects the consolidated per-row status text.
const ErrorColumn = "Error"

var Columns = []Column{
	{Name: "Patient ID", Critical: true, Purpose: "remote patient identifier"},
	{Name: "Practice", Critical: true, Purpose: "practice name, resolved to a remote id"},
	{Name: "DOS", Critical: true, Purpose: "date of service"},
	{Name: "Rendering Provider", Critical: true, Purpose: "provider performing the service"},
	{Name: "Encounter Mode", Critical: true, Purpose: "telehealth or in-office"},
	{Name: "POS", Critical: true, Purpose: "place of service code"},
	{Name: "Procedures", Critical: true, Purpose: "procedure (CPT) code"},
	{Name: "Units", Critical: true, Purpose: "procedure units"},
	{Name: "Diag 1", Critical: true, Purpose: "primary diagnosis code"},

	{Name: "PP Batch #", Purpose: "patient payment batch number"},
	{Name: "Patient Payment", Purpose: "patient payment amount"},
	{Name: "Patient Payment Source", Purpose: "payment method (check, cash, ...)"},
	{Name: "Reference Number", Purpose: "payment reference number"},
	{Name: "CE Batch #", Purpose: "encounter batch number"},
	{Name: "Scheduling Provider", Purpose: "scheduling provider name"},
	{Name: "Referring Provider", Purpose: "referring provider name"},
	{Name: "Admit Date", Purpose: "hospitalization admit date"},
	{Name: "Discharge Date", Purpose: "hospitalization discharge date"},
	{Name: "Mod 1", Purpose: "procedure modifier"},
	{Name: "Mod 2", Purpose: "procedure modifier"},
	{Name: "Mod 3", Purpose: "procedure modifier"},
	{Name: "Mod 4", Purpose: "procedure modifier"},
	{Name: "Diag 2", Purpose: "diagnosis code"},
	{Name: "Diag 3", Purpose: "diagnosis code"},
	{Name: "Diag 4", Purpose: "diagnosis code"},

	{Name: "Patient Name", Output: true, Purpose: "fetched patient full name"},
	{Name: "DOB", Output: true, Purpose: "fetched date of birth"},
	{Name: "Insurance", Output: true, Purpose: "active primary insurance plan"},
	{Name: "Insurance ID", Output: true, Purpose: "policy number"},
	{Name: "Insurance Status", Output: true, Purpose: "policy status as of DOS"},
	{Name: "Charge Amount", Output: true, Purpose: "total charges for the created encounter"},
	{Name: "Charge Status", Output: true, Purpose: "remote encounter status"},
	{Name: "Encounter ID", Output: true, Purpose: "created encounter identifier"},
	{Name: ErrorColumn, Output: true, Purpose: "consolidated row status text"},
}

func init() {
	seen := map[string]string{}
	for _, c := range Columns {
		n := Normalize(c.Name)
		if prev, ok := seen[n]; ok {
			panic(fmt.Sprintf("schema: columns %q and %q normalize to %q", prev, c.Name, n))
		}
		seen[n] = c.Name
	}
}

// Normalize lowercases a header and collapses internal whitespace so
// "Patient  ID" and "patient id" compare equal.
func Normalize(header string) string {
	return strings.Join(strings.Fields(strings.ToLower(header)), " ")
}

// ValidationError reports an upload that cannot be processed. It is
// raised before any remote call is made.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("missing critical columns: %s", strings.Join(e.Missing, ", "))
}

// MapHeaders maps logical column names to the actual headers found in the
// upload. Non-critical columns may be absent; missing critical columns
// fail validation.
func MapHeaders(actual []string) (map[string]string, *ValidationError) {
	byNormalized := map[string]string{}
	for _, h := range actual {
		n := Normalize(h)
		if _, ok := byNormalized[n]; !ok {
			byNormalized[n] = h
		}
	}
	columns := map[string]string{}
	var missing []string
	for _, c := range Columns {
		if h, ok := byNormalized[Normalize(c.Name)]; ok {
			columns[c.Name] = h
			continue
		}
		if c.Critical {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}
	return columns, nil
}

// OutputColumns returns the derived column names in declaration order.
func OutputColumns() []string {
	var out []string
	for _, c := range Columns {
		if c.Output {
			out = append(out, c.Name)
		}
	}
	return out
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"chargeline/internal/domain"
	"chargeline/internal/resolve"
	"chargeline/internal/schema"
	"chargeline/internal/tebra"
)

// Insurance tie-break when several primary policies are active on the
// date of service.
const (
	InsuranceRemoteOrder   = "remote-order"
	InsuranceEarliestStart = "earliest-start"
)

type Config struct {
	// InsuranceSelection picks among multiple qualifying policies.
	// Defaults to InsuranceRemoteOrder.
	InsuranceSelection string
}

// Engine runs the three processing phases over a validated table. One
// Engine is scoped to one run and owns that run's resolution cache.
type Engine struct {
	client   tebra.Client
	resolver *resolve.Resolver
	cfg      Config
	logger   *log.Logger
}

func New(client tebra.Client, cfg Config, logger *log.Logger) *Engine {
	if cfg.InsuranceSelection == "" {
		cfg.InsuranceSelection = InsuranceRemoteOrder
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		client:   client,
		resolver: resolve.New(client),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the phases in order. Row and group failures are recorded
// in each row's outcome and never abort the run.
func (e *Engine) Run(ctx context.Context, table *domain.Table) *domain.RunSummary {
	summary := &domain.RunSummary{TotalRows: len(table.Rows)}
	for _, row := range table.Rows {
		e.fetchIdentity(ctx, table, row)
	}
	for _, row := range table.Rows {
		if e.postPayment(ctx, table, row) {
			summary.PaymentsPosted++
		}
	}
	summary.EncountersCreated = e.createEncounters(ctx, table)
	for _, row := range table.Rows {
		if row.Outcome.ErrorCount > 0 {
			summary.FailedRows++
		}
		summary.Results = append(summary.Results, domain.RowOutcome{
			RowNumber: row.Number,
			PatientID: table.Value(row, "Patient ID"),
			Practice:  table.Value(row, "Practice"),
			Results:   row.Outcome.NoteText(),
		})
	}
	return summary
}

// fetchIdentity is the first phase: pull the patient record and pick the
// primary insurance policy active on the date of service. Failure leaves
// the demographic fields blank, which also keeps the row out of the
// encounter phase.
func (e *Engine) fetchIdentity(ctx context.Context, table *domain.Table, row *domain.Row) {
	patientID := table.Value(row, "Patient ID")
	practice := table.Value(row, "Practice")
	rawDOS := table.Value(row, "DOS")
	if patientID == "" || practice == "" || rawDOS == "" {
		row.Outcome.AppendError("Missing Patient ID, Practice or DOS")
		return
	}
	dos, err := parseDate(rawDOS)
	if err != nil {
		row.Outcome.AppendError(fmt.Sprintf("Invalid DOS %q", rawDOS))
		return
	}
	patient, err := e.resolver.Patient(ctx, patientID, practice)
	if err != nil {
		e.logger.Printf("row %d: patient %s: %v", row.Number, patientID, err)
		row.Outcome.AppendError("Patient lookup failed: " + err.Error())
		return
	}
	row.Outcome.PatientName = patient.FullName()
	if dob, err := parseDate(patient.DateOfBirth); err == nil {
		row.Outcome.DateOfBirth = dob.Format("01/02/2006")
	} else {
		row.Outcome.DateOfBirth = patient.DateOfBirth
	}
	policy, status := e.selectInsurance(patient, dos)
	row.Outcome.InsuranceStatus = status
	if policy != nil {
		row.Outcome.InsuranceName = policy.PlanName
		if row.Outcome.InsuranceName == "" {
			row.Outcome.InsuranceName = policy.CompanyName
		}
		row.Outcome.InsuranceID = policy.Number
	}
}

// selectInsurance scans the primary case's policies (all cases when none
// is flagged primary) for one active on the date of service. The
// tie-break between several active policies is configurable; the remote
// response order is the historical behavior.
func (e *Engine) selectInsurance(p *tebra.Patient, dos time.Time) (*tebra.InsurancePolicy, string) {
	var policies []tebra.InsurancePolicy
	for _, c := range p.Cases {
		if c.IsPrimary {
			policies = c.Policies
			break
		}
	}
	if policies == nil {
		for _, c := range p.Cases {
			policies = append(policies, c.Policies...)
		}
	}
	if len(policies) == 0 {
		return nil, "No insurance on file"
	}
	var active []*tebra.InsurancePolicy
	for i := range policies {
		if policyActive(&policies[i], dos) {
			active = append(active, &policies[i])
		}
	}
	if len(active) == 0 {
		return nil, "Inactive as of DOS"
	}
	best := active[0]
	if e.cfg.InsuranceSelection == InsuranceEarliestStart {
		for _, p := range active[1:] {
			if startDate(p).Before(startDate(best)) {
				best = p
			}
		}
	}
	return best, "Active"
}

// policyActive requires a valid start date on or before the DOS with no
// end date or an end on/after the DOS. A policy carrying no dates at all
// counts as active; one with only an end date does not.
func policyActive(p *tebra.InsurancePolicy, dos time.Time) bool {
	start, startErr := parseDate(p.EffectiveStart)
	end, endErr := parseDate(p.EffectiveEnd)
	if startErr != nil {
		return endErr != nil
	}
	if dos.Before(start) {
		return false
	}
	if endErr == nil && dos.After(end) {
		return false
	}
	return true
}

func startDate(p *tebra.InsurancePolicy) time.Time {
	t, err := parseDate(p.EffectiveStart)
	if err != nil {
		return time.Time{}
	}
	return t
}

// postPayment is the second phase. Posting is attempted only when batch
// number, amount and source are all present; anything less means the row
// carries no payment and is skipped silently. A failed posting never
// touches the identity or encounter outcomes of the row.
func (e *Engine) postPayment(ctx context.Context, table *domain.Table, row *domain.Row) bool {
	batch := table.Value(row, "PP Batch #")
	amount := table.Value(row, "Patient Payment")
	source := table.Value(row, "Patient Payment Source")
	reference := table.Value(row, "Reference Number")
	if batch == "" || amount == "" || source == "" {
		return false
	}
	if v, err := strconv.ParseFloat(strings.TrimPrefix(amount, "$"), 64); err != nil || v <= 0 {
		row.Outcome.AppendError(fmt.Sprintf("Payment not posted: invalid amount %q", amount))
		return false
	}
	code, ok := schema.PaymentSourceCode(source)
	if !ok {
		row.Outcome.AppendError(fmt.Sprintf("Payment not posted: unrecognized source %q", source))
		return false
	}
	practice := table.Value(row, "Practice")
	practiceID, err := e.resolver.PracticeID(ctx, practice)
	if err != nil {
		row.Outcome.AppendError("Payment not posted: " + err.Error())
		return false
	}
	paymentID, err := e.client.CreatePayment(ctx, tebra.PaymentRequest{
		PracticeID:      practiceID,
		PatientID:       table.Value(row, "Patient ID"),
		BatchNumber:     batch,
		Amount:          strings.TrimPrefix(amount, "$"),
		PaymentMethod:   code,
		ReferenceNumber: reference,
	})
	if err != nil {
		e.logger.Printf("row %d: payment: %v", row.Number, err)
		row.Outcome.AppendError("Payment failed: " + err.Error())
		return false
	}
	row.Outcome.PaymentID = paymentID
	row.Outcome.AppendNote(fmt.Sprintf("Payment %s posted", paymentID))
	return true
}

type encounterGroup struct {
	patientID string
	dos       string
	practice  string
	rows      []*domain.Row
}

// createEncounters is the third phase: group eligible rows and create
// one encounter per group. A failure in one group never aborts another.
func (e *Engine) createEncounters(ctx context.Context, table *domain.Table) int {
	groups := e.groupRows(table)
	created := 0
	for _, g := range groups {
		if e.createEncounter(ctx, table, g) {
			created++
		}
	}
	return created
}

// groupRows buckets rows by (patient id, DOS, practice). A row qualifies
// only when those keys are present and the identity phase produced a
// patient name.
func (e *Engine) groupRows(table *domain.Table) []*encounterGroup {
	var groups []*encounterGroup
	index := map[string]*encounterGroup{}
	for _, row := range table.Rows {
		patientID := table.Value(row, "Patient ID")
		dos := table.Value(row, "DOS")
		practice := table.Value(row, "Practice")
		if patientID == "" || dos == "" || practice == "" || row.Outcome.PatientName == "" {
			continue
		}
		key := patientID + "|" + dos + "|" + strings.ToLower(strings.Join(strings.Fields(practice), " "))
		g, ok := index[key]
		if !ok {
			g = &encounterGroup{patientID: patientID, dos: dos, practice: practice}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}
	return groups
}

func (e *Engine) createEncounter(ctx context.Context, table *domain.Table, g *encounterGroup) bool {
	first := g.rows[0]
	req := tebra.EncounterRequest{
		PatientID:   g.patientID,
		BatchNumber: table.Value(first, "CE Batch #"),
	}
	dos, err := parseDate(g.dos)
	if err != nil {
		e.failGroup(g, fmt.Sprintf("Encounter not created: invalid DOS %q", g.dos))
		return false
	}
	req.ServiceDate = dos.Format("2006-01-02")

	req.PracticeID, err = e.resolver.PracticeID(ctx, g.practice)
	if err != nil {
		e.failGroup(g, "Encounter not created: "+err.Error())
		return false
	}
	req.ServiceLocationID, err = e.resolver.ServiceLocationID(ctx, g.practice)
	if err != nil {
		e.failGroup(g, "Encounter not created: "+err.Error())
		return false
	}
	req.CaseID, err = e.resolver.CaseID(ctx, g.patientID, g.practice)
	if err != nil {
		e.failGroup(g, "Encounter not created: "+err.Error())
		return false
	}
	rendering := table.Value(first, "Rendering Provider")
	if rendering == "" {
		e.failGroup(g, "Encounter not created: rendering provider missing")
		return false
	}
	req.RenderingProviderID, err = e.resolver.ProviderID(ctx, rendering, g.practice)
	if err != nil {
		e.failGroup(g, "Encounter not created: "+err.Error())
		return false
	}
	if scheduling := table.Value(first, "Scheduling Provider"); scheduling != "" {
		id, err := e.resolver.ProviderID(ctx, scheduling, g.practice)
		if err != nil {
			e.noteGroup(g, fmt.Sprintf("Scheduling provider %q not found, omitted", scheduling))
		} else {
			req.SchedulingProviderID = id
		}
	}
	if referring := table.Value(first, "Referring Provider"); referring != "" {
		p, err := e.resolver.ReferringProvider(ctx, referring, g.practice)
		if err != nil {
			e.noteGroup(g, fmt.Sprintf("Referring provider %q not found, omitted", referring))
		} else {
			req.ReferringProvider = p
		}
	}
	pos := schema.ResolvePlaceOfService(table.Value(first, "POS"), table.Value(first, "Encounter Mode"))
	req.PlaceOfServiceCode = pos.Code
	req.PlaceOfServiceName = pos.Name
	if admit := table.Value(first, "Admit Date"); admit != "" {
		if t, err := parseDate(admit); err == nil {
			req.AdmitDate = t.Format("2006-01-02")
		}
	}
	if discharge := table.Value(first, "Discharge Date"); discharge != "" {
		if t, err := parseDate(discharge); err == nil {
			req.DischargeDate = t.Format("2006-01-02")
		}
	}

	// One bad service line sinks the whole group; a partial encounter
	// would bill some of the group's procedures and silently drop the rest.
	for _, row := range g.rows {
		line, err := buildServiceLine(table, row)
		if err != nil {
			e.failGroup(g, fmt.Sprintf("Encounter not created: row %d: %v", row.Number, err))
			return false
		}
		req.ServiceLines = append(req.ServiceLines, *line)
	}

	encounterID, err := e.client.CreateEncounter(ctx, req)
	if err != nil {
		e.logger.Printf("group %s/%s/%s: encounter: %v", g.patientID, g.dos, g.practice, err)
		e.failGroup(g, "Encounter not created: "+err.Error())
		return false
	}
	if encounterID <= 0 {
		e.failGroup(g, fmt.Sprintf("Encounter not created: remote returned id %d", encounterID))
		return false
	}

	status := ""
	if raw, err := e.client.GetEncounterStatus(ctx, g.practice, strconv.Itoa(encounterID)); err != nil {
		e.noteGroup(g, "Encounter status unavailable: "+err.Error())
	} else {
		status = schema.EncounterStatusName(raw)
	}
	amount := e.totalCharges(ctx, g, req, encounterID)
	for _, row := range g.rows {
		row.Outcome.EncounterID = strconv.Itoa(encounterID)
		row.Outcome.ChargeStatus = status
		row.Outcome.ChargeAmount = amount
		row.Outcome.AppendNote(fmt.Sprintf("Encounter %d created", encounterID))
	}
	return true
}

// totalCharges queries with one representative procedure code and sums
// the charge lines for the encounter. A single query avoids counting the
// same charge record twice when service lines share procedure codes.
func (e *Engine) totalCharges(ctx context.Context, g *encounterGroup, req tebra.EncounterRequest, encounterID int) string {
	charges, err := e.client.GetCharges(ctx, tebra.ChargeQuery{
		PracticeName:  g.practice,
		PatientID:     g.patientID,
		ProcedureCode: req.ServiceLines[0].ProcedureCode,
	})
	if err != nil {
		e.noteGroup(g, "Charge amount unavailable: "+err.Error())
		return ""
	}
	total := 0.0
	found := false
	id := strconv.Itoa(encounterID)
	for _, c := range charges {
		if c.EncounterID != id {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(c.TotalCharges), "$"), 64)
		if err != nil {
			continue
		}
		total += v
		found = true
	}
	if !found {
		return ""
	}
	return fmt.Sprintf("%.2f", total)
}

func buildServiceLine(table *domain.Table, row *domain.Row) (*tebra.ServiceLine, error) {
	procedure := table.Value(row, "Procedures")
	if procedure == "" {
		return nil, fmt.Errorf("procedure code missing")
	}
	units := 1.0
	if raw := table.Value(row, "Units"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid units %q", raw)
		}
		units = v
	}
	line := &tebra.ServiceLine{ProcedureCode: procedure, Units: units}
	for _, col := range []string{"Mod 1", "Mod 2", "Mod 3", "Mod 4"} {
		if v := table.Value(row, col); v != "" {
			line.Modifiers = append(line.Modifiers, v)
		}
	}
	for _, col := range []string{"Diag 1", "Diag 2", "Diag 3", "Diag 4"} {
		if v := table.Value(row, col); v != "" {
			line.Diagnoses = append(line.Diagnoses, v)
		}
	}
	if len(line.Diagnoses) == 0 {
		return nil, fmt.Errorf("diagnosis code missing")
	}
	return line, nil
}

func (e *Engine) failGroup(g *encounterGroup, msg string) {
	for _, row := range g.rows {
		row.Outcome.AppendError(msg)
	}
}

func (e *Engine) noteGroup(g *encounterGroup, msg string) {
	for _, row := range g.rows {
		row.Outcome.AppendNote(msg)
	}
}

var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	"01-02-2006",
	"2006-01-02T15:04:05",
	"1/2/06",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

package domain

import "strings"

type Task struct {
	ID           string `json:"id"`
	Status       string `json:"status" enum:"pending,completed,error"`
	OriginalName string `json:"original_name,omitempty"`
	OutputPath   string `json:"output_path,omitempty"`
	Message      string `json:"message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

// Row is one spreadsheet record. Cells holds the raw values keyed by the
// actual (unnormalized) header; Outcome accumulates fetched fields and
// status text across the phases.
type Row struct {
	Number  int // 1-based spreadsheet row number, stable across the run
	Cells   map[string]string
	Outcome Outcome
}

// Outcome carries the enriched fields written back into the output
// spreadsheet. Notes are only ever appended, never overwritten, so a row
// can carry a payment confirmation and an encounter error at once.
type Outcome struct {
	PatientName     string
	DateOfBirth     string
	InsuranceName   string
	InsuranceID     string
	InsuranceStatus string
	PaymentID       string
	EncounterID     string
	ChargeStatus    string
	ChargeAmount    string
	Notes           []string
	ErrorCount      int
}

func (o *Outcome) AppendNote(msg string) {
	if msg == "" {
		return
	}
	o.Notes = append(o.Notes, msg)
}

func (o *Outcome) AppendError(msg string) {
	if msg == "" {
		return
	}
	o.Notes = append(o.Notes, msg)
	o.ErrorCount++
}

// NoteText joins the accumulated outcome fragments for the error column.
func (o *Outcome) NoteText() string {
	return strings.Join(o.Notes, "; ")
}

// Table is a validated sheet: the actual header order as read, the
// logical-name to actual-header mapping produced by schema validation,
// and the data rows.
type Table struct {
	Headers []string
	Columns map[string]string
	Rows    []*Row
}

// Value returns the trimmed cell value for a logical column name, or ""
// when the column was absent from the upload.
func (t *Table) Value(r *Row, logical string) string {
	header, ok := t.Columns[logical]
	if !ok {
		return ""
	}
	return strings.TrimSpace(r.Cells[header])
}

// RowOutcome is one line of the run summary.
type RowOutcome struct {
	RowNumber int    `json:"row_number"`
	PatientID string `json:"patient_id,omitempty"`
	Practice  string `json:"practice,omitempty"`
	Results   string `json:"results,omitempty"`
}

// RunSummary is the aggregate result of one processing run.
type RunSummary struct {
	TotalRows         int          `json:"total_rows"`
	PaymentsPosted    int          `json:"payments_posted"`
	EncountersCreated int          `json:"encounters_created"`
	FailedRows        int          `json:"failed_rows"`
	Results           []RowOutcome `json:"results"`
}

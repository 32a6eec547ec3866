package sheet

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"chargeline/internal/domain"
	"chargeline/internal/schema"
)

// Read loads and validates the upload. Schema failures (unreadable
// workbook, missing sheet, missing critical columns) come back as
// *schema.ValidationError so the caller can reject before any remote
// work starts.
func Read(r io.Reader) (*domain.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &schema.ValidationError{Reason: fmt.Sprintf("cannot read workbook: %v", err)}
	}
	defer f.Close()
	rows, err := f.GetRows(schema.SheetName)
	if err != nil {
		return nil, &schema.ValidationError{Reason: fmt.Sprintf("sheet %q not found", schema.SheetName)}
	}
	if len(rows) == 0 {
		return nil, &schema.ValidationError{Reason: fmt.Sprintf("sheet %q is empty", schema.SheetName)}
	}
	headers := make([]string, 0, len(rows[0]))
	for _, h := range rows[0] {
		headers = append(headers, strings.TrimSpace(h))
	}
	columns, verr := schema.MapHeaders(headers)
	if verr != nil {
		return nil, verr
	}
	// Derived columns are created when the upload lacks them.
	for _, name := range schema.OutputColumns() {
		if _, ok := columns[name]; !ok {
			headers = append(headers, name)
			columns[name] = name
		}
	}
	table := &domain.Table{Headers: headers, Columns: columns}
	for i, raw := range rows[1:] {
		cells := map[string]string{}
		empty := true
		for j, v := range raw {
			if j >= len(headers) {
				break
			}
			cells[headers[j]] = v
			if strings.TrimSpace(v) != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		table.Rows = append(table.Rows, &domain.Row{Number: i + 2, Cells: cells})
	}
	return table, nil
}

// Write materializes the enriched table. Every input row appears once,
// original cell values preserved, with the derived columns filled from
// each row's outcome.
func Write(path string, t *domain.Table) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", schema.SheetName); err != nil {
		return err
	}
	header := make([]interface{}, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(schema.SheetName, "A1", &header); err != nil {
		return err
	}
	outputByHeader := map[string]string{}
	for _, name := range schema.OutputColumns() {
		if h, ok := t.Columns[name]; ok {
			outputByHeader[h] = name
		}
	}
	for i, row := range t.Rows {
		values := make([]interface{}, len(t.Headers))
		for j, h := range t.Headers {
			if logical, ok := outputByHeader[h]; ok {
				values[j] = outputValue(row, logical)
			} else {
				values[j] = row.Cells[h]
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(schema.SheetName, cell, &values); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func outputValue(row *domain.Row, logical string) string {
	o := &row.Outcome
	switch logical {
	case "Patient Name":
		return o.PatientName
	case "DOB":
		return o.DateOfBirth
	case "Insurance":
		return o.InsuranceName
	case "Insurance ID":
		return o.InsuranceID
	case "Insurance Status":
		return o.InsuranceStatus
	case "Charge Amount":
		return o.ChargeAmount
	case "Charge Status":
		return o.ChargeStatus
	case "Encounter ID":
		return o.EncounterID
	case schema.ErrorColumn:
		return o.NoteText()
	}
	return ""
}

// OutputFilename embeds the task id and a timestamp so concurrent runs
// sharing one output directory never collide.
func OutputFilename(taskID string, now time.Time) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Processed_Charges_%s_%s.xlsx", short, now.UTC().Format("20060102_150405"))
}

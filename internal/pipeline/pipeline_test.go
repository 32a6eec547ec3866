package pipeline

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"chargeline/internal/domain"
	"chargeline/internal/schema"
	"chargeline/internal/tebra"
)

type fakeClient struct {
	patients  map[string]*tebra.Patient
	practices []tebra.Practice
	locations []tebra.ServiceLocation
	providers []tebra.Provider
	status    string
	charges   []tebra.Charge

	encounterErrs map[string]error // keyed by patient id
	nextEncounter int

	patientCalls   int
	practiceCalls  int
	encounterCalls int
	chargeCalls    int
	paymentReqs    []tebra.PaymentRequest
	encounterReqs  []tebra.EncounterRequest
}

func (f *fakeClient) GetPatient(ctx context.Context, patientID, practiceName string) (*tebra.Patient, error) {
	f.patientCalls++
	p, ok := f.patients[patientID]
	if !ok {
		return nil, &tebra.Fault{Op: "GetPatient", Message: "patient " + patientID + " not found"}
	}
	return p, nil
}

func (f *fakeClient) GetPractices(ctx context.Context, name string) ([]tebra.Practice, error) {
	f.practiceCalls++
	return f.practices, nil
}

func (f *fakeClient) GetServiceLocations(ctx context.Context, practiceName string) ([]tebra.ServiceLocation, error) {
	return f.locations, nil
}

func (f *fakeClient) GetProviders(ctx context.Context, practiceName string) ([]tebra.Provider, error) {
	return f.providers, nil
}

func (f *fakeClient) CreatePayment(ctx context.Context, req tebra.PaymentRequest) (string, error) {
	f.paymentReqs = append(f.paymentReqs, req)
	return "555", nil
}

func (f *fakeClient) CreateEncounter(ctx context.Context, req tebra.EncounterRequest) (int, error) {
	f.encounterCalls++
	f.encounterReqs = append(f.encounterReqs, req)
	if err, ok := f.encounterErrs[req.PatientID]; ok {
		return 0, err
	}
	f.nextEncounter++
	return 9000 + f.nextEncounter, nil
}

func (f *fakeClient) GetEncounterStatus(ctx context.Context, practiceName, encounterID string) (string, error) {
	if f.status == "" {
		return "1", nil
	}
	return f.status, nil
}

func (f *fakeClient) GetCharges(ctx context.Context, q tebra.ChargeQuery) ([]tebra.Charge, error) {
	f.chargeCalls++
	return f.charges, nil
}

func newFake() *fakeClient {
	return &fakeClient{
		patients: map[string]*tebra.Patient{
			"P123": {
				ID: "P123", FirstName: "John", LastName: "Smith", DateOfBirth: "1980-05-01",
				Cases: []tebra.PatientCase{{
					CaseID: "C1", IsPrimary: true,
					Policies: []tebra.InsurancePolicy{{
						PlanName: "Blue PPO", Number: "BP-1",
						EffectiveStart: "2023-01-01", EffectiveEnd: "2025-12-31",
					}},
				}},
			},
		},
		practices: []tebra.Practice{{ID: "77", Name: "Acme Clinic", Active: true}},
		locations: []tebra.ServiceLocation{{ID: "5", Name: "Acme Clinic"}},
		providers: []tebra.Provider{{ID: "12", FullName: "Jane Doe", Active: true}},
	}
}

func makeTable(t *testing.T, headers []string, data ...[]string) *domain.Table {
	t.Helper()
	columns, verr := schema.MapHeaders(headers)
	if verr != nil {
		t.Fatal(verr)
	}
	for _, name := range schema.OutputColumns() {
		if _, ok := columns[name]; !ok {
			headers = append(headers, name)
			columns[name] = name
		}
	}
	table := &domain.Table{Headers: headers, Columns: columns}
	for i, values := range data {
		cells := map[string]string{}
		for j, v := range values {
			if j < len(headers) {
				cells[headers[j]] = v
			}
		}
		table.Rows = append(table.Rows, &domain.Row{Number: i + 2, Cells: cells})
	}
	return table
}

var chargeHeaders = []string{
	"Patient ID", "Practice", "DOS", "Rendering Provider",
	"Encounter Mode", "POS", "Procedures", "Units", "Diag 1",
}

func TestSharedGroupCreatesOneEncounter(t *testing.T) {
	fake := newFake()
	fake.charges = []tebra.Charge{
		{EncounterID: "9001", ProcedureCode: "99213", TotalCharges: "100.50"},
		{EncounterID: "9001", ProcedureCode: "99214", TotalCharges: "25.25"},
		{EncounterID: "8000", ProcedureCode: "99213", TotalCharges: "999.00"},
	}
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99214", "2", "E11.9"},
	)
	eng := New(fake, Config{}, nil)
	summary := eng.Run(context.Background(), table)

	if fake.encounterCalls != 1 {
		t.Fatalf("encounter calls = %d, want 1", fake.encounterCalls)
	}
	req := fake.encounterReqs[0]
	if len(req.ServiceLines) != 2 {
		t.Fatalf("service lines = %d, want 2", len(req.ServiceLines))
	}
	if req.ServiceLines[0].ProcedureCode != "99213" || req.ServiceLines[1].ProcedureCode != "99214" {
		t.Fatalf("procedures = %q, %q", req.ServiceLines[0].ProcedureCode, req.ServiceLines[1].ProcedureCode)
	}
	if req.ServiceLines[1].Units != 2 {
		t.Fatalf("units = %v, want 2", req.ServiceLines[1].Units)
	}
	for i, row := range table.Rows {
		if row.Outcome.EncounterID != "9001" {
			t.Fatalf("row %d encounter id = %q, want 9001", i, row.Outcome.EncounterID)
		}
		if row.Outcome.ChargeStatus != "Draft" {
			t.Fatalf("row %d charge status = %q, want Draft", i, row.Outcome.ChargeStatus)
		}
		if row.Outcome.ChargeAmount != "125.75" {
			t.Fatalf("row %d charge amount = %q, want 125.75", i, row.Outcome.ChargeAmount)
		}
	}
	if fake.chargeCalls != 1 {
		t.Fatalf("charge calls = %d, want 1", fake.chargeCalls)
	}
	if summary.EncountersCreated != 1 || summary.FailedRows != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestIdentityFieldsFromFetch(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)
	o := table.Rows[0].Outcome
	if o.PatientName != "John Smith" {
		t.Fatalf("patient name = %q", o.PatientName)
	}
	if o.DateOfBirth != "05/01/1980" {
		t.Fatalf("dob = %q", o.DateOfBirth)
	}
	if o.InsuranceName != "Blue PPO" || o.InsuranceID != "BP-1" || o.InsuranceStatus != "Active" {
		t.Fatalf("insurance = %q/%q/%q", o.InsuranceName, o.InsuranceID, o.InsuranceStatus)
	}
}

func TestInsuranceInactiveAsOfDOS(t *testing.T) {
	fake := newFake()
	fake.patients["P123"].Cases[0].Policies[0].EffectiveEnd = "2023-12-31"
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)
	o := table.Rows[0].Outcome
	if o.InsuranceStatus != "Inactive as of DOS" {
		t.Fatalf("status = %q", o.InsuranceStatus)
	}
	if o.InsuranceName != "" || o.InsuranceID != "" {
		t.Fatalf("inactive policy leaked fields: %q/%q", o.InsuranceName, o.InsuranceID)
	}
}

func TestPolicyWithoutStartDateNotActive(t *testing.T) {
	fake := newFake()
	fake.patients["P123"].Cases[0].Policies = []tebra.InsurancePolicy{
		{PlanName: "End Only", Number: "E-9", EffectiveEnd: "2025-12-31"},
	}
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)
	if got := table.Rows[0].Outcome.InsuranceStatus; got != "Inactive as of DOS" {
		t.Fatalf("status = %q", got)
	}
}

func TestPolicyWithoutAnyDatesActive(t *testing.T) {
	fake := newFake()
	fake.patients["P123"].Cases[0].Policies = []tebra.InsurancePolicy{
		{PlanName: "Open Plan", Number: "O-1"},
	}
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)
	o := table.Rows[0].Outcome
	if o.InsuranceStatus != "Active" || o.InsuranceName != "Open Plan" {
		t.Fatalf("outcome = %q/%q", o.InsuranceStatus, o.InsuranceName)
	}
}

func TestInsuranceEarliestStartSelection(t *testing.T) {
	fake := newFake()
	fake.patients["P123"].Cases[0].Policies = []tebra.InsurancePolicy{
		{PlanName: "Later Plan", Number: "L-1", EffectiveStart: "2023-06-01"},
		{PlanName: "Earlier Plan", Number: "E-1", EffectiveStart: "2022-01-01"},
	}
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{InsuranceSelection: InsuranceEarliestStart}, nil).Run(context.Background(), table)
	if got := table.Rows[0].Outcome.InsuranceName; got != "Earlier Plan" {
		t.Fatalf("earliest-start picked %q", got)
	}

	table2 := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(newFakeWithPolicies(fake.patients["P123"].Cases[0].Policies), Config{}, nil).Run(context.Background(), table2)
	if got := table2.Rows[0].Outcome.InsuranceName; got != "Later Plan" {
		t.Fatalf("remote-order picked %q", got)
	}
}

func newFakeWithPolicies(policies []tebra.InsurancePolicy) *fakeClient {
	f := newFake()
	f.patients["P123"].Cases[0].Policies = policies
	return f
}

func TestGroupFaultDoesNotAbortLaterGroup(t *testing.T) {
	fake := newFake()
	fake.patients["P456"] = &tebra.Patient{
		ID: "P456", FirstName: "Ann", LastName: "Lee",
		Cases: []tebra.PatientCase{{CaseID: "C9", IsPrimary: true}},
	}
	fake.encounterErrs = map[string]error{
		"P123": &tebra.Fault{Op: "CreateEncounter", Message: "Invalid procedure code 99999"},
	}
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99999", "1", "E11.9"},
		[]string{"P456", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if summary.EncountersCreated != 1 {
		t.Fatalf("encounters created = %d, want 1", summary.EncountersCreated)
	}
	first := table.Rows[0].Outcome
	if first.EncounterID != "" || first.ErrorCount == 0 {
		t.Fatalf("failed group outcome = %+v", first)
	}
	if !strings.Contains(first.NoteText(), "Invalid procedure code 99999") {
		t.Fatalf("notes = %q", first.NoteText())
	}
	second := table.Rows[1].Outcome
	if second.EncounterID == "" || second.ErrorCount != 0 {
		t.Fatalf("later group outcome = %+v", second)
	}
}

func TestPaymentFailureLeavesOtherPhasesAlone(t *testing.T) {
	fake := newFake()
	fake.practices = nil // practice name resolves for nothing
	headers := append(append([]string{}, chargeHeaders...),
		"PP Batch #", "Patient Payment", "Patient Payment Source", "Reference Number")
	table := makeTable(t, headers,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9",
			"B100", "50.00", "Check", "1234"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)

	o := table.Rows[0].Outcome
	if o.PatientName != "John Smith" {
		t.Fatalf("identity phase affected: %+v", o)
	}
	if len(fake.paymentReqs) != 0 {
		t.Fatal("payment posted despite unresolvable practice")
	}
	notes := o.NoteText()
	if !strings.Contains(notes, "Payment not posted") || !strings.Contains(notes, "Acme Clinic") {
		t.Fatalf("notes = %q", notes)
	}
}

func TestPaymentPostedWithSourceCode(t *testing.T) {
	fake := newFake()
	headers := append(append([]string{}, chargeHeaders...),
		"PP Batch #", "Patient Payment", "Patient Payment Source", "Reference Number")
	table := makeTable(t, headers,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9",
			"B100", "$50.00", "EFT", "1234"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if summary.PaymentsPosted != 1 {
		t.Fatalf("payments posted = %d", summary.PaymentsPosted)
	}
	req := fake.paymentReqs[0]
	if req.PaymentMethod != "4" {
		t.Fatalf("payment method = %q, want 4", req.PaymentMethod)
	}
	if req.Amount != "50.00" || req.PracticeID != "77" {
		t.Fatalf("payment req = %+v", req)
	}
	if got := table.Rows[0].Outcome.PaymentID; got != "555" {
		t.Fatalf("payment id = %q", got)
	}
}

func TestBadServiceLineAbortsGroup(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "", "1", "E11.9"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if fake.encounterCalls != 0 {
		t.Fatalf("encounter calls = %d, want 0", fake.encounterCalls)
	}
	if summary.EncountersCreated != 0 {
		t.Fatalf("encounters created = %d", summary.EncountersCreated)
	}
	for i, row := range table.Rows {
		if row.Outcome.EncounterID != "" {
			t.Fatalf("row %d stamped with encounter id %q", i, row.Outcome.EncounterID)
		}
		notes := row.Outcome.NoteText()
		if !strings.Contains(notes, "procedure code missing") {
			t.Fatalf("row %d notes = %q", i, notes)
		}
		if regexp.MustCompile(`Encounter \d+ created`).MatchString(notes) {
			t.Fatalf("row %d carries a success note: %q", i, notes)
		}
	}
}

func TestPaymentSkippedWithoutBatchNumber(t *testing.T) {
	fake := newFake()
	headers := append(append([]string{}, chargeHeaders...),
		"PP Batch #", "Patient Payment", "Patient Payment Source", "Reference Number")
	table := makeTable(t, headers,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9",
			"", "$50.00", "Check", "1234"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if len(fake.paymentReqs) != 0 {
		t.Fatal("payment posted without a batch number")
	}
	if summary.PaymentsPosted != 0 {
		t.Fatalf("payments posted = %d", summary.PaymentsPosted)
	}
	if got := table.Rows[0].Outcome.ErrorCount; got != 0 {
		t.Fatalf("silent skip recorded %d errors: %q", got, table.Rows[0].Outcome.NoteText())
	}
}

func TestRowWithoutPaymentColumnsSkippedSilently(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)
	if len(fake.paymentReqs) != 0 {
		t.Fatal("payment posted for row without payment columns")
	}
	for _, n := range table.Rows[0].Outcome.Notes {
		if strings.Contains(n, "Payment") {
			t.Fatalf("unexpected payment note %q", n)
		}
	}
}

func TestMissingIdentityExcludedFromGrouping(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if fake.encounterCalls != 1 {
		t.Fatalf("encounter calls = %d, want 1", fake.encounterCalls)
	}
	if table.Rows[0].Outcome.EncounterID != "" {
		t.Fatal("row without patient id got an encounter")
	}
	if summary.FailedRows != 1 {
		t.Fatalf("failed rows = %d, want 1", summary.FailedRows)
	}
}

func TestEveryRowAppearsOnceInSummary(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
		[]string{"", "", "", "", "", "", "", "", ""},
		[]string{"nope", "Acme Clinic", "bad-date", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"},
	)
	summary := New(fake, Config{}, nil).Run(context.Background(), table)

	if summary.TotalRows != 3 || len(summary.Results) != 3 {
		t.Fatalf("summary rows = %d/%d, want 3/3", summary.TotalRows, len(summary.Results))
	}
	seen := map[int]bool{}
	for _, r := range summary.Results {
		if seen[r.RowNumber] {
			t.Fatalf("row %d duplicated", r.RowNumber)
		}
		seen[r.RowNumber] = true
	}
}

func TestMissingRenderingProviderAbortsGroup(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Riley, Sam MD", "In Office", "11", "99213", "1", "E11.9"},
		[]string{"P123", "Acme Clinic", "01/10/2024", "Riley, Sam MD", "In Office", "11", "99214", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)

	if fake.encounterCalls != 0 {
		t.Fatalf("encounter calls = %d, want 0", fake.encounterCalls)
	}
	for i, row := range table.Rows {
		if row.Outcome.ErrorCount == 0 {
			t.Fatalf("row %d missing group error", i)
		}
		if !strings.Contains(row.Outcome.NoteText(), "Riley, Sam MD") {
			t.Fatalf("row %d notes = %q", i, row.Outcome.NoteText())
		}
	}
}

func TestOptionalProviderMissingIsWarningOnly(t *testing.T) {
	fake := newFake()
	headers := append(append([]string{}, chargeHeaders...), "Scheduling Provider")
	table := makeTable(t, headers,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9",
			"Riley, Sam MD"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)

	o := table.Rows[0].Outcome
	if o.EncounterID == "" {
		t.Fatalf("encounter not created: %q", o.NoteText())
	}
	if !strings.Contains(o.NoteText(), "Scheduling provider") {
		t.Fatalf("notes = %q", o.NoteText())
	}
	if o.ErrorCount != 0 {
		t.Fatalf("warning counted as error: %+v", o)
	}
	if fake.encounterReqs[0].SchedulingProviderID != "" {
		t.Fatal("scheduling provider id set despite no match")
	}
}

func TestTelehealthPlaceOfService(t *testing.T) {
	fake := newFake()
	table := makeTable(t, chargeHeaders,
		[]string{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "Telehealth Visit", "", "99213", "1", "E11.9"},
	)
	New(fake, Config{}, nil).Run(context.Background(), table)

	req := fake.encounterReqs[0]
	if req.PlaceOfServiceCode != "10" {
		t.Fatalf("pos = %q, want 10", req.PlaceOfServiceCode)
	}
}

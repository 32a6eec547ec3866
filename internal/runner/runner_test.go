package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"chargeline/internal/db"
	"chargeline/internal/migrate"
	"chargeline/internal/pipeline"
	"chargeline/internal/repo"
	"chargeline/internal/schema"
	"chargeline/internal/sheet"
	"chargeline/internal/tebra"
)

type fakeClient struct {
	patient *tebra.Patient
}

func (f *fakeClient) GetPatient(ctx context.Context, patientID, practiceName string) (*tebra.Patient, error) {
	return f.patient, nil
}

func (f *fakeClient) GetPractices(ctx context.Context, name string) ([]tebra.Practice, error) {
	return []tebra.Practice{{ID: "77", Name: "Acme Clinic", Active: true}}, nil
}

func (f *fakeClient) GetServiceLocations(ctx context.Context, practiceName string) ([]tebra.ServiceLocation, error) {
	return []tebra.ServiceLocation{{ID: "5", Name: "Acme Clinic"}}, nil
}

func (f *fakeClient) GetProviders(ctx context.Context, practiceName string) ([]tebra.Provider, error) {
	return []tebra.Provider{{ID: "12", FullName: "Jane Doe", Active: true}}, nil
}

func (f *fakeClient) CreatePayment(ctx context.Context, req tebra.PaymentRequest) (string, error) {
	return "555", nil
}

func (f *fakeClient) CreateEncounter(ctx context.Context, req tebra.EncounterRequest) (int, error) {
	return 9001, nil
}

func (f *fakeClient) GetEncounterStatus(ctx context.Context, practiceName, encounterID string) (string, error) {
	return "1", nil
}

func (f *fakeClient) GetCharges(ctx context.Context, q tebra.ChargeQuery) ([]tebra.Charge, error) {
	return []tebra.Charge{{EncounterID: "9001", TotalCharges: "100.00"}}, nil
}

func newFakeClient() *fakeClient {
	return &fakeClient{patient: &tebra.Patient{
		ID: "P123", FirstName: "John", LastName: "Smith", DateOfBirth: "1980-05-01",
		Cases: []tebra.PatientCase{{CaseID: "C1", IsPrimary: true}},
	}}
}

func uploadBytes(t *testing.T, headers []string) *bytes.Reader {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", schema.SheetName); err != nil {
		t.Fatal(err)
	}
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := f.SetSheetRow(schema.SheetName, "A1", &row); err != nil {
		t.Fatal(err)
	}
	data := []interface{}{"P123", "Acme Clinic", "01/10/2024", "Doe, Jane MD", "In Office", "11", "99213", "1", "E11.9"}
	if err := f.SetSheetRow(schema.SheetName, "A2", &data); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(buf.Bytes())
}

var chargeHeaders = []string{
	"Patient ID", "Practice", "DOS", "Rendering Provider",
	"Encounter Mode", "POS", "Procedures", "Units", "Diag 1",
}

func newRunner(t *testing.T) (*Runner, repo.Repo, *int) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	constructed := 0
	run := &Runner{
		Repo:      r,
		OutputDir: t.TempDir(),
		Pipeline:  pipeline.Config{},
		NewClient: func(creds tebra.Credentials) (tebra.Client, error) {
			constructed++
			return newFakeClient(), nil
		},
	}
	return run, r, &constructed
}

func TestSubmitRejectsMissingColumnsBeforeTaskCreation(t *testing.T) {
	run, r, constructed := newRunner(t)
	_, err := run.Submit(context.Background(), uploadBytes(t, []string{"Patient ID", "Practice"}), "charges.xlsx", tebra.Credentials{})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if *constructed != 0 {
		t.Fatal("remote client constructed for rejected upload")
	}
	tasks, err := r.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	run, r, _ := newRunner(t)
	task, err := run.Submit(context.Background(), uploadBytes(t, chargeHeaders), "charges.xlsx", tebra.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "pending" {
		t.Fatalf("status at submit = %q", task.Status)
	}
	run.Wait()

	got, err := r.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("status = %q, message = %q", got.Status, got.Message)
	}
	if got.OutputPath == "" {
		t.Fatal("no output path recorded")
	}
	f, err := os.Open(got.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	table, err := sheet.Read(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("output rows = %d, want 1", len(table.Rows))
	}
	if got := table.Value(table.Rows[0], "Encounter ID"); got != "9001" {
		t.Fatalf("encounter id in output = %q", got)
	}
}

func TestWorkerFailureSurfacesAsTaskError(t *testing.T) {
	run, r, _ := newRunner(t)
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run.OutputDir = filepath.Join(blocked, "out")

	task, err := run.Submit(context.Background(), uploadBytes(t, chargeHeaders), "charges.xlsx", tebra.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	run.Wait()

	got, err := r.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "error" || got.Message == "" {
		t.Fatalf("task = %+v", got)
	}
}

func TestProcessFileSynchronous(t *testing.T) {
	run, _, _ := newRunner(t)
	path := filepath.Join(t.TempDir(), "charges.xlsx")
	data, err := io.ReadAll(uploadBytes(t, chargeHeaders))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	summary, outPath, err := run.ProcessFile(context.Background(), path, tebra.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRows != 1 || summary.EncountersCreated != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatal(err)
	}
}

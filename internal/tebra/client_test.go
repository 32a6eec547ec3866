package tebra

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func soapResponse(inner string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + inner + `</s:Body></s:Envelope>`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Endpoint: srv.URL}, Credentials{
		CustomerKey: "key-1",
		User:        "biller@example.com",
		Password:    "p&ssw<rd",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestGetPatientEscapesCredentialsAndDecodes(t *testing.T) {
	var gotAction, gotBody string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, soapResponse(`<GetPatientResponse xmlns="http://www.kareo.com/api/schemas/"><GetPatientResult>
			<ID>4021</ID><FirstName>Jane</FirstName><LastName>Doe</LastName><DateofBirth>1984-02-11</DateofBirth>
			<Cases><PatientCaseData><PatientCaseID>77</PatientCaseID><IsPrimaryCase>true</IsPrimaryCase>
			<InsurancePolicies><PatientInsurancePolicyData>
			<PlanName>Gold PPO</PlanName><CompanyName>Acme Health</CompanyName><Number>XZ-1</Number>
			<EffectiveStartDate>2020-01-01</EffectiveStartDate><EffectiveEndDate>2030-01-01</EffectiveEndDate>
			</PatientInsurancePolicyData></InsurancePolicies></PatientCaseData></Cases>
			</GetPatientResult></GetPatientResponse>`))
	})
	p, err := client.GetPatient(context.Background(), "4021", "Acme Clinic")
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if gotAction != serviceNS+"GetPatient" {
		t.Fatalf("soap action %q", gotAction)
	}
	if !strings.Contains(gotBody, "p&amp;ssw&lt;rd") {
		t.Fatalf("password not xml-escaped in request: %s", gotBody)
	}
	if p.FullName() != "Jane Doe" || p.DateOfBirth != "1984-02-11" {
		t.Fatalf("bad patient: %+v", p)
	}
	if len(p.Cases) != 1 || !p.Cases[0].IsPrimary || p.Cases[0].CaseID != "77" {
		t.Fatalf("bad cases: %+v", p.Cases)
	}
	if p.Cases[0].Policies[0].PlanName != "Gold PPO" {
		t.Fatalf("bad policy: %+v", p.Cases[0].Policies)
	}
}

func TestAPIErrorBecomesFault(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, soapResponse(`<CreatePaymentResponse><CreatePaymentResult>
			<ErrorResponse><IsError>true</IsError><ErrorMessage>Practice not active</ErrorMessage></ErrorResponse>
			</CreatePaymentResult></CreatePaymentResponse>`))
	})
	_, err := client.CreatePayment(context.Background(), PaymentRequest{PracticeID: "1", PatientID: "2", Amount: "50"})
	if err == nil {
		t.Fatal("expected fault")
	}
	f, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %T", err)
	}
	if f.Op != "CreatePayment" || !strings.Contains(f.Message, "Practice not active") {
		t.Fatalf("bad fault: %+v", f)
	}
}

func TestSOAPFaultBecomesFault(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, soapResponse(`<s:Fault><faultcode>s:Server</faultcode><faultstring>Object reference not set</faultstring></s:Fault>`))
	})
	_, err := client.GetPractices(context.Background(), "Acme Clinic")
	if err == nil {
		t.Fatal("expected fault")
	}
	if !strings.Contains(err.Error(), "Object reference not set") {
		t.Fatalf("fault text lost: %v", err)
	}
}

func TestCreateEncounterBuildsServiceLines(t *testing.T) {
	var gotBody string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, soapResponse(`<CreateEncounterResponse><CreateEncounterResult>
			<EncounterID>9001</EncounterID></CreateEncounterResult></CreateEncounterResponse>`))
	})
	id, err := client.CreateEncounter(context.Background(), EncounterRequest{
		PracticeID:          "1",
		PatientID:           "4021",
		ServiceLocationID:   "10",
		RenderingProviderID: "55",
		ServiceDate:         "2024-01-10",
		PlaceOfServiceCode:  "11",
		PlaceOfServiceName:  "Office",
		ServiceLines: []ServiceLine{
			{ProcedureCode: "99213", Units: 1, Modifiers: []string{"25"}, Diagnoses: []string{"F41.1", "F33.1"}},
			{ProcedureCode: "90833", Units: 1, Diagnoses: []string{"F41.1"}},
		},
	})
	if err != nil {
		t.Fatalf("create encounter: %v", err)
	}
	if id != 9001 {
		t.Fatalf("encounter id %d", id)
	}
	for _, want := range []string{"99213", "90833", "<ProcedureModifier1>25</ProcedureModifier1>", "<DiagnosisCode2>F33.1</DiagnosisCode2>"} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("request missing %q: %s", want, gotBody)
		}
	}
	if strings.Count(gotBody, "<ServiceLineReq>") != 2 {
		t.Fatalf("expected two service lines: %s", gotBody)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "http://x"}, Credentials{User: "u"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
	if _, err := NewClient(Config{}, Credentials{CustomerKey: "k", User: "u", Password: "p"}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

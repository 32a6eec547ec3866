package tebra

import "context"

// Credentials is the per-request credential bundle the remote API
// expects in every call header.
type Credentials struct {
	CustomerKey string
	User        string
	Password    string
}

type Patient struct {
	ID          string
	FirstName   string
	LastName    string
	DateOfBirth string
	Cases       []PatientCase
}

func (p Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type PatientCase struct {
	CaseID    string
	Name      string
	IsPrimary bool
	Policies  []InsurancePolicy
}

type InsurancePolicy struct {
	PlanName       string
	CompanyName    string
	Number         string
	EffectiveStart string
	EffectiveEnd   string
}

type Practice struct {
	ID     string
	Name   string
	Active bool
}

type ServiceLocation struct {
	ID   string
	Name string
}

type Provider struct {
	ID        string
	FullName  string
	FirstName string
	LastName  string
	NPI       string
	Type      string
	Active    bool
}

type PaymentRequest struct {
	PracticeID      string
	PatientID       string
	BatchNumber     string
	Amount          string
	PaymentMethod   string
	ReferenceNumber string
}

type ServiceLine struct {
	ProcedureCode string
	Units         float64
	Modifiers     []string
	Diagnoses     []string
}

type EncounterRequest struct {
	PracticeID           string
	PatientID            string
	CaseID               string
	ServiceLocationID    string
	RenderingProviderID  string
	SchedulingProviderID string
	ReferringProvider    *Provider
	ServiceDate          string
	PlaceOfServiceCode   string
	PlaceOfServiceName   string
	BatchNumber          string
	AdmitDate            string
	DischargeDate        string
	ServiceLines         []ServiceLine
}

type ChargeQuery struct {
	PracticeName  string
	PatientID     string
	ProcedureCode string
}

type Charge struct {
	ID            string
	EncounterID   string
	PatientID     string
	ProcedureCode string
	TotalCharges  string
}

// Client is the remote practice-management API. One value is scoped to
// one processing run and carries that run's credentials.
type Client interface {
	GetPatient(ctx context.Context, patientID, practiceName string) (*Patient, error)
	GetPractices(ctx context.Context, name string) ([]Practice, error)
	GetServiceLocations(ctx context.Context, practiceName string) ([]ServiceLocation, error)
	GetProviders(ctx context.Context, practiceName string) ([]Provider, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (string, error)
	CreateEncounter(ctx context.Context, req EncounterRequest) (int, error)
	GetEncounterStatus(ctx context.Context, practiceName, encounterID string) (string, error)
	GetCharges(ctx context.Context, q ChargeQuery) ([]Charge, error)
}

package tebra

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const serviceNS = "http://www.kareo.com/api/schemas/"

// Config holds the remote API transport settings.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

type soapClient struct {
	endpoint string
	creds    Credentials
	http     *http.Client
	logger   *log.Logger
}

// NewClient builds a SOAP client for one processing run. Incomplete
// credentials or a missing endpoint fail here, before any row work.
func NewClient(cfg Config, creds Credentials) (Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	if creds.CustomerKey == "" || creds.User == "" || creds.Password == "" {
		return nil, fmt.Errorf("customer key, user, and password are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &soapClient{endpoint: cfg.Endpoint, creds: creds, http: httpClient, logger: logger}, nil
}

type requestHeader struct {
	CustomerKey string `xml:"CustomerKey"`
	User        string `xml:"User"`
	Password    string `xml:"Password"`
}

func (c *soapClient) header() requestHeader {
	return requestHeader{CustomerKey: c.creds.CustomerKey, User: c.creds.User, Password: c.creds.Password}
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    requestBody
}

type requestBody struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
	Payload any
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	XMLName xml.Name `xml:"Fault"`
	Code    string   `xml:"faultcode"`
	Message string   `xml:"faultstring"`
}

type errorResponse struct {
	IsError      bool   `xml:"IsError"`
	ErrorMessage string `xml:"ErrorMessage"`
}

type securityResponse struct {
	Authorized     bool   `xml:"Authorized"`
	SecurityResult string `xml:"SecurityResult"`
}

// call posts one SOAP operation and decodes the response body into out.
// Transport errors, SOAP faults, and HTTP errors all come back as *Fault
// so callers have one failure shape to translate.
func (c *soapClient) call(ctx context.Context, action string, payload, out any) error {
	env := requestEnvelope{Body: requestBody{Payload: payload}}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return &Fault{Op: action, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return &Fault{Op: action, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", serviceNS+action)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Fault{Op: action, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Fault{Op: action, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return &Fault{Op: action, Message: ShortMessage(string(data))}
	}
	var renv responseEnvelope
	if err := xml.Unmarshal(data, &renv); err != nil {
		return &Fault{Op: action, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	if strings.Contains(string(renv.Body.Inner), "Fault") {
		var f soapFault
		if err := xml.Unmarshal(renv.Body.Inner, &f); err == nil && f.Message != "" {
			return &Fault{Op: action, Message: ShortMessage(f.Message)}
		}
	}
	if err := xml.Unmarshal(renv.Body.Inner, out); err != nil {
		return &Fault{Op: action, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}

// checkResult converts API-level error/security envelopes into a Fault.
func checkResult(action string, e errorResponse, s securityResponse) error {
	if e.IsError {
		return &Fault{Op: action, Message: ShortMessage(e.ErrorMessage)}
	}
	if s.SecurityResult != "" && !s.Authorized {
		return &Fault{Op: action, Message: ShortMessage(s.SecurityResult)}
	}
	return nil
}

type getPatientOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetPatient"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PatientID    string `xml:"PatientID"`
			PracticeName string `xml:"PracticeName"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type patientCaseData struct {
	CaseID    string `xml:"PatientCaseID"`
	Name      string `xml:"Name"`
	IsPrimary bool   `xml:"IsPrimaryCase"`
	Policies  []struct {
		PlanName       string `xml:"PlanName"`
		CompanyName    string `xml:"CompanyName"`
		Number         string `xml:"Number"`
		EffectiveStart string `xml:"EffectiveStartDate"`
		EffectiveEnd   string `xml:"EffectiveEndDate"`
	} `xml:"InsurancePolicies>PatientInsurancePolicyData"`
}

type getPatientResponse struct {
	XMLName xml.Name `xml:"GetPatientResponse"`
	Result  struct {
		Error     errorResponse     `xml:"ErrorResponse"`
		Security  securityResponse  `xml:"SecurityResponse"`
		ID        string            `xml:"ID"`
		FirstName string            `xml:"FirstName"`
		LastName  string            `xml:"LastName"`
		DOB       string            `xml:"DateofBirth"`
		Cases     []patientCaseData `xml:"Cases>PatientCaseData"`
	} `xml:"GetPatientResult"`
}

func (c *soapClient) GetPatient(ctx context.Context, patientID, practiceName string) (*Patient, error) {
	op := getPatientOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PatientID = patientID
	op.Request.Filter.PracticeName = practiceName
	var resp getPatientResponse
	if err := c.call(ctx, "GetPatient", op, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("GetPatient", resp.Result.Error, resp.Result.Security); err != nil {
		return nil, err
	}
	p := &Patient{
		ID:          resp.Result.ID,
		FirstName:   resp.Result.FirstName,
		LastName:    resp.Result.LastName,
		DateOfBirth: resp.Result.DOB,
	}
	for _, cd := range resp.Result.Cases {
		pc := PatientCase{CaseID: cd.CaseID, Name: cd.Name, IsPrimary: cd.IsPrimary}
		for _, pol := range cd.Policies {
			pc.Policies = append(pc.Policies, InsurancePolicy{
				PlanName:       pol.PlanName,
				CompanyName:    pol.CompanyName,
				Number:         pol.Number,
				EffectiveStart: pol.EffectiveStart,
				EffectiveEnd:   pol.EffectiveEnd,
			})
		}
		p.Cases = append(p.Cases, pc)
	}
	return p, nil
}

type getPracticesOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetPractices"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PracticeName string `xml:"PracticeName"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type getPracticesResponse struct {
	XMLName xml.Name `xml:"GetPracticesResponse"`
	Result  struct {
		Error     errorResponse    `xml:"ErrorResponse"`
		Security  securityResponse `xml:"SecurityResponse"`
		Practices []struct {
			ID     string `xml:"ID"`
			Name   string `xml:"PracticeName"`
			Active string `xml:"Active"`
		} `xml:"Practices>PracticeData"`
	} `xml:"GetPracticesResult"`
}

func (c *soapClient) GetPractices(ctx context.Context, name string) ([]Practice, error) {
	op := getPracticesOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PracticeName = name
	var resp getPracticesResponse
	if err := c.call(ctx, "GetPractices", op, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("GetPractices", resp.Result.Error, resp.Result.Security); err != nil {
		return nil, err
	}
	var out []Practice
	for _, pd := range resp.Result.Practices {
		out = append(out, Practice{ID: pd.ID, Name: pd.Name, Active: strings.EqualFold(pd.Active, "true")})
	}
	return out, nil
}

type getServiceLocationsOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetServiceLocations"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PracticeName string `xml:"PracticeName"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type getServiceLocationsResponse struct {
	XMLName xml.Name `xml:"GetServiceLocationsResponse"`
	Result  struct {
		Error     errorResponse    `xml:"ErrorResponse"`
		Security  securityResponse `xml:"SecurityResponse"`
		Locations []struct {
			ID   string `xml:"ID"`
			Name string `xml:"Name"`
		} `xml:"ServiceLocations>ServiceLocationData"`
	} `xml:"GetServiceLocationsResult"`
}

func (c *soapClient) GetServiceLocations(ctx context.Context, practiceName string) ([]ServiceLocation, error) {
	op := getServiceLocationsOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PracticeName = practiceName
	var resp getServiceLocationsResponse
	if err := c.call(ctx, "GetServiceLocations", op, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("GetServiceLocations", resp.Result.Error, resp.Result.Security); err != nil {
		return nil, err
	}
	var out []ServiceLocation
	for _, ld := range resp.Result.Locations {
		out = append(out, ServiceLocation{ID: ld.ID, Name: ld.Name})
	}
	return out, nil
}

type getProvidersOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetProviders"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PracticeName string `xml:"PracticeName"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type getProvidersResponse struct {
	XMLName xml.Name `xml:"GetProvidersResponse"`
	Result  struct {
		Error     errorResponse    `xml:"ErrorResponse"`
		Security  securityResponse `xml:"SecurityResponse"`
		Providers []struct {
			ID        string `xml:"ID"`
			FullName  string `xml:"FullName"`
			FirstName string `xml:"FirstName"`
			LastName  string `xml:"LastName"`
			NPI       string `xml:"NationalProviderIdentifier"`
			Type      string `xml:"Type"`
			Active    string `xml:"Active"`
		} `xml:"Providers>ProviderData"`
	} `xml:"GetProvidersResult"`
}

func (c *soapClient) GetProviders(ctx context.Context, practiceName string) ([]Provider, error) {
	op := getProvidersOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PracticeName = practiceName
	var resp getProvidersResponse
	if err := c.call(ctx, "GetProviders", op, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("GetProviders", resp.Result.Error, resp.Result.Security); err != nil {
		return nil, err
	}
	var out []Provider
	for _, pd := range resp.Result.Providers {
		out = append(out, Provider{
			ID:        pd.ID,
			FullName:  pd.FullName,
			FirstName: pd.FirstName,
			LastName:  pd.LastName,
			NPI:       pd.NPI,
			Type:      pd.Type,
			Active:    strings.EqualFold(pd.Active, "true"),
		})
	}
	return out, nil
}

type createPaymentOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ CreatePayment"`
	Request struct {
		Header  requestHeader `xml:"RequestHeader"`
		Payment struct {
			PracticeID      string `xml:"PracticeID"`
			PatientID       string `xml:"PatientID"`
			BatchNumber     string `xml:"BatchNumber"`
			Amount          string `xml:"AmountPaid"`
			PaymentMethod   string `xml:"PaymentMethod"`
			ReferenceNumber string `xml:"ReferenceNumber,omitempty"`
			PayerType       string `xml:"PayerType"`
		} `xml:"Payment"`
	} `xml:"request"`
}

type createPaymentResponse struct {
	XMLName xml.Name `xml:"CreatePaymentResponse"`
	Result  struct {
		Error     errorResponse    `xml:"ErrorResponse"`
		Security  securityResponse `xml:"SecurityResponse"`
		PaymentID string           `xml:"PaymentID"`
	} `xml:"CreatePaymentResult"`
}

func (c *soapClient) CreatePayment(ctx context.Context, req PaymentRequest) (string, error) {
	op := createPaymentOp{}
	op.Request.Header = c.header()
	op.Request.Payment.PracticeID = req.PracticeID
	op.Request.Payment.PatientID = req.PatientID
	op.Request.Payment.BatchNumber = req.BatchNumber
	op.Request.Payment.Amount = req.Amount
	op.Request.Payment.PaymentMethod = req.PaymentMethod
	op.Request.Payment.ReferenceNumber = req.ReferenceNumber
	op.Request.Payment.PayerType = "Patient"
	var resp createPaymentResponse
	if err := c.call(ctx, "CreatePayment", op, &resp); err != nil {
		return "", err
	}
	if err := checkResult("CreatePayment", resp.Result.Error, resp.Result.Security); err != nil {
		return "", err
	}
	return resp.Result.PaymentID, nil
}

type serviceLineReq struct {
	ProcedureCode string  `xml:"ProcedureCode"`
	Units         float64 `xml:"Units"`
	Modifier1     string  `xml:"ProcedureModifier1,omitempty"`
	Modifier2     string  `xml:"ProcedureModifier2,omitempty"`
	Modifier3     string  `xml:"ProcedureModifier3,omitempty"`
	Modifier4     string  `xml:"ProcedureModifier4,omitempty"`
	Diagnosis1    string  `xml:"DiagnosisCode1,omitempty"`
	Diagnosis2    string  `xml:"DiagnosisCode2,omitempty"`
	Diagnosis3    string  `xml:"DiagnosisCode3,omitempty"`
	Diagnosis4    string  `xml:"DiagnosisCode4,omitempty"`
	ServiceStart  string  `xml:"ServiceStartDate"`
	ServiceEnd    string  `xml:"ServiceEndDate"`
}

type createEncounterOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ CreateEncounter"`
	Request struct {
		Header    requestHeader `xml:"RequestHeader"`
		Encounter struct {
			PracticeID         string           `xml:"Practice>PracticeID"`
			PatientID          string           `xml:"Patient>PatientID"`
			CaseID             string           `xml:"Patient>CaseID,omitempty"`
			ServiceLocationID  string           `xml:"ServiceLocation>LocationID"`
			RenderingProvider  string           `xml:"RenderingProvider>ProviderID"`
			SchedulingProvider string           `xml:"SchedulingProvider>ProviderID,omitempty"`
			ReferringID        string           `xml:"ReferringProvider>ProviderID,omitempty"`
			ReferringNPI       string           `xml:"ReferringProvider>NPI,omitempty"`
			ServiceStartDate   string           `xml:"ServiceStartDate"`
			PlaceOfServiceCode string           `xml:"PlaceOfService>Code"`
			PlaceOfServiceName string           `xml:"PlaceOfService>Name"`
			BatchNumber        string           `xml:"BatchNumber,omitempty"`
			AdmitDate          string           `xml:"HospitalizationStartDate,omitempty"`
			DischargeDate      string           `xml:"HospitalizationEndDate,omitempty"`
			ServiceLines       []serviceLineReq `xml:"ServiceLines>ServiceLineReq"`
		} `xml:"Encounter"`
	} `xml:"request"`
}

type createEncounterResponse struct {
	XMLName xml.Name `xml:"CreateEncounterResponse"`
	Result  struct {
		Error       errorResponse    `xml:"ErrorResponse"`
		Security    securityResponse `xml:"SecurityResponse"`
		EncounterID int              `xml:"EncounterID"`
	} `xml:"CreateEncounterResult"`
}

func (c *soapClient) CreateEncounter(ctx context.Context, req EncounterRequest) (int, error) {
	op := createEncounterOp{}
	op.Request.Header = c.header()
	enc := &op.Request.Encounter
	enc.PracticeID = req.PracticeID
	enc.PatientID = req.PatientID
	enc.CaseID = req.CaseID
	enc.ServiceLocationID = req.ServiceLocationID
	enc.RenderingProvider = req.RenderingProviderID
	enc.SchedulingProvider = req.SchedulingProviderID
	if req.ReferringProvider != nil {
		enc.ReferringID = req.ReferringProvider.ID
		enc.ReferringNPI = req.ReferringProvider.NPI
	}
	enc.ServiceStartDate = req.ServiceDate
	enc.PlaceOfServiceCode = req.PlaceOfServiceCode
	enc.PlaceOfServiceName = req.PlaceOfServiceName
	enc.BatchNumber = req.BatchNumber
	enc.AdmitDate = req.AdmitDate
	enc.DischargeDate = req.DischargeDate
	for _, sl := range req.ServiceLines {
		line := serviceLineReq{
			ProcedureCode: sl.ProcedureCode,
			Units:         sl.Units,
			ServiceStart:  req.ServiceDate,
			ServiceEnd:    req.ServiceDate,
		}
		mods := sl.Modifiers
		for i, m := range mods {
			switch i {
			case 0:
				line.Modifier1 = m
			case 1:
				line.Modifier2 = m
			case 2:
				line.Modifier3 = m
			case 3:
				line.Modifier4 = m
			}
		}
		for i, d := range sl.Diagnoses {
			switch i {
			case 0:
				line.Diagnosis1 = d
			case 1:
				line.Diagnosis2 = d
			case 2:
				line.Diagnosis3 = d
			case 3:
				line.Diagnosis4 = d
			}
		}
		enc.ServiceLines = append(enc.ServiceLines, line)
	}
	var resp createEncounterResponse
	if err := c.call(ctx, "CreateEncounter", op, &resp); err != nil {
		return 0, err
	}
	if err := checkResult("CreateEncounter", resp.Result.Error, resp.Result.Security); err != nil {
		return 0, err
	}
	return resp.Result.EncounterID, nil
}

type getEncounterDetailsOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetEncounterDetails"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PracticeName string `xml:"PracticeName"`
			EncounterID  string `xml:"EncounterID"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type getEncounterDetailsResponse struct {
	XMLName xml.Name `xml:"GetEncounterDetailsResponse"`
	Result  struct {
		Error      errorResponse    `xml:"ErrorResponse"`
		Security   securityResponse `xml:"SecurityResponse"`
		Encounters []struct {
			EncounterID     string `xml:"EncounterID"`
			EncounterStatus string `xml:"EncounterStatus"`
		} `xml:"EncounterDetails>EncounterDetailsData"`
	} `xml:"GetEncounterDetailsResult"`
}

func (c *soapClient) GetEncounterStatus(ctx context.Context, practiceName, encounterID string) (string, error) {
	op := getEncounterDetailsOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PracticeName = practiceName
	op.Request.Filter.EncounterID = encounterID
	var resp getEncounterDetailsResponse
	if err := c.call(ctx, "GetEncounterDetails", op, &resp); err != nil {
		return "", err
	}
	if err := checkResult("GetEncounterDetails", resp.Result.Error, resp.Result.Security); err != nil {
		return "", err
	}
	for _, e := range resp.Result.Encounters {
		if e.EncounterID == encounterID {
			return e.EncounterStatus, nil
		}
	}
	if len(resp.Result.Encounters) > 0 {
		return resp.Result.Encounters[0].EncounterStatus, nil
	}
	return "", &Fault{Op: "GetEncounterDetails", Message: fmt.Sprintf("encounter %s not found", encounterID)}
}

type getChargesOp struct {
	XMLName xml.Name `xml:"http://www.kareo.com/api/schemas/ GetCharges"`
	Request struct {
		Header requestHeader `xml:"RequestHeader"`
		Filter struct {
			PracticeName  string `xml:"PracticeName"`
			PatientID     string `xml:"PatientID,omitempty"`
			ProcedureCode string `xml:"ProcedureCode,omitempty"`
		} `xml:"Filter"`
	} `xml:"request"`
}

type getChargesResponse struct {
	XMLName xml.Name `xml:"GetChargesResponse"`
	Result  struct {
		Error    errorResponse    `xml:"ErrorResponse"`
		Security securityResponse `xml:"SecurityResponse"`
		Charges  []struct {
			ID            string `xml:"ID"`
			EncounterID   string `xml:"EncounterID"`
			PatientID     string `xml:"PatientID"`
			ProcedureCode string `xml:"ProcedureCode"`
			TotalCharges  string `xml:"TotalCharges"`
		} `xml:"Charges>ChargeData"`
	} `xml:"GetChargesResult"`
}

func (c *soapClient) GetCharges(ctx context.Context, q ChargeQuery) ([]Charge, error) {
	op := getChargesOp{}
	op.Request.Header = c.header()
	op.Request.Filter.PracticeName = q.PracticeName
	op.Request.Filter.PatientID = q.PatientID
	op.Request.Filter.ProcedureCode = q.ProcedureCode
	var resp getChargesResponse
	if err := c.call(ctx, "GetCharges", op, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("GetCharges", resp.Result.Error, resp.Result.Security); err != nil {
		return nil, err
	}
	var out []Charge
	for _, cd := range resp.Result.Charges {
		out = append(out, Charge{
			ID:            cd.ID,
			EncounterID:   cd.EncounterID,
			PatientID:     cd.PatientID,
			ProcedureCode: cd.ProcedureCode,
			TotalCharges:  cd.TotalCharges,
		})
	}
	return out, nil
}

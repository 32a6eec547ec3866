package schema

import "strings"

// paymentSourceCodes maps the spreadsheet payment-source text to the
// remote payment method enum.
var paymentSourceCodes = map[string]string{
	"CHECK":                     "1",
	"CREDIT CARD":               "3",
	"CC":                        "3",
	"ELECTRONIC FUNDS TRANSFER": "4",
	"EFT":                       "4",
	"CASH":                      "5",
}

// PaymentSourceCode maps a payment source label to its remote code.
func PaymentSourceCode(source string) (string, bool) {
	code, ok := paymentSourceCodes[strings.ToUpper(strings.TrimSpace(source))]
	return code, ok
}

// PlaceOfService is a remote POS code with its display name.
type PlaceOfService struct {
	Code string
	Name string
}

var placesOfService = map[string]PlaceOfService{
	"02": {Code: "02", Name: "Telehealth Provided Other than in Patient's Home"},
	"10": {Code: "10", Name: "Telehealth Provided in Patient's Home"},
	"11": {Code: "11", Name: "Office"},
	"12": {Code: "12", Name: "Home"},
	"21": {Code: "21", Name: "Inpatient Hospital"},
	"22": {Code: "22", Name: "On Campus-Outpatient Hospital"},
	"23": {Code: "23", Name: "Emergency Room - Hospital"},
	"24": {Code: "24", Name: "Ambulatory Surgical Center"},
}

var posAliases = map[string]string{
	"OFFICE":            "11",
	"TELEHEALTH":        "10",
	"TELEHEALTH OFFICE": "02",
	"HOME":              "12",
	"IH":                "21",
	"OH":                "22",
	"ER":                "23",
	"ASC":               "24",
}

// ResolvePlaceOfService picks the POS code/name for a row. A recognized
// numeric code or alias wins; otherwise the encounter mode decides between
// telehealth and office, defaulting to office.
func ResolvePlaceOfService(pos, encounterMode string) PlaceOfService {
	key := strings.ToUpper(strings.TrimSpace(pos))
	if code, ok := posAliases[key]; ok {
		return placesOfService[code]
	}
	if p, ok := placesOfService[padPOSCode(key)]; ok {
		return p
	}
	if strings.Contains(strings.ToUpper(encounterMode), "TELE") {
		return placesOfService["10"]
	}
	return placesOfService["11"]
}

// padPOSCode restores the leading zero excel strips from "02".
func padPOSCode(code string) string {
	if len(code) == 1 {
		return "0" + code
	}
	return code
}

var encounterStatusNames = map[string]string{
	"0": "Undefined",
	"1": "Draft",
	"2": "Review",
	"3": "Approved",
	"4": "Rejected",
	"5": "Billed",
	"6": "Unpayable",
	"7": "Pending",
}

// EncounterStatusName maps a remote encounter status code to its label.
func EncounterStatusName(code string) string {
	if name, ok := encounterStatusNames[strings.TrimSpace(code)]; ok {
		return name
	}
	return "Unknown"
}

package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chargeline/internal/tebra"
)

var ErrNotFound = errors.New("not found")

type entry struct {
	value any
	err   error
}

// Resolver memoizes remote entity lookups for exactly one processing
// run. Every result, including a confirmed not-found or a fault, is
// written once and never invalidated, so an expensive lookup is never
// repeated within the run. Resolvers are not shared across runs.
type Resolver struct {
	client  tebra.Client
	entries map[string]entry
}

func New(client tebra.Client) *Resolver {
	return &Resolver{client: client, entries: map[string]entry{}}
}

func (r *Resolver) memo(key string, fetch func() (any, error)) (any, error) {
	if e, ok := r.entries[key]; ok {
		return e.value, e.err
	}
	v, err := fetch()
	r.entries[key] = entry{value: v, err: err}
	return v, err
}

// PracticeID maps a practice name to its remote id. Only active
// practices qualify.
func (r *Resolver) PracticeID(ctx context.Context, name string) (string, error) {
	key := "practice|" + normalizeKey(name)
	v, err := r.memo(key, func() (any, error) {
		practices, err := r.client.GetPractices(ctx, name)
		if err != nil {
			return "", err
		}
		for _, p := range practices {
			if p.Active && strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(name)) {
				return p.ID, nil
			}
		}
		return "", fmt.Errorf("active practice %q: %w", name, ErrNotFound)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ServiceLocationID returns the service location whose name equals the
// practice name, case-insensitive. Billing encounters go to the location
// named after the practice; any other location is not a match.
func (r *Resolver) ServiceLocationID(ctx context.Context, practiceName string) (string, error) {
	key := "location|" + normalizeKey(practiceName)
	v, err := r.memo(key, func() (any, error) {
		locations, err := r.client.GetServiceLocations(ctx, practiceName)
		if err != nil {
			return "", err
		}
		for _, loc := range locations {
			if strings.EqualFold(strings.TrimSpace(loc.Name), strings.TrimSpace(practiceName)) {
				return loc.ID, nil
			}
		}
		return "", fmt.Errorf("service location %q: %w", practiceName, ErrNotFound)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Patient fetches a patient record, memoized per (patient, practice) so
// rows sharing a patient cost one remote call.
func (r *Resolver) Patient(ctx context.Context, patientID, practiceName string) (*tebra.Patient, error) {
	key := "patient|" + patientID + "|" + normalizeKey(practiceName)
	v, err := r.memo(key, func() (any, error) {
		return r.client.GetPatient(ctx, patientID, practiceName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tebra.Patient), nil
}

// CaseID returns the patient's billing case: the primary case when one
// is flagged, the first case otherwise.
func (r *Resolver) CaseID(ctx context.Context, patientID, practiceName string) (string, error) {
	p, err := r.Patient(ctx, patientID, practiceName)
	if err != nil {
		return "", err
	}
	if len(p.Cases) == 0 {
		return "", fmt.Errorf("case for patient %s: %w", patientID, ErrNotFound)
	}
	for _, c := range p.Cases {
		if c.IsPrimary {
			return c.CaseID, nil
		}
	}
	return p.Cases[0].CaseID, nil
}

// ProviderID fuzzy-matches a provider name within a practice and
// returns the remote id.
func (r *Resolver) ProviderID(ctx context.Context, name, practiceName string) (string, error) {
	key := "provider|" + normalizeKey(practiceName) + "|" + normalizeKey(name)
	v, err := r.memo(key, func() (any, error) {
		providers, err := r.providers(ctx, practiceName)
		if err != nil {
			return nil, err
		}
		if p := matchProvider(providers, name); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("provider %q in practice %q: %w", name, practiceName, ErrNotFound)
	})
	if err != nil {
		return "", err
	}
	return v.(*tebra.Provider).ID, nil
}

// ReferringProvider returns the full provider bundle (id + NPI) for a
// referring provider name. Unlike rendering/scheduling providers the
// match is exact on the full name and only records of the referring
// provider type qualify, so a same-named treating provider is never
// attached as the referrer.
func (r *Resolver) ReferringProvider(ctx context.Context, name, practiceName string) (*tebra.Provider, error) {
	key := "refprovider|" + normalizeKey(practiceName) + "|" + normalizeKey(name)
	v, err := r.memo(key, func() (any, error) {
		providers, err := r.providers(ctx, practiceName)
		if err != nil {
			return nil, err
		}
		want := normalizeKey(name)
		for i := range providers {
			p := &providers[i]
			if !p.Active || !strings.EqualFold(strings.TrimSpace(p.Type), "referring provider") {
				continue
			}
			if normalizeKey(p.FullName) == want {
				return p, nil
			}
		}
		return nil, fmt.Errorf("referring provider %q in practice %q: %w", name, practiceName, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tebra.Provider), nil
}

func (r *Resolver) providers(ctx context.Context, practiceName string) ([]tebra.Provider, error) {
	key := "providers|" + normalizeKey(practiceName)
	v, err := r.memo(key, func() (any, error) {
		return r.client.GetProviders(ctx, practiceName)
	})
	if err != nil {
		return nil, err
	}
	return v.([]tebra.Provider), nil
}

// credentialTokens are degree/entity suffixes stripped before matching
// so "Jane Doe, MD" matches the remote "Jane Doe".
var credentialTokens = map[string]bool{
	"md": true, "do": true, "pa": true, "np": true, "lcsw": true, "msw": true,
	"inc": true, "llc": true, "pc": true, "group": true, "associates": true,
	"services": true, "medical": true,
}

var nameSplitRe = regexp.MustCompile(`[\s,.]+`)

func nameTerms(name string) []string {
	var terms []string
	for _, t := range nameSplitRe.Split(strings.ToLower(name), -1) {
		if t == "" || credentialTokens[t] {
			continue
		}
		terms = append(terms, t)
	}
	return terms
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// matchProvider finds the best active provider for a spreadsheet name.
// An exact normalized-name match wins outright; otherwise every query
// term must appear in the candidate's name, best coverage first.
func matchProvider(providers []tebra.Provider, name string) *tebra.Provider {
	query := nameTerms(name)
	if len(query) == 0 {
		return nil
	}
	var best *tebra.Provider
	bestScore := 0
	for i := range providers {
		p := providers[i]
		if !p.Active {
			continue
		}
		candidate := nameTerms(p.FullName)
		if len(candidate) == 0 {
			candidate = nameTerms(p.FirstName + " " + p.LastName)
		}
		if strings.Join(candidate, " ") == strings.Join(query, " ") {
			return &providers[i]
		}
		have := map[string]bool{}
		for _, t := range candidate {
			have[t] = true
		}
		matched := 0
		for _, t := range query {
			if have[t] {
				matched++
			}
		}
		score := matched * 100 / len(query)
		if score >= 80 && score > bestScore {
			best = &providers[i]
			bestScore = score
		}
	}
	return best
}

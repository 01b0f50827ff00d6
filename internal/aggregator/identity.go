package aggregator

import (
	"strings"

	"github.com/ehr/oncopipe/internal/platform/fhirclient"
)

// MinPatient is the trimmed-down patient projection the response surfaces.
type MinPatient struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

func minPatient(patient fhirclient.Bundle) MinPatient {
	id, _ := patient["id"].(string)
	birthDate, _ := patient["birthDate"].(string)
	gender, _ := patient["gender"].(string)
	return MinPatient{
		ID:        id,
		Name:      patientDisplayName(patient),
		BirthDate: birthDate,
		Gender:    gender,
	}
}

func patientDisplayName(patient fhirclient.Bundle) string {
	names, _ := patient["name"].([]interface{})
	if len(names) == 0 {
		return ""
	}
	first, ok := names[0].(map[string]interface{})
	if !ok {
		return ""
	}
	if text, ok := first["text"].(string); ok && text != "" {
		return text
	}
	given, _ := first["given"].([]interface{})
	family, _ := first["family"].(string)
	parts := make([]string, 0, len(given)+1)
	for _, g := range given {
		if s, ok := g.(string); ok {
			parts = append(parts, s)
		}
	}
	if family != "" {
		parts = append(parts, family)
	}
	return strings.Join(parts, " ")
}

// identifierValues collects every non-empty Patient.identifier.value,
// forming the mrnsOk side of the identity set used by the PID-3
// cross-match.
func identifierValues(patient fhirclient.Bundle) []string {
	identifiers, _ := patient["identifier"].([]interface{})
	out := make([]string, 0, len(identifiers))
	for _, raw := range identifiers {
		id, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := id["value"].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// codingDisplay resolves a CodeableConcept-shaped value to a display
// string with display -> code -> text precedence.
func codingDisplay(concept interface{}) string {
	m, ok := concept.(map[string]interface{})
	if !ok {
		return ""
	}
	if codings, ok := m["coding"].([]interface{}); ok && len(codings) > 0 {
		if coding, ok := codings[0].(map[string]interface{}); ok {
			if display, ok := coding["display"].(string); ok && display != "" {
				return display
			}
			if code, ok := coding["code"].(string); ok && code != "" {
				return code
			}
		}
	}
	if text, ok := m["text"].(string); ok {
		return text
	}
	return ""
}

// dedupPreserveOrder removes case-insensitive duplicates, keeping the
// first-seen casing and order.
func dedupPreserveOrder(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

package aggregator

import (
	"strconv"

	"github.com/ehr/oncopipe/internal/platform/fhirclient"
)

var evidenceKeys = []string{"interactions", "warnings", "contraindications", "results"}

const evidenceSampleSize = 2

// extractDrugNames pulls up to max medication display names out of a
// filtered MedicationRequest/MedicationStatement bundle, deduplicated
// case-insensitively with first-seen order preserved.
func extractDrugNames(bundle fhirclient.Bundle, max int) []string {
	entries, _ := bundle["entry"].([]interface{})
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		resource, _ := entry["resource"].(map[string]interface{})
		resourceType, _ := resource["resourceType"].(string)
		if resourceType != "MedicationRequest" && resourceType != "MedicationStatement" {
			continue
		}
		concept := resource["medicationCodeableConcept"]
		name := codingDisplay(concept)
		if name != "" {
			names = append(names, name)
		}
	}
	names = dedupPreserveOrder(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	return names
}

// sampleEvidence picks the first evidenceSampleSize items of each known
// evidence key present in an openFDA payload's first result.
func sampleEvidence(payload map[string]interface{}) []map[string]interface{} {
	results, _ := payload["results"].([]interface{})
	if len(results) == 0 {
		return nil
	}
	first, ok := results[0].(map[string]interface{})
	if !ok {
		return nil
	}

	out := make([]map[string]interface{}, 0, 1)
	for _, key := range evidenceKeys {
		list, ok := first[key].([]interface{})
		if !ok || len(list) == 0 {
			continue
		}
		if len(list) > evidenceSampleSize {
			list = list[:evidenceSampleSize]
		}
		out = append(out, map[string]interface{}{key: list})
	}
	return out
}

// observationSummaries projects a filtered Observation bundle to the
// shared LabSummary shape, preferring code.coding[0].display, falling
// back to code.text.
func observationSummaries(bundle fhirclient.Bundle) []LabSummary {
	entries, _ := bundle["entry"].([]interface{})
	out := make([]LabSummary, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		resource, _ := entry["resource"].(map[string]interface{})
		if resource == nil {
			continue
		}
		var label string
		if concept, ok := resource["code"].(map[string]interface{}); ok {
			if codings, ok := concept["coding"].([]interface{}); ok && len(codings) > 0 {
				if coding, ok := codings[0].(map[string]interface{}); ok {
					label, _ = coding["display"].(string)
				}
			}
			if label == "" {
				label, _ = concept["text"].(string)
			}
		}
		if label == "" {
			continue
		}
		value, unit := observationValue(resource)
		out = append(out, LabSummary{Code: label, Value: value, Unit: unit})
	}
	return out
}

func observationValue(resource map[string]interface{}) (value, unit string) {
	if q, ok := resource["valueQuantity"].(map[string]interface{}); ok {
		if v, ok := q["value"].(float64); ok {
			value = formatFloat(v)
		}
		if u, ok := q["unit"].(string); ok {
			unit = u
		}
	}
	if value == "" {
		if s, ok := resource["valueString"].(string); ok {
			value = s
		}
	}
	return value, unit
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Package subjectfilter narrows a FHIR bundle to entries whose subject is
// in an explicit allow-set, tracking why everything else was dropped.
package subjectfilter

import "strings"

// Counters tallies what happened to each entry a filter pass considered.
type Counters struct {
	Total          int `json:"total"`
	Kept           int `json:"kept"`
	WrongSubject   int `json:"wrong_subject"`
	Cancelled      int `json:"cancelled"`
	MissingSubject int `json:"missing_subject"`
}

// Merge adds another Counters' tallies into this one, in place.
func (c *Counters) Merge(other Counters) {
	c.Total += other.Total
	c.Kept += other.Kept
	c.WrongSubject += other.WrongSubject
	c.Cancelled += other.Cancelled
	c.MissingSubject += other.MissingSubject
}

var subjectScopedTypes = map[string]bool{"Observation": true, "MedicationRequest": true}

// FilterBundleBySubject keeps only Observation/MedicationRequest entries
// whose subject.reference is in allowedSubjectRefs and whose status isn't
// "cancelled". Every other resourceType (an _include'd Medication, say)
// passes through uncounted. The filtered bundle carries total/kept in
// place of the original total.
func FilterBundleBySubject(bundle map[string]interface{}, allowedSubjectRefs map[string]bool) (map[string]interface{}, Counters) {
	var counters Counters
	entries, _ := bundle["entry"].([]interface{})
	kept := make([]interface{}, 0, len(entries))

	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		resource, _ := entry["resource"].(map[string]interface{})
		resourceType, _ := resource["resourceType"].(string)
		if !subjectScopedTypes[resourceType] {
			kept = append(kept, e)
			continue
		}

		counters.Total++

		subject, _ := resource["subject"].(map[string]interface{})
		ref, _ := subject["reference"].(string)
		if ref == "" {
			counters.MissingSubject++
			continue
		}
		if !allowedSubjectRefs[ref] {
			counters.WrongSubject++
			continue
		}
		status, _ := resource["status"].(string)
		if strings.EqualFold(status, "cancelled") {
			counters.Cancelled++
			continue
		}

		counters.Kept++
		kept = append(kept, e)
	}

	filtered := make(map[string]interface{}, len(bundle))
	for k, v := range bundle {
		filtered[k] = v
	}
	filtered["entry"] = kept
	filtered["total"] = counters.Kept
	return filtered, counters
}

// MergeQuality sums per-resource counters into an overall total, used by
// the aggregator's data_quality.overall field.
func MergeQuality(byResource map[string]Counters) Counters {
	var overall Counters
	for _, c := range byResource {
		overall.Merge(c)
	}
	return overall
}

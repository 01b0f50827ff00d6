package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var medicationRetryableCodes = map[int]bool{400: true, 404: true, 409: true, 422: true, 429: true, 500: true, 502: true, 503: true}

// ListPatients returns a page of the Patient search set, count-limited.
func (c *Client) ListPatients(ctx context.Context, count int) (Bundle, error) {
	params := url.Values{"_count": {fmt.Sprintf("%d", count)}}
	return c.get(ctx, "/fhir/Patient", params)
}

// FetchPatient resolves a single patient by id, falling back to an
// _id search (some FHIR servers 404 the direct read path but still
// support search-by-id) if the direct read fails with 404.
func (c *Client) FetchPatient(ctx context.Context, id string) (Bundle, error) {
	bundle, err := c.get(ctx, "/fhir/Patient/"+id, nil)
	if err == nil {
		return bundle, nil
	}

	var ferr *FHIRError
	if !errors.As(err, &ferr) || ferr.StatusCode != 404 {
		return nil, err
	}

	params := url.Values{"_id": {id}}
	searchBundle, serr := c.get(ctx, "/fhir/Patient", params)
	if serr != nil {
		return nil, serr
	}
	entries, _ := searchBundle["entry"].([]interface{})
	if len(entries) == 0 {
		return nil, err
	}
	first, _ := entries[0].(map[string]interface{})
	resource, _ := first["resource"].(map[string]interface{})
	if resource == nil {
		return nil, err
	}
	return Bundle(resource), nil
}

// FetchMedications tries three MedicationRequest parameter shapes in
// order, each client-side filtered to entries whose subject matches
// Patient/{id} (included Medication resources always pass through).
// The first attempt with a surviving MedicationRequest wins; otherwise
// falls back to MedicationStatement with the same filter, else an
// empty bundle.
func (c *Client) FetchMedications(ctx context.Context, patientID string) (Bundle, error) {
	subjectRef := "Patient/" + patientID
	attempts := []url.Values{
		{"subject": {subjectRef}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
		{"patient": {patientID}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
		{"subject": {patientID}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
	}

	for _, params := range attempts {
		bundle, err := c.get(ctx, "/fhir/MedicationRequest", params)
		if err != nil {
			var ferr *FHIRError
			if errors.As(err, &ferr) && medicationRetryableCodes[ferr.StatusCode] {
				continue
			}
			return nil, err
		}
		filtered := filterMedicationRequests(bundle, subjectRef)
		if bundleHasEntries(filtered) {
			return filtered, nil
		}
	}

	stmtBundle, err := c.get(ctx, "/fhir/MedicationStatement", url.Values{"subject": {subjectRef}, "_count": {"50"}})
	if err != nil {
		var ferr *FHIRError
		if errors.As(err, &ferr) && medicationRetryableCodes[ferr.StatusCode] {
			return emptyBundle(), nil
		}
		return nil, err
	}
	return filterMedicationRequests(stmtBundle, subjectRef), nil
}

// filterMedicationRequests keeps non-MedicationRequest entries
// unconditionally (e.g. an _include'd Medication) and keeps
// MedicationRequest/MedicationStatement entries only when their
// subject.reference matches subjectRef exactly.
func filterMedicationRequests(bundle Bundle, subjectRef string) Bundle {
	entries, _ := bundle["entry"].([]interface{})
	kept := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		resource, _ := entry["resource"].(map[string]interface{})
		resourceType, _ := resource["resourceType"].(string)
		if resourceType != "MedicationRequest" && resourceType != "MedicationStatement" {
			kept = append(kept, e)
			continue
		}
		subject, _ := resource["subject"].(map[string]interface{})
		ref, _ := subject["reference"].(string)
		if ref == subjectRef {
			kept = append(kept, e)
		}
	}
	out := Bundle{}
	for k, v := range bundle {
		out[k] = v
	}
	out["entry"] = kept
	out["total"] = len(kept)
	return out
}

// FetchObservations follows Bundle.link[rel=next] until maxItems
// observations have been collected or pageLimit is reached, keeping only
// Observations whose subject.reference matches Patient/{id} and whose
// status isn't "cancelled". On a 401 encountered mid-paging, the token is
// refreshed and the SAME absolute next-page URL is re-requested — never
// rebuilt from the original params or base path, which would silently
// restart the page sequence from page one. An OperationOutcome response
// stops paging early and returns what was kept so far.
func (c *Client) FetchObservations(ctx context.Context, patientID string, maxItems, pageLimit int) (Bundle, error) {
	subjectRef := "Patient/" + patientID
	params := url.Values{"subject": {subjectRef}, "_count": {"100"}}

	kept := make([]interface{}, 0, maxItems)
	path := "/fhir/Observation"
	first := true

	for page := 0; page < pageLimit; page++ {
		var bundle Bundle
		var err error
		if first {
			bundle, err = c.get(ctx, path, params)
			first = false
		} else {
			bundle, err = c.get(ctx, path, nil)
		}
		if err != nil {
			break
		}

		entries, _ := bundle["entry"].([]interface{})
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			resource, _ := entry["resource"].(map[string]interface{})
			subject, _ := resource["subject"].(map[string]interface{})
			ref, _ := subject["reference"].(string)
			status, _ := resource["status"].(string)
			if ref != subjectRef || strings.EqualFold(status, "cancelled") {
				continue
			}
			kept = append(kept, e)
			if len(kept) >= maxItems {
				break
			}
		}
		if len(kept) >= maxItems {
			break
		}

		next := nextLink(bundle)
		if next == "" {
			break
		}
		path = next
	}

	return Bundle{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(kept),
		"entry":        kept,
	}, nil
}

func nextLink(bundle Bundle) string {
	links, _ := bundle["link"].([]interface{})
	for _, l := range links {
		link, ok := l.(map[string]interface{})
		if !ok {
			continue
		}
		if rel, _ := link["relation"].(string); rel == "next" {
			if u, ok := link["url"].(string); ok {
				return u
			}
		}
	}
	return ""
}

func bundleHasEntries(b Bundle) bool {
	entries, ok := b["entry"].([]interface{})
	return ok && len(entries) > 0
}

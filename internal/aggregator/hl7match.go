package aggregator

import (
	"context"
	"strconv"
	"strings"

	"github.com/ehr/oncopipe/internal/platform/hl7v2"
	"github.com/ehr/oncopipe/internal/platform/subjectfilter"
)

// LabSummary is the shared shape for a lab value, whether it came from a
// FHIR Observation or a cross-matched HL7 OBX.
type LabSummary struct {
	Code  string `json:"code"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// crossMatchHL7 pulls up to hl7ScanLimit raw messages from the feed,
// parses each tolerantly, and keeps OBX segments whose message's PID-3
// identifier set intersects the patient's known identities. Numeric-value
// filtering uses a real numeric check (isNumber), not the source's
// degenerate always-true one. A fetch failure is reported to the caller
// but never treated as fatal to the request.
func (a *Aggregator) crossMatchHL7(ctx context.Context, patientID string, mrnsOk []string) ([]LabSummary, subjectfilter.Counters, error) {
	var counters subjectfilter.Counters

	allowed := map[string]bool{normalizeIdentifier(patientID): true}
	for _, m := range mrnsOk {
		allowed[normalizeIdentifier(m)] = true
	}

	messages, err := a.HL7.Fetch(ctx, hl7ScanLimit)
	if err != nil {
		return nil, counters, err
	}

	kept := make([]LabSummary, 0, hl7KeepCap)
	for _, raw := range messages {
		msg, perr := hl7v2.Parse([]byte(raw))
		if perr != nil {
			continue
		}

		ids := msg.PID3Identifiers()
		matched := false
		for _, id := range ids {
			if allowed[normalizeIdentifier(id.ID)] {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		for _, obx := range msg.OBXSegments() {
			counters.Total++
			value := obx.Value()
			if !isNumber(value) {
				continue
			}
			code, display := obx.Code()
			label := display
			if label == "" {
				label = code
			}
			counters.Kept++
			kept = append(kept, LabSummary{Code: label, Value: value, Unit: obx.Unit()})
			if len(kept) >= hl7KeepCap {
				return kept, counters, nil
			}
		}
	}
	return kept, counters, nil
}

// normalizeIdentifier strips non-alphanumerics and lowercases, the
// identity normalization used for PID-3 cross-matching. This is
// deliberately distinct from the FDA client's NFKD-ASCII normalization —
// the two are not interchangeable.
func normalizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isNumber reports whether s parses as a (possibly signed, possibly
// decimal) number, replacing the source's degenerate numeric check that
// accepted any value.
func isNumber(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// Package aggregator implements the patient insights endpoint: it fans
// out to FHIR, the HL7 feed, openFDA, and the AI service, and fans the
// results back in to one best-effort response. No branch failure turns
// into a 5xx; it turns into an entry in unavailable_sources and an
// overall status of "partial".
package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/oncopipe/internal/platform/aiclient"
	"github.com/ehr/oncopipe/internal/platform/fdaclient"
	"github.com/ehr/oncopipe/internal/platform/fhirclient"
	"github.com/ehr/oncopipe/internal/platform/hl7feed"
	"github.com/ehr/oncopipe/internal/platform/subjectfilter"
)

// Options carries the endpoint's query parameters.
type Options struct {
	Strict   bool
	MaxFDA   int
	MaxLabs  int
	DemoMeds string
}

// RequestError is returned for the two fatal failure modes (token
// acquisition, patient resolution); the caller maps it straight to an
// HTTP status.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string { return e.Message }

// Aggregator holds the upstream clients the pipeline composes.
type Aggregator struct {
	FHIR *fhirclient.Client
	FDA  *fdaclient.Client
	AI   *aiclient.Client
	HL7  *hl7feed.Client
}

func New(fhir *fhirclient.Client, fda *fdaclient.Client, ai *aiclient.Client, hl7 *hl7feed.Client) *Aggregator {
	return &Aggregator{FHIR: fhir, FDA: fda, AI: ai, HL7: hl7}
}

const (
	hl7ScanLimit      = 100
	hl7KeepCap        = 12
	ragLabSampleSize  = 2
	ragHitLimit       = 5
	ragScoreThreshold = 0.40
)

var trustedRAGSources = []string{"ASCO", "NCCN", "ESMO", "NIH", "NCI", "WHO", "PUBMED", "UPTODATE"}

// GetInsights runs the full ten-step pipeline for one patient id.
func (a *Aggregator) GetInsights(ctx context.Context, requestedID string, opts Options) (*Response, error) {
	unavailable := make([]string, 0, 4)

	// Step 1: token.
	if _, err := a.FHIR.GetToken(ctx); err != nil {
		return nil, &RequestError{StatusCode: http.StatusGatewayTimeout, Message: fmt.Sprintf("fhir token acquisition failed: %v", err)}
	}

	// Step 2: resolve patient.
	patient, err := a.FHIR.FetchPatient(ctx, requestedID)
	if err != nil {
		return nil, &RequestError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("patient %s not found", requestedID)}
	}
	realID, _ := patient["id"].(string)
	if realID == "" {
		return nil, &RequestError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("patient %s not found", requestedID)}
	}
	if opts.Strict && realID != requestedID {
		return nil, &RequestError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("patient id mismatch: requested %s, resolved %s", requestedID, realID)}
	}

	// Step 3: identity sets.
	okSubjects := map[string]bool{"Patient/" + realID: true}
	mrnsOk := identifierValues(patient)

	// Step 4: concurrent FHIR fetch, each failure captured rather than propagated.
	var medsBundle, obsBundle fhirclient.Bundle
	var medsErr, obsErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, ferr := a.FHIR.FetchMedications(gctx, realID)
		if ferr != nil {
			medsErr = ferr
			b = fhirclient.Bundle{"resourceType": "Bundle", "entry": []interface{}{}}
		}
		medsBundle = b
		return nil
	})
	g.Go(func() error {
		b, ferr := a.FHIR.FetchObservations(gctx, realID, 200, 5)
		if ferr != nil {
			obsErr = ferr
			b = fhirclient.Bundle{"resourceType": "Bundle", "entry": []interface{}{}}
		}
		obsBundle = b
		return nil
	})
	_ = g.Wait()
	if medsErr != nil {
		unavailable = append(unavailable, "FHIR:MedicationRequest")
	}
	if obsErr != nil {
		unavailable = append(unavailable, "FHIR:Observation")
	}

	// Step 5: subject filter + quality counters.
	filteredMeds, medsCounters := subjectfilter.FilterBundleBySubject(medsBundle, okSubjects)
	filteredObs, obsCounters := subjectfilter.FilterBundleBySubject(obsBundle, okSubjects)
	byResource := map[string]subjectfilter.Counters{
		"MedicationRequest": medsCounters,
		"Observation":       obsCounters,
	}

	// Step 6: HL7 cross-match.
	hl7Obs, hl7Counters, hl7Err := a.crossMatchHL7(ctx, realID, mrnsOk)
	if hl7Err != nil {
		unavailable = append(unavailable, "HL7")
	}
	byResource["HL7"] = hl7Counters

	// Step 7: FDA fan-out.
	drugNames := extractDrugNames(filteredMeds, opts.MaxFDA)
	citations := make([]Citation, 0, opts.MaxFDA+ragHitLimit+1)
	if len(drugNames) == 0 && opts.DemoMeds != "" {
		drugNames = splitCSV(opts.DemoMeds, opts.MaxFDA)
		citations = append(citations, Citation{Source: "DemoOverride", Title: "medications"})
	}
	drugInteractions := make([]DrugInteraction, 0, len(drugNames))
	for _, drug := range drugNames {
		res := a.FDA.QueryOpenFDA(ctx, drug)
		if res.Endpoint == "" {
			continue
		}
		drugInteractions = append(drugInteractions, DrugInteraction{
			Drug:     drug,
			Source:   res.Endpoint,
			Evidence: sampleEvidence(res.Payload),
		})
		citations = append(citations, Citation{Source: res.Endpoint, Endpoint: res.Endpoint})
	}
	if len(drugInteractions) == 0 {
		unavailable = append(unavailable, "FDA")
	}

	// Step 8: RAG knowledge search.
	labs := observationSummaries(filteredObs)
	ragQuery := buildRAGQuery(drugNames, labs)
	hits, hErr := a.AI.KnowledgeSearch(ctx, ragQuery, ragHitLimit)
	if hErr != nil {
		unavailable = append(unavailable, "AI:knowledge-search")
		hits = nil
	}
	filteredHits := filterRAGHits(hits)
	for _, h := range filteredHits {
		title, _ := h["title"].(string)
		url, _ := h["url"].(string)
		source, _ := h["source"].(string)
		citations = append(citations, Citation{Source: source, Title: title, URL: url})
	}

	// Step 9: analyze.
	allLabs := append(append([]LabSummary{}, labs...), hl7Obs...)
	if len(allLabs) > 20 {
		allLabs = allLabs[:20]
	}
	analyzeCtx := map[string]interface{}{
		"patient":     minPatient(patient),
		"medications": drugNames,
		"labs":        allLabs,
		"fda":         truncatedFDAEvidence(drugInteractions),
		"rag_sources": filteredHits,
	}
	aiResp, aErr := a.AI.Analyze(ctx, analyzeCtx, "adherence_and_interactions")
	var aiInsights map[string]interface{}
	if aErr != nil {
		unavailable = append(unavailable, "AI:analyze")
		aiInsights = map[string]interface{}{"status": "degraded", "reason": aErr.Error()}
	} else {
		aiInsights = aiResponseToMap(aiResp)
	}

	// Step 10: assemble.
	overall := subjectfilter.MergeQuality(byResource)
	status := "ok"
	if len(unavailable) > 0 || overall.WrongSubject > 0 {
		status = "partial"
	}

	abnormalLabs := allLabs
	if opts.MaxLabs > 0 && len(abnormalLabs) > opts.MaxLabs {
		abnormalLabs = abnormalLabs[:opts.MaxLabs]
	}

	return &Response{
		Status:             status,
		UnavailableSources: unavailable,
		Patient:            minPatient(patient),
		StructuredSummary: StructuredSummary{
			Medications:  drugNames,
			AbnormalLabs: abnormalLabs,
		},
		DrugInteractions: drugInteractions,
		AIInsights:       aiInsights,
		Citations:        citations,
		DataQuality: DataQuality{
			ByResource: byResource,
			Overall:    overall,
		},
	}, nil
}

func buildRAGQuery(drugs []string, labs []LabSummary) string {
	sampleLabs := labs
	if len(sampleLabs) > ragLabSampleSize {
		sampleLabs = sampleLabs[:ragLabSampleSize]
	}
	labStrs := make([]string, 0, len(sampleLabs))
	for _, l := range sampleLabs {
		labStrs = append(labStrs, l.Code)
	}
	return strings.Trim(fmt.Sprintf("oncology adherence and drug interactions; meds: %s; labs: %s",
		strings.Join(drugs, ", "), strings.Join(labStrs, ", ")), "; ")
}

func filterRAGHits(hits []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, ragHitLimit)
	for _, h := range hits {
		score, _ := h["score"].(float64)
		source, _ := h["source"].(string)
		if score >= ragScoreThreshold || containsTrustedSource(source) {
			out = append(out, h)
		}
		if len(out) >= ragHitLimit {
			break
		}
	}
	return out
}

func containsTrustedSource(source string) bool {
	upper := strings.ToUpper(source)
	for _, trusted := range trustedRAGSources {
		if strings.Contains(upper, trusted) {
			return true
		}
	}
	return false
}

func splitCSV(csv string, limit int) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func aiResponseToMap(r aiclient.AIResponse) map[string]interface{} {
	m := map[string]interface{}{"status": r.Status}
	switch r.Kind {
	case aiclient.KindInsights:
		m["key_findings"] = r.KeyFindings
		m["next_best_actions"] = r.NextBestActions
		m["patient_friendly_advice"] = r.PatientAdvice
		m["risk_score"] = r.RiskScore
	case aiclient.KindSummary:
		m["summary"] = r.Summary
	case aiclient.KindBullets:
		m["bullets"] = r.Bullets
	case aiclient.KindRaw:
		m["raw"] = r.Raw
	}
	return m
}

func truncatedFDAEvidence(interactions []DrugInteraction) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(interactions))
	for _, di := range interactions {
		entry := map[string]interface{}{"drug": di.Drug, "source": di.Source}
		evidence := make(map[string]interface{}, len(di.Evidence))
		for _, e := range di.Evidence {
			for k, v := range e {
				evidence[k] = truncateText(v, 500)
			}
		}
		entry["evidence"] = evidence
		out = append(out, entry)
	}
	return out
}

func truncateText(v interface{}, max int) interface{} {
	if s, ok := v.(string); ok && len(s) > max {
		return s[:max]
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && len(s) > max {
				out = append(out, s[:max])
				continue
			}
			out = append(out, item)
		}
		return out
	}
	return v
}

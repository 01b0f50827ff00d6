package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ehr/oncopipe/internal/platform/aiclient"
	"github.com/ehr/oncopipe/internal/platform/fdaclient"
	"github.com/ehr/oncopipe/internal/platform/fhirclient"
	"github.com/ehr/oncopipe/internal/platform/hl7feed"
)

func TestIsNumber(t *testing.T) {
	cases := map[string]bool{
		"13.5":   true,
		"-4":     true,
		"":       false,
		"abc":    false,
		"1e3":    true,
		"  2.0 ": true,
	}
	for in, want := range cases {
		if got := isNumber(in); got != want {
			t.Errorf("isNumber(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeIdentifier_StripsNonAlnumAndLowercases(t *testing.T) {
	if got := normalizeIdentifier("MRN-12345^^^HOSP"); got != "mrn12345hosp" {
		t.Errorf("unexpected normalization: %q", got)
	}
}

func TestDedupPreserveOrder(t *testing.T) {
	got := dedupPreserveOrder([]string{"Warfarin", "aspirin", "WARFARIN", "Aspirin"})
	want := []string{"Warfarin", "aspirin"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("unexpected dedup result: %v", got)
	}
}

func TestExtractDrugNames_DisplayPrecedence(t *testing.T) {
	bundle := fhirclient.Bundle{
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{
				"resourceType": "MedicationRequest",
				"subject":      map[string]interface{}{"reference": "Patient/p1"},
				"medicationCodeableConcept": map[string]interface{}{
					"coding": []interface{}{map[string]interface{}{"display": "Warfarin", "code": "855332"}},
				},
			}},
		},
	}
	names := extractDrugNames(bundle, 3)
	if len(names) != 1 || names[0] != "Warfarin" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestFilterRAGHits_ScoreOrTrustedSource(t *testing.T) {
	hits := []map[string]interface{}{
		{"score": 0.8, "source": "blog"},
		{"score": 0.1, "source": "ASCO guideline"},
		{"score": 0.05, "source": "random"},
	}
	out := filterRAGHits(hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 hits to survive, got %d", len(out))
	}
}

func TestMinPatient_ExtractsDemographics(t *testing.T) {
	patient := fhirclient.Bundle{
		"id":        "p1",
		"birthDate": "1980-05-15",
		"gender":    "male",
		"name":      []interface{}{map[string]interface{}{"given": []interface{}{"John"}, "family": "Doe"}},
	}
	mp := minPatient(patient)
	if mp.ID != "p1" || mp.Name != "John Doe" || mp.BirthDate != "1980-05-15" {
		t.Fatalf("unexpected MinPatient: %+v", mp)
	}
}

// fakeFHIRServer wires a minimal FHIR server covering token, patient,
// medications, and observations for the end-to-end happy path.
func fakeFHIRServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
	})
	mux.HandleFunc("/fhir/Patient/p1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Patient",
			"id":           "p1",
			"birthDate":    "1980-05-15",
			"gender":       "male",
			"identifier":   []interface{}{map[string]interface{}{"value": "MRN1"}},
			"name":         []interface{}{map[string]interface{}{"given": []interface{}{"John"}, "family": "Doe"}},
		})
	})
	mux.HandleFunc("/fhir/MedicationRequest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Bundle",
			"entry": []interface{}{
				map[string]interface{}{"resource": map[string]interface{}{
					"resourceType": "MedicationRequest",
					"subject":      map[string]interface{}{"reference": "Patient/p1"},
					"medicationCodeableConcept": map[string]interface{}{
						"coding": []interface{}{map[string]interface{}{"display": "Warfarin"}},
					},
				}},
			},
		})
	})
	mux.HandleFunc("/fhir/Observation", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Bundle",
			"entry": []interface{}{
				map[string]interface{}{"resource": map[string]interface{}{
					"subject": map[string]interface{}{"reference": "Patient/p1"},
					"status":  "final",
					"code":    map[string]interface{}{"coding": []interface{}{map[string]interface{}{"display": "Hemoglobin"}}},
					"valueQuantity": map[string]interface{}{"value": 13.5, "unit": "g/dL"},
				}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fakeFDAServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{map[string]interface{}{"warnings": []interface{}{"bleeding risk", "monitor INR"}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/knowledge-search", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{map[string]interface{}{"title": "ASCO guideline", "source": "ASCO", "score": 0.2}},
		})
	})
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode("Monitor INR closely.")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fakeHL7Server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := "MSH|^~\\&|Lab|Fac|EHR|Fac|20240115150000||ORU^R01|CTRL1|P|2.5.1\r" +
			"PID|1||MRN1^^^Auth^MR||Doe^John\r" +
			"OBX|1|NM|2345-7^Glucose^LN||110|mg/dL|||||F"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{msg}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetInsights_HappyPath(t *testing.T) {
	fhirSrv := fakeFHIRServer(t)
	fdaSrv := fakeFDAServer(t)
	aiSrv := fakeAIServer(t)
	hl7Srv := fakeHL7Server(t)

	agg := New(
		fhirclient.New(fhirclient.Config{Base: fhirSrv.URL, ClientID: "id", ClientSecret: "secret"}),
		fdaclient.New(fdaSrv.URL),
		aiclient.New(aiSrv.URL),
		hl7feed.New(hl7Srv.URL),
	)

	resp, err := agg.GetInsights(context.Background(), "p1", Options{Strict: true, MaxFDA: 3, MaxLabs: 10})
	if err != nil {
		t.Fatalf("GetInsights: %v", err)
	}
	if resp.Patient.ID != "p1" {
		t.Errorf("expected patient p1, got %q", resp.Patient.ID)
	}
	if len(resp.StructuredSummary.Medications) != 1 || resp.StructuredSummary.Medications[0] != "Warfarin" {
		t.Errorf("unexpected medications: %v", resp.StructuredSummary.Medications)
	}
	if len(resp.DrugInteractions) != 1 {
		t.Errorf("expected 1 drug interaction, got %d", len(resp.DrugInteractions))
	}
	foundGlucose := false
	for _, l := range resp.StructuredSummary.AbnormalLabs {
		if l.Code == "Glucose" {
			foundGlucose = true
		}
	}
	if !foundGlucose {
		t.Errorf("expected HL7 cross-matched glucose lab to appear, got %v", resp.StructuredSummary.AbnormalLabs)
	}
}

func TestGetInsights_UnresolvablePatientReturns404(t *testing.T) {
	fhirSrv := fakeFHIRServer(t)
	agg := New(
		fhirclient.New(fhirclient.Config{Base: fhirSrv.URL, ClientID: "id", ClientSecret: "secret"}),
		fdaclient.New("http://unused.invalid"),
		aiclient.New("http://unused.invalid"),
		hl7feed.New("http://unused.invalid"),
	)

	_, err := agg.GetInsights(context.Background(), "wrong-id", Options{Strict: true})
	if err == nil {
		t.Fatal("expected an error for unresolvable patient id")
	}
	reqErr, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if reqErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", reqErr.StatusCode)
	}
}

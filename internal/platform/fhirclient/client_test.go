package fhirclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetToken_CachesAcrossCalls(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			atomic.AddInt32(&tokenCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-1", "expires_in": 1800})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	ctx := context.Background()

	tok1, err := c.GetToken(ctx)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	tok2, err := c.GetToken(ctx)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok1 != "tok-1" || tok2 != "tok-1" {
		t.Errorf("expected cached token 'tok-1', got %q %q", tok1, tok2)
	}
	if calls := atomic.LoadInt32(&tokenCalls); calls != 1 {
		t.Errorf("expected exactly 1 token call, got %d", calls)
	}
}

func TestGetToken_FallsThroughCandidatePaths(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			w.WriteHeader(http.StatusNotFound)
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-2", "expires_in": 1800})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	tok, err := c.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("expected tok-2 from fallback path, got %q", tok)
	}
}

func TestGetToken_AcceptsCamelCaseAccessToken(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "tok-camel", "expires_in": 1800})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	tok, err := c.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-camel" {
		t.Errorf("expected tok-camel, got %q", tok)
	}
}

func TestGet_RefreshesOnceOn401(t *testing.T) {
	var tokenGen int32
	var sawExpired bool
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			n := atomic.AddInt32(&tokenGen, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-gen", "expires_in": 1800, "gen": n})
		case r.URL.Path == "/fhir/Patient/p1":
			auth := r.Header.Get("Authorization")
			if auth == "Bearer tok-gen" && atomic.LoadInt32(&tokenGen) == 1 && !sawExpired {
				sawExpired = true
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.FetchPatient(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchPatient: %v", err)
	}
	if bundle["id"] != "p1" {
		t.Errorf("expected patient id p1, got %v", bundle["id"])
	}
}

func TestGet_DegradesToEmptyBundleOn5xxSearchPath(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
		case "/fhir/Patient":
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.ListPatients(context.Background(), 10)
	if err != nil {
		t.Fatalf("expected degrade to empty bundle, got error: %v", err)
	}
	if bundle["resourceType"] != "Bundle" || bundle["total"] != 0 {
		t.Errorf("expected empty bundle, got %v", bundle)
	}
}

func TestFetchPatient_FallsBackToIDSearchOn404(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
		case r.URL.Path == "/fhir/Patient/p2":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/fhir/Patient":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Bundle",
				"entry": []interface{}{
					map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Patient", "id": "p2"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.FetchPatient(context.Background(), "p2")
	if err != nil {
		t.Fatalf("FetchPatient: %v", err)
	}
	if bundle["id"] != "p2" {
		t.Errorf("expected fallback-resolved patient p2, got %v", bundle["id"])
	}
}

func TestFetchMedications_FiltersWrongSubjectAndFallsBackToNextShape(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
		case r.URL.Path == "/fhir/MedicationRequest" && r.URL.Query().Get("subject") == "Patient/p1":
			// First attempt: only a wrong-subject entry survives filtering.
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Bundle",
				"entry": []interface{}{
					map[string]interface{}{"resource": map[string]interface{}{
						"resourceType": "MedicationRequest",
						"subject":      map[string]interface{}{"reference": "Patient/other"},
					}},
				},
			})
		case r.URL.Path == "/fhir/MedicationRequest" && r.URL.Query().Get("patient") == "p1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Bundle",
				"entry": []interface{}{
					map[string]interface{}{"resource": map[string]interface{}{
						"resourceType": "MedicationRequest",
						"id":           "mr1",
						"subject":      map[string]interface{}{"reference": "Patient/p1"},
					}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.FetchMedications(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchMedications: %v", err)
	}
	entries, _ := bundle["entry"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving MedicationRequest from the second shape, got %d", len(entries))
	}
}

func TestFetchObservations_FollowsNextLinkWithSameURLOn401(t *testing.T) {
	var page2Calls int32
	var refreshed bool
	var nextURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
	})
	mux.HandleFunc("/fhir/Observation", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			n := atomic.AddInt32(&page2Calls, 1)
			if n == 1 && !refreshed {
				refreshed = true
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Bundle",
				"entry": []interface{}{map[string]interface{}{"resource": map[string]interface{}{
					"id": "o2", "subject": map[string]interface{}{"reference": "Patient/patient-1"}, "status": "final",
				}}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Bundle",
			"entry": []interface{}{map[string]interface{}{"resource": map[string]interface{}{
				"id": "o1", "subject": map[string]interface{}{"reference": "Patient/patient-1"}, "status": "final",
			}}},
			"link": []interface{}{
				map[string]interface{}{"relation": "next", "url": nextURL},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	nextURL = srv.URL + "/fhir/Observation?page=2"

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.FetchObservations(context.Background(), "patient-1", 10, 5)
	if err != nil {
		t.Fatalf("FetchObservations: %v", err)
	}
	entries, _ := bundle["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 observation entries across both pages, got %d", len(entries))
	}
	if atomic.LoadInt32(&page2Calls) != 2 {
		t.Errorf("expected page 2 to be requested twice (401 then retry), got %d", page2Calls)
	}
}

func TestFetchObservations_DropsWrongSubjectAndCancelled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 1800})
		case r.URL.Path == "/fhir/Observation":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Bundle",
				"entry": []interface{}{
					map[string]interface{}{"resource": map[string]interface{}{
						"id": "keep", "subject": map[string]interface{}{"reference": "Patient/p1"}, "status": "final",
					}},
					map[string]interface{}{"resource": map[string]interface{}{
						"id": "wrong-subject", "subject": map[string]interface{}{"reference": "Patient/other"}, "status": "final",
					}},
					map[string]interface{}{"resource": map[string]interface{}{
						"id": "cancelled", "subject": map[string]interface{}{"reference": "Patient/p1"}, "status": "cancelled",
					}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c := New(Config{Base: srv.URL, ClientID: "id", ClientSecret: "secret"})
	bundle, err := c.FetchObservations(context.Background(), "p1", 10, 5)
	if err != nil {
		t.Fatalf("FetchObservations: %v", err)
	}
	entries, _ := bundle["entry"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 kept observation, got %d", len(entries))
	}
}

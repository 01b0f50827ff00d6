package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FHIRError wraps a non-2xx FHIR response, carrying the OperationOutcome
// diagnostics text when the server returned one.
type FHIRError struct {
	StatusCode int
	Diagnostic string
}

func (e *FHIRError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("fhir request failed (%d): %s", e.StatusCode, e.Diagnostic)
	}
	return fmt.Sprintf("fhir request failed (%d)", e.StatusCode)
}

var searchPathSuffixes = []string{"/fhir/Patient", "/fhir/Observation", "/fhir/MedicationRequest"}

// isSearchPath reports whether path is one of the three search endpoints
// that degrade to an empty bundle on a 5xx, rather than propagating the
// error to the caller. path may carry a query string (a paging link).
func isSearchPath(path string) bool {
	withoutQuery := path
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		withoutQuery = path[:idx]
	}
	for _, suffix := range searchPathSuffixes {
		if strings.HasSuffix(withoutQuery, suffix) {
			return true
		}
	}
	return false
}

func emptyBundle() Bundle {
	return Bundle{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        0,
		"entry":        []interface{}{},
	}
}

// get performs an authenticated GET against an absolute or base-relative
// path. On a 401 it refreshes the token once and retries the exact same
// URL (absolute paging links included — a next-page link is never
// rebuilt from params) before giving up.
func (c *Client) get(ctx context.Context, path string, params url.Values) (Bundle, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	target := c.resolveURL(path, params)

	bundle, status, err := c.doGet(ctx, target, token)
	if err == nil {
		return bundle, nil
	}

	if status == http.StatusUnauthorized {
		token, rerr := c.ForceRefresh(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("fhirclient: token refresh after 401 failed: %w", rerr)
		}
		bundle, status, err = c.doGet(ctx, target, token)
		if err == nil {
			return bundle, nil
		}
	}

	if status >= 500 && isSearchPath(path) {
		return emptyBundle(), nil
	}
	return nil, err
}

// resolveURL builds the request URL, always pinning _format=json. An
// absolute path (a paging link) is used verbatim aside from that pin;
// only a base-relative path gets the base prepended.
func (c *Client) resolveURL(path string, params url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.base + path
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	if len(params) > 0 {
		target = target + sep + params.Encode()
		sep = "&"
	}
	if !strings.Contains(target, "_format=") {
		target = target + sep + "_format=json"
	}
	return target
}

func (c *Client) doGet(ctx context.Context, target, token string) (Bundle, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fhirclient: request to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("fhirclient: reading response from %s failed: %w", target, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var bundle Bundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("fhirclient: decoding response from %s failed: %w", target, err)
		}
		return bundle, resp.StatusCode, nil
	}

	return nil, resp.StatusCode, &FHIRError{StatusCode: resp.StatusCode, Diagnostic: diagnosticFromBody(body)}
}

// diagnosticFromBody extracts the first OperationOutcome issue's
// diagnostics text, if the error body is shaped like one.
func diagnosticFromBody(body []byte) string {
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
			Details     struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &outcome); err != nil || outcome.ResourceType != "OperationOutcome" {
		trimmed := strings.TrimSpace(string(body))
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		return trimmed
	}
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
		if issue.Details.Text != "" {
			return issue.Details.Text
		}
	}
	return "OperationOutcome with no diagnostics"
}

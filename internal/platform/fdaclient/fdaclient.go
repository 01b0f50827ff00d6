// Package fdaclient queries openFDA for drug interaction/label evidence,
// trying progressively looser endpoints before giving up.
package fdaclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var candidatePaths = []string{"/drug/interactions.json", "/drug/label.json"}

// Result is the outcome of a QueryOpenFDA call. Endpoint is empty when no
// candidate path yielded a usable response.
type Result struct {
	Endpoint string
	Payload  map[string]interface{}
}

// Client queries openFDA-shaped endpoints under a single base URL.
type Client struct {
	base string
	http *http.Client
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// NormalizeDrugName NFKD-decomposes the input, drops anything outside
// ASCII (dropping accents left behind by decomposition), trims, and
// lowercases. This is deliberately a different normalization from the
// PID-3 cross-match's alphanumeric-lowercase rule — the two are not
// interchangeable.
func NormalizeDrugName(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}

// QueryOpenFDA tries each candidate endpoint in order with the
// normalized drug name as the search term. A 5xx response triggers a
// 300ms sleep before moving to the next path; a transport error moves on
// immediately. Returns the first successful response, or a zero Result
// if every path failed.
func (c *Client) QueryOpenFDA(ctx context.Context, drug string) Result {
	q := NormalizeDrugName(drug)
	if q == "" {
		return Result{}
	}

	for _, path := range candidatePaths {
		target := c.base + path + "?" + url.Values{"search": {q}}.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			sleepCtx(ctx, 300*time.Millisecond)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		return Result{Endpoint: fmt.Sprintf("%s%s", c.base, path), Payload: payload}
	}
	return Result{}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

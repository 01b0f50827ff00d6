package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// cachedToken returns the current token if it is still valid, using the
// RWMutex double-check the teacher's JWKS cache uses: a cheap read-locked
// peek first, and only the slow path takes the write lock.
func (c *Client) cachedToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, true
	}
	return "", false
}

// GetToken returns a valid access token, refreshing it if the cached one
// is missing or within its early-expiry buffer. Concurrent callers that
// all observe a stale token collapse onto a single refresh via
// singleflight rather than each hitting the token endpoint.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	v, err, _ := c.refreshGroup.Do("token", func() (interface{}, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		return c.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ForceRefresh discards the cached token and fetches a new one, used after
// a 401 on an authenticated request.
func (c *Client) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	v, err, _ := c.refreshGroup.Do("token", func() (interface{}, error) {
		return c.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshToken tries the configured token URL, or each candidate path in
// turn against the FHIR base, retrying transient failures with a short
// backoff before moving to the next path. A best-effort warm-up GET
// /health precedes the very first token attempt of the process; its
// result (even an error) is ignored.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	c.warmUpOnce.Do(func() { c.warmUpHealth(ctx) })

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	paths := candidateTokenPaths
	if c.tokenURL != "" {
		paths = []string{c.tokenURL}
	}

	var lastErr error
	for _, p := range paths {
		tok, expiresIn, err := c.tryTokenPath(ctx, p, form)
		if err == nil {
			c.mu.Lock()
			c.token = tok
			c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenEarlyExpiryBuffer)
			c.mu.Unlock()
			return tok, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("fhirclient: unable to acquire token from any candidate path: %w", lastErr)
}

func (c *Client) tryTokenPath(ctx context.Context, path string, form url.Values) (string, float64, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.base + path
	}

	delay := 400 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if !sleepCtx(ctx, delay) {
				return "", 0, ctx.Err()
			}
			delay *= 2
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return "", 0, fmt.Errorf("token path %s not found", path)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("token endpoint %s returned %d", path, resp.StatusCode)
			if !sleepCtx(ctx, delay) {
				return "", 0, ctx.Err()
			}
			delay *= 2
			continue
		case resp.StatusCode >= 400:
			return "", 0, fmt.Errorf("token endpoint %s returned %d: %s", path, resp.StatusCode, string(body))
		}

		var tr map[string]interface{}
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", 0, fmt.Errorf("token endpoint %s returned unparsable body", path)
		}
		tok, _ := tr["access_token"].(string)
		if tok == "" {
			tok, _ = tr["accessToken"].(string)
		}
		if tok == "" {
			return "", 0, fmt.Errorf("token endpoint %s returned no access token", path)
		}
		expiresIn, _ := tr["expires_in"].(float64)
		if expiresIn <= 0 {
			expiresIn = 1800
		}
		return tok, expiresIn, nil
	}
	return "", 0, lastErr
}

// warmUpHealth performs a best-effort GET /health before the first token
// attempt. Any outcome, including a transport error, is discarded.
func (c *Client) warmUpHealth(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

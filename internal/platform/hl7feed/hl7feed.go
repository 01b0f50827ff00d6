// Package hl7feed is a thin read-only client over the upstream HL7 feed,
// used by the aggregator's best-effort cross-match. The ingestor worker
// reads the same feed continuously; this client takes a single bounded
// snapshot per aggregator request instead.
package hl7feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const feedPath = "/hl7/messages"

// Client fetches a bounded page of raw HL7 messages.
type Client struct {
	base string
	http *http.Client
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 20 * time.Second},
	}
}

// Fetch returns up to limit raw HL7 messages from the feed. The feed's
// response shape is coerced the same way the ingestor tolerates it: a
// bare list, a dict wrapping one of a few known keys, or JSON-lines text.
func (c *Client) Fetch(ctx context.Context, limit int) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s?limit=%d", c.base, feedPath, limit), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hl7feed: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hl7feed: upstream returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hl7feed: reading response failed: %w", err)
	}

	messages := coerceMessages(body)
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func coerceMessages(body []byte) []string {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return messagesFromLines(string(body))
	}

	switch v := decoded.(type) {
	case []interface{}:
		return toStringList(v)
	case map[string]interface{}:
		for _, key := range []string{"messages", "items", "data", "results", "entries"} {
			if inner, ok := v[key].([]interface{}); ok {
				return toStringList(inner)
			}
		}
		if s, ok := v["message"].(string); ok {
			return []string{s}
		}
	}
	return nil
}

func toStringList(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if s, ok := v["message"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func messagesFromLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if s, ok := obj["message"].(string); ok {
				out = append(out, s)
				continue
			}
		}
	}
	return out
}

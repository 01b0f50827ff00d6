// Package aiclient talks to the knowledge-search and analyze endpoints of
// the AI service, coercing whatever shape each returns into a small set
// of known, explicitly-tagged result types instead of threading ad hoc
// type switches through every caller.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the AI service's knowledge-search and analyze endpoints.
// The two endpoints carry different timeout budgets, so each call builds
// its own *http.Client rather than sharing one fixed timeout.
type Client struct {
	base string
}

func New(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/")}
}

// KnowledgeSearch POSTs {query, max_results: k} and normalizes the
// response into a flat list of hits via CoerceToList.
func (c *Client) KnowledgeSearch(ctx context.Context, query string, k int) ([]map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query, "max_results": k})
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := c.post(ctx, client, "/knowledge-search", body)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(resp, &v); err != nil {
		return nil, fmt.Errorf("aiclient: decoding knowledge-search response: %w", err)
	}
	return CoerceToList(v), nil
}

// Analyze POSTs {task, context} and normalizes the response into an
// AIResponse tagged union via FromUntyped.
func (c *Client) Analyze(ctx context.Context, taskCtx map[string]interface{}, task string) (AIResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"task": task, "context": taskCtx})
	if err != nil {
		return AIResponse{}, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := c.post(ctx, client, "/analyze", body)
	if err != nil {
		return AIResponse{}, err
	}
	var v interface{}
	if err := json.Unmarshal(resp, &v); err != nil {
		return AIResponse{}, fmt.Errorf("aiclient: decoding analyze response: %w", err)
	}
	return FromUntyped(v), nil
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aiclient: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aiclient: reading response from %s failed: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aiclient: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// CoerceToList normalizes a knowledge-search response to a flat list of
// hit maps, unwrapping the common container keys upstream services use.
func CoerceToList(v interface{}) []map[string]interface{} {
	switch val := v.(type) {
	case []interface{}:
		return toMapList(val)
	case map[string]interface{}:
		for _, key := range []string{"results", "hits", "items", "data"} {
			if inner, ok := val[key]; ok {
				if list, ok := inner.([]interface{}); ok {
					return toMapList(list)
				}
			}
		}
		return nil
	default:
		return nil
	}
}

func toMapList(items []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// Package ingestor polls the upstream HL7 feed and appends each message
// onto the raw broker stream, backing off under sustained upstream
// failure.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/oncopipe/internal/broker"
)

const feedPath = "/hl7/messages"

// knownFields mirrors the source's ("id","message","source","timestamp",
// "raw_message","raw") keep-list: anything else on an upstream message
// dict is dropped rather than forwarded onto the raw stream.
var knownFields = map[string]bool{
	"id": true, "message": true, "source": true,
	"timestamp": true, "raw_message": true, "raw": true,
}

// Config configures a Worker.
type Config struct {
	HL7Base      string
	Stream       string
	MaxLen       int64
	Batch        int
	PollInterval time.Duration
}

// Worker polls the HL7 feed and drains it onto the raw stream.
type Worker struct {
	cfg    Config
	stream *broker.Stream
	http   *http.Client
	log    zerolog.Logger
	rand   *rand.Rand
}

// New constructs a Worker. httpClient may be nil to use a default client
// with a 20s timeout, matching the feed's observed latency budget.
func New(cfg Config, stream *broker.Stream, httpClient *http.Client, log zerolog.Logger) *Worker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Worker{cfg: cfg, stream: stream, http: httpClient, log: log, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Run polls forever until ctx is cancelled. It never returns on its own
// otherwise — every error is absorbed into the backoff/retry loop.
func (w *Worker) Run(ctx context.Context) {
	backoff := 1.0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.fetch(ctx)
		switch {
		case err == nil:
			if len(msgs) > 0 {
				if len(msgs) > w.cfg.Batch {
					msgs = msgs[:w.cfg.Batch]
				}
				for _, m := range msgs {
					w.append(ctx, m)
				}
			}
			backoff = 1.0
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return
			}

		case isRetryable(err):
			w.log.Error().Err(err).Msg("ingestor loop error")
			delay := backoff + w.rand.Float64()
			if delay > 30.0 {
				delay = 30.0
			}
			if !w.sleep(ctx, time.Duration(delay*float64(time.Second))) {
				return
			}
			backoff *= 2
			if backoff > 30.0 {
				backoff = 30.0
			}

		default:
			w.log.Error().Err(err).Msg("ingestor unexpected error")
			if !w.sleep(ctx, time.Second) {
				return
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryableErr marks transport, body-read and 5xx failures, which take the
// exponential-backoff path rather than the flat 1s unexpected-error sleep.
type retryableErr struct{ err error }

func (r retryableErr) Error() string { return r.err.Error() }
func (r retryableErr) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	_, ok := err.(retryableErr)
	return ok
}

func (w *Worker) fetch(ctx context.Context) ([]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.cfg.HL7Base, "/")+feedPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, retryableErr{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryableErr{err}
	}
	if resp.StatusCode >= 500 {
		return nil, retryableErr{fmt.Errorf("hl7 feed returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hl7 feed returned %d", resp.StatusCode)
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return coerceToList(string(body)), nil
	}
	return coerceToList(payload), nil
}

// coerceToList normalizes the feed's response into a slice, accepting a
// bare list, a dict with messages/items/data/results/entries, a single
// message dict, or raw/JSON-lines text.
func coerceToList(payload interface{}) []interface{} {
	switch v := payload.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		for _, key := range []string{"messages", "items", "data", "results", "entries"} {
			if list, ok := v[key].([]interface{}); ok {
				return list
			}
		}
		if _, ok := v["message"]; ok {
			return []interface{}{v}
		}
		return nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			var j interface{}
			if err := json.Unmarshal([]byte(s), &j); err == nil {
				return coerceToList(j)
			}
		}
		var out []interface{}
		for _, line := range strings.Split(s, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var j map[string]interface{}
			if err := json.Unmarshal([]byte(line), &j); err == nil {
				out = append(out, j)
			}
		}
		return out
	default:
		return nil
	}
}

// append coerces one feed message into raw-stream fields and appends it.
// A message with no resolvable body is skipped silently.
func (w *Worker) append(ctx context.Context, m interface{}) {
	fields := toRawFields(m)
	msg, ok := fields["message"].(string)
	if !ok || msg == "" {
		return
	}
	if _, err := w.stream.Append(ctx, w.cfg.Stream, fields, w.cfg.MaxLen); err != nil {
		w.log.Error().Err(err).Msg("ingestor append failed")
	}
}

func toRawFields(m interface{}) map[string]interface{} {
	switch v := m.(type) {
	case string:
		return map[string]interface{}{"message": v}
	case map[string]interface{}:
		out := make(map[string]interface{})
		for k, val := range v {
			if !knownFields[k] {
				continue
			}
			if s, ok := val.(string); ok {
				out[k] = s
			} else {
				b, _ := json.Marshal(val)
				out[k] = string(b)
			}
		}
		if _, ok := out["message"]; !ok {
			if raw, ok := out["raw_message"]; ok {
				out["message"] = raw
			} else if raw, ok := out["raw"]; ok {
				out["message"] = raw
			}
		}
		return out
	default:
		return map[string]interface{}{"message": fmt.Sprintf("%v", v)}
	}
}

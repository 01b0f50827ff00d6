// Package broker wraps the log-style stream primitives the pipeline needs
// on top of Redis Streams: bounded append, idempotent consumer-group
// creation, blocking consumer-group reads, ack, and reverse-range for
// contract verification tooling.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream entry: its broker-assigned id and field values.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Stream is a thin, concurrency-safe wrapper around a Redis connection.
// The client is safe for concurrent use by multiple goroutines, so a
// single Stream is shared process-wide.
type Stream struct {
	rdb *redis.Client
}

// New parses redisURL (e.g. "redis://localhost:6379/0") and returns a
// Stream backed by it.
func New(redisURL string) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	return &Stream{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an already-constructed client, primarily for tests
// that point at a miniredis instance.
func NewFromClient(rdb *redis.Client) *Stream {
	return &Stream{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Stream) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity, used for startup health checks.
func (s *Stream) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Append adds one entry to stream, trimmed to approximately maxLen entries
// (bounded drift, per Redis' MAXLEN ~ semantics). Returns the new entry id.
func (s *Stream) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: append to %s: %w", stream, err)
	}
	return id, nil
}

// CreateGroup idempotently creates a consumer group at "0-0", creating the
// stream itself if absent. A pre-existing group is not an error.
func (s *Stream) CreateGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("broker: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// ReadGroup performs a blocking consumer-group read of new entries only
// (">" ), returning immediately once at least one entry arrives or after
// block elapses. A block of 0 blocks indefinitely; callers should pass a
// context with a deadline or cancellation to bound that.
func (s *Stream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read group %s on %s: %w", group, stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toEntries(res[0].Messages), nil
}

// Ack marks id as consumed for group on stream.
func (s *Stream) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("broker: ack %s on %s/%s: %w", id, stream, group, err)
	}
	return nil
}

// Revrange returns the most recent count entries on stream, newest first.
// Used by the contract-check tool, never by the pipeline itself.
func (s *Stream) Revrange(ctx context.Context, stream string, count int64) ([]Entry, error) {
	res, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: revrange %s: %w", stream, err)
	}
	return toEntries(res), nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, len(msgs))
	for i, m := range msgs {
		out[i] = Entry{ID: m.ID, Values: m.Values}
	}
	return out
}

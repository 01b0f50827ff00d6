// Package normalizer consumes the raw HL7 stream, parses each message,
// emits one canonical event per OBX onto the normalized stream, and
// routes whatever cannot be salvaged to the dead-letter stream.
package normalizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/oncopipe/internal/broker"
	"github.com/ehr/oncopipe/internal/event"
	"github.com/ehr/oncopipe/internal/platform/hl7v2"
)

// Config configures a Worker.
type Config struct {
	RawStream  string
	NormStream string
	DLQStream  string
	Group      string
	Consumer   string
	Count      int64
	BlockMS    time.Duration
	NormMaxLen int64
	DLQMaxLen  int64
}

// Worker runs the READ -> EXTRACT_RAW -> PARSE -> EXTRACT_OBX ->
// VALIDATE_EACH -> PUBLISH_ALL -> ACK state machine described by the
// aggregator's sibling pipeline.
type Worker struct {
	cfg    Config
	stream *broker.Stream
	log    zerolog.Logger
	nowMS  func() int64
}

func New(cfg Config, stream *broker.Stream, log zerolog.Logger) *Worker {
	return &Worker{cfg: cfg, stream: stream, log: log, nowMS: func() int64 { return time.Now().UnixMilli() }}
}

// EnsureGroup idempotently creates the consumer group on the raw stream.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	return w.stream.CreateGroup(ctx, w.cfg.RawStream, w.cfg.Group)
}

// Run reads batches from the raw stream until ctx is cancelled. Loop
// errors (e.g. a transient broker disconnect) are logged and absorbed
// with a 1s pause; they never terminate the worker.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := w.stream.ReadGroup(ctx, w.cfg.RawStream, w.cfg.Group, w.cfg.Consumer, w.cfg.Count, w.cfg.BlockMS)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("normalizer loop error")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		processed := 0
		for _, e := range entries {
			if w.processEntry(ctx, e) {
				processed++
			}
		}
		if processed > 0 {
			w.log.Info().Int("processed", processed).Msg("normalizer batch")
		}
	}
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

// processEntry runs one raw entry through the full state machine. It
// returns true if the message was successfully normalized (not DLQ'd).
func (w *Worker) processEntry(ctx context.Context, e broker.Entry) bool {
	rawJSON := extractCandidate(e.Values)

	raw, err := unwrapEnvelope(rawJSON)
	if err != nil {
		w.toDLQ(ctx, rawJSON, e.ID, err)
		_ = w.stream.Ack(ctx, w.cfg.RawStream, w.cfg.Group, e.ID)
		return false
	}

	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		w.toDLQ(ctx, rawJSON, e.ID, event.WithDetail(event.ErrMalformedHL7, err.Error()))
		_ = w.stream.Ack(ctx, w.cfg.RawStream, w.cfg.Group, e.ID)
		return false
	}

	obxList := msg.OBXSegments()
	if len(obxList) == 0 {
		w.toDLQ(ctx, rawJSON, e.ID, event.WithDetail(event.ErrMalformedHL7, "missing_required_fields: OBX"))
		_ = w.stream.Ack(ctx, w.cfg.RawStream, w.cfg.Group, e.ID)
		return false
	}

	ingestTS := w.nowMS()
	var events []string
	for _, obx := range obxList {
		evt := buildEvent(msg, obx, raw, ingestTS, w.nowMS())
		if verr := evt.Validate(); verr != nil {
			var ve *event.ValidationError
			reason := event.ReasonSchemaValidationFailed
			if errors.As(verr, &ve) {
				reason = ve.Reason
			}
			w.dlqOBX(ctx, rawJSON, e.ID, reason, verr)
			continue
		}
		b, err := json.Marshal(evt)
		if err != nil {
			w.dlqOBX(ctx, rawJSON, e.ID, event.ReasonEncodingError, err)
			continue
		}
		events = append(events, string(b))
	}

	if len(events) == 0 {
		w.toDLQ(ctx, rawJSON, e.ID, event.WithDetail(event.ErrSchemaValidationFailed, "no valid OBX events"))
		_ = w.stream.Ack(ctx, w.cfg.RawStream, w.cfg.Group, e.ID)
		return false
	}

	for _, ejson := range events {
		if _, err := w.stream.Append(ctx, w.cfg.NormStream, map[string]interface{}{"e": ejson}, w.cfg.NormMaxLen); err != nil {
			// A mid-batch append failure leaves the raw entry un-acked;
			// the broker will redeliver it. Duplicate events downstream
			// are tolerated via idempotency_key.
			w.log.Error().Err(err).Str("raw_id", e.ID).Msg("normalizer publish failed, leaving unacked")
			return false
		}
	}

	if err := w.stream.Ack(ctx, w.cfg.RawStream, w.cfg.Group, e.ID); err != nil {
		w.log.Error().Err(err).Str("raw_id", e.ID).Msg("normalizer ack failed")
		return false
	}
	return true
}

// extractCandidate picks the raw message field out of a stream entry's
// fields, trying keys in priority order. The last resort takes the first
// value present in the map at all.
func extractCandidate(fields map[string]interface{}) string {
	for _, key := range []string{"message", "m", "raw", "raw_message", "payload", "hl7"} {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// unwrapEnvelope returns the raw HL7 text to parse. If rawJSON looks like
// a JSON object, its inner message/raw_message/raw field is unwrapped.
func unwrapEnvelope(rawJSON string) (string, error) {
	trimmed := strings.TrimSpace(rawJSON)
	if trimmed == "" {
		return "", event.ErrEmptyMessage
	}
	if strings.HasPrefix(trimmed, "{") {
		var outer map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &outer); err == nil {
			for _, key := range []string{"message", "raw_message", "raw"} {
				if s, ok := outer[key].(string); ok && s != "" {
					return s, nil
				}
			}
		}
	}
	return trimmed, nil
}

func (w *Worker) toDLQ(ctx context.Context, rawJSON, rawID string, err error) {
	reason := event.ReasonMalformedHL7
	var ve *event.ValidationError
	if errors.As(err, &ve) {
		reason = ve.Reason
	}
	w.writeDLQ(ctx, rawJSON, rawID, reason, err)
}

func (w *Worker) dlqOBX(ctx context.Context, rawJSON, rawID string, reason event.Reason, err error) {
	w.writeDLQ(ctx, rawJSON, rawID, reason, err)
}

func (w *Worker) writeDLQ(ctx context.Context, rawJSON, rawID string, reason event.Reason, err error) {
	fields := map[string]interface{}{
		"m":      rawJSON,
		"reason": string(reason),
		"raw_id": rawID,
		"source": "hl7",
		"err":    err.Error(),
	}
	if _, dlqErr := w.stream.Append(ctx, w.cfg.DLQStream, fields, w.cfg.DLQMaxLen); dlqErr != nil {
		w.log.Error().Err(dlqErr).Str("raw_id", rawID).Msg("normalizer dlq append failed")
	}
}

// buildEvent constructs the canonical event for one OBX. identityFromPID3
// resolves patient_id from the PID-3 repetition tagged with identifier
// type MR, and mrn from a distinct repetition — PID-3 repetitions are
// never collapsed onto the same value.
func buildEvent(msg *hl7v2.Message, obx hl7v2.Obx, raw string, ingestTS, normalizedTS int64) *event.Common {
	patientID, mrn := identityFromPID3(msg.PID3Identifiers())
	dob := msg.DateOfBirth()

	code, _ := obx.Code()
	alias := strings.ToLower(code)
	if alias == "" {
		alias = code
	}

	tsStr := obx.ObservationTime()
	if tsStr == "" {
		tsStr = msg.RawTimestamp()
	}
	ts, err := hl7v2.ParseHL7Timestamp(tsStr)
	if err != nil {
		ts = normalizedTS
	}

	return &event.Common{
		SchemaVersion:  event.SchemaVersion,
		PatientID:      patientID,
		MRN:            mrn,
		DOB:            dob,
		Source:         event.SourceHL7,
		Type:           event.TypeLab,
		Code:           alias,
		RawCode:        code,
		Value:          obx.Value(),
		Unit:           obx.Unit(),
		TS:             ts,
		IngestTS:       ingestTS,
		NormalizedTS:   normalizedTS,
		IdempotencyKey: idempotencyKey(msg, raw),
		HL7Version:     msg.Version,
	}
}

// identityFromPID3 splits PID-3 repetitions into a patient_id (the
// repetition typed MR) and an mrn (the first other repetition). If no
// repetition carries identifier type MR, the first repetition's value is
// used as patient_id instead and mrn comes from the second repetition (or
// stays empty), matching the degrade-gracefully posture the parser takes
// everywhere else.
func identityFromPID3(ids []hl7v2.PID3Identifier) (patientID, mrn string) {
	for _, id := range ids {
		if strings.EqualFold(id.Type, "MR") && patientID == "" {
			patientID = id.ID
		}
	}
	for _, id := range ids {
		if !strings.EqualFold(id.Type, "MR") && mrn == "" {
			mrn = id.ID
		}
	}
	if patientID == "" && len(ids) > 0 {
		patientID = ids[0].ID
		mrn = ""
		if len(ids) > 1 {
			mrn = ids[1].ID
		}
	}
	return patientID, mrn
}

// idempotencyKey derives a stable identity for an event from the message
// control id (MSH-10), falling back to a content hash of the raw message
// rather than a process-local hash.
func idempotencyKey(msg *hl7v2.Message, raw string) string {
	if msg.ControlID != "" {
		return msg.ControlID
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

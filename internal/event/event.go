// Package event defines the canonical lab/vital event shape published to
// the normalized stream, and the validator that guards it.
package event

import "fmt"

// Reason tags why an event (or an entire raw message) could not be
// normalized. These are the only DLQ reasons the pipeline produces.
type Reason string

const (
	ReasonIdentityMissing           Reason = "identity_missing"
	ReasonMissingCode               Reason = "missing_code"
	ReasonInvalidTS                 Reason = "invalid_ts"
	ReasonSchemaValidationFailed    Reason = "schema_validation_failed"
	ReasonEncodingError             Reason = "encoding_error"
	ReasonEmptyMessage              Reason = "empty_message"
	ReasonUnsupportedOrMixedVersion Reason = "unsupported_or_mixed_version"
	ReasonMalformedHL7              Reason = "malformed_hl7"
)

// ValidationError is the tagged error every fallible step in the pipeline
// returns. Compare with errors.Is against the Err* sentinels below — the
// message text is diagnostic only and must never be substring-matched.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Is reports whether target carries the same Reason, ignoring Detail, so
// errors.Is(err, event.ErrIdentityMissing) works regardless of message text.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

func newErr(r Reason) *ValidationError { return &ValidationError{Reason: r} }

// Sentinel errors for errors.Is comparisons.
var (
	ErrIdentityMissing           = newErr(ReasonIdentityMissing)
	ErrMissingCode               = newErr(ReasonMissingCode)
	ErrInvalidTS                 = newErr(ReasonInvalidTS)
	ErrSchemaValidationFailed    = newErr(ReasonSchemaValidationFailed)
	ErrEncodingError             = newErr(ReasonEncodingError)
	ErrEmptyMessage              = newErr(ReasonEmptyMessage)
	ErrUnsupportedOrMixedVersion = newErr(ReasonUnsupportedOrMixedVersion)
	ErrMalformedHL7              = newErr(ReasonMalformedHL7)
)

// WithDetail returns a copy of a sentinel carrying a diagnostic message,
// still comparable via errors.Is against the bare sentinel.
func WithDetail(sentinel *ValidationError, detail string) *ValidationError {
	return &ValidationError{Reason: sentinel.Reason, Detail: detail}
}

const SchemaVersion = "v1"

const (
	SourceHL7      = "hl7"
	SourceFHIR     = "fhir"
	SourceWearable = "wearable"
)

const (
	TypeLab   = "lab"
	TypeVital = "vital"
	TypePRO   = "pro"
)

var validSources = map[string]bool{SourceHL7: true, SourceFHIR: true, SourceWearable: true}
var validTypes = map[string]bool{TypeLab: true, TypeVital: true, TypePRO: true}

// Common is the canonical lab/vital event. It is the only shape published
// to the normalized stream.
type Common struct {
	SchemaVersion string `json:"schema_version"`

	PatientID string `json:"patient_id,omitempty"`
	MRN       string `json:"mrn,omitempty"`
	DOB       string `json:"dob,omitempty"`

	Source string `json:"source"`
	Type   string `json:"type"`

	Code    string `json:"code"`
	RawCode string `json:"raw_code,omitempty"`

	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`

	TS           int64 `json:"ts"`
	IngestTS     int64 `json:"ingest_ts"`
	NormalizedTS int64 `json:"normalized_ts"`

	IdempotencyKey string `json:"idempotency_key"`
	HL7Version     string `json:"hl7_version,omitempty"`
}

// Validate applies the invariants from the data model and returns exactly
// one tagged ValidationError on the first violation found, in this order:
// identity, code, timestamp, then the remaining schema constraints.
func (c *Common) Validate() error {
	hasPatientID := c.PatientID != ""
	hasMRNAndDOB := c.MRN != "" && c.DOB != ""
	if !hasPatientID && !hasMRNAndDOB {
		return ErrIdentityMissing
	}
	if c.Code == "" {
		return ErrMissingCode
	}
	if c.TS <= 0 {
		return ErrInvalidTS
	}
	if c.SchemaVersion != SchemaVersion {
		return WithDetail(ErrSchemaValidationFailed, "schema_version must be \"v1\"")
	}
	if !validSources[c.Source] {
		return WithDetail(ErrSchemaValidationFailed, fmt.Sprintf("source %q not in {hl7,fhir,wearable}", c.Source))
	}
	if !validTypes[c.Type] {
		return WithDetail(ErrSchemaValidationFailed, fmt.Sprintf("type %q not in {lab,vital,pro}", c.Type))
	}
	if c.Value == "" {
		return WithDetail(ErrSchemaValidationFailed, "value must not be empty")
	}
	return nil
}

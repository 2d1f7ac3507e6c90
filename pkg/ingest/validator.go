// Package ingest implements the ingestion pipeline: envelope
// validation, idempotency, time-skew quarantine, dead-lettering, and
// normalization into the observation store.
//
// Validation order is fixed and short-circuits at the first failure:
// schema gate, idempotency gate, skew gate, category gate. Accepted
// submissions produce exactly one observation-store append; quarantined
// submissions produce exactly one DLQ append. Never partial.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// envelopeSchema is the structural contract for submitted envelopes.
// Field-level semantics (version majors, skew, category payloads) are
// checked after this gate.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "schema_version", "event_id", "idempotency_key", "trace_id",
    "event_source_ts", "enterprise_context", "actor_context",
    "source_signature", "normalized_event"
  ],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "event_id": {"type": "string", "minLength": 1},
    "idempotency_key": {"type": "string", "minLength": 1},
    "trace_id": {"type": "string", "minLength": 1},
    "event_source_ts": {"type": "string", "format": "date-time"},
    "enterprise_context": {
      "type": "object",
      "required": ["org", "project", "env"],
      "properties": {
        "org": {"type": "string", "minLength": 1},
        "project": {"type": "string", "minLength": 1},
        "env": {"type": "string", "minLength": 1},
        "deployment_id": {"type": "string"}
      }
    },
    "actor_context": {
      "type": "object",
      "required": ["actor_id"],
      "properties": {
        "actor_id": {"type": "string", "minLength": 1}
      }
    },
    "source_signature": {
      "type": "object",
      "required": ["tool_name", "tool_type"],
      "properties": {
        "tool_name": {"type": "string", "minLength": 1},
        "tool_type": {"type": "string", "minLength": 1}
      }
    },
    "normalized_event": {"type": "object"},
    "metric_payload": {
      "type": "object",
      "required": ["resource_id", "metric_name", "value"],
      "properties": {
        "resource_id": {"type": "string", "minLength": 1},
        "metric_name": {"type": "string", "minLength": 1},
        "value": {"type": "number"}
      }
    }
  }
}`

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Validator checks envelope structure and schema-version acceptance.
type Validator struct {
	schema        *jsonschema.Schema
	acceptMajors  map[uint64]bool
	majorsDisplay string
}

// NewValidator compiles the envelope schema and records the accepted
// schema major versions.
func NewValidator(acceptMajors []uint64) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("ingest: add envelope schema: %w", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("ingest: compile envelope schema: %w", err)
	}

	majors := make(map[uint64]bool, len(acceptMajors))
	display := make([]string, 0, len(acceptMajors))
	for _, m := range acceptMajors {
		majors[m] = true
		display = append(display, fmt.Sprintf("%d", m))
	}

	return &Validator{
		schema:        schema,
		acceptMajors:  majors,
		majorsDisplay: strings.Join(display, ","),
	}, nil
}

// ValidateRaw runs the schema gate over a raw JSON submission. On
// success it returns the decoded envelope; on failure, field errors.
func (v *Validator) ValidateRaw(raw []byte) (*contracts.Envelope, []FieldError) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, []FieldError{{Field: "envelope", Code: "MALFORMED_JSON", Message: err.Error()}}
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, schemaErrors(err)
	}

	var env contracts.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, []FieldError{{Field: "envelope", Code: "MALFORMED_JSON", Message: err.Error()}}
	}

	if errs := v.ValidateEnvelope(&env); len(errs) > 0 {
		return nil, errs
	}
	return &env, nil
}

// ValidateEnvelope runs the field-level checks the JSON Schema cannot
// express: schema version majors and timestamp presence.
func (v *Validator) ValidateEnvelope(env *contracts.Envelope) []FieldError {
	var errs []FieldError

	ver, err := semver.NewVersion(env.SchemaVersion)
	if err != nil {
		errs = append(errs, FieldError{
			Field:   "schema_version",
			Code:    "UNPARSEABLE_VERSION",
			Message: fmt.Sprintf("schema_version %q is not a semantic version", env.SchemaVersion),
		})
	} else if !v.acceptMajors[ver.Major()] {
		errs = append(errs, FieldError{
			Field:   "schema_version",
			Code:    "UNSUPPORTED_MAJOR",
			Message: fmt.Sprintf("major version %d not in accepted set {%s}", ver.Major(), v.majorsDisplay),
		})
	}

	if env.EventSourceTS.IsZero() {
		errs = append(errs, FieldError{
			Field:   "event_source_ts",
			Code:    "REQUIRED",
			Message: "event_source_ts is required",
		})
	}
	return errs
}

// ValidateCategory runs the category gate: a metric payload needs a
// usable numeric value, an event payload needs a non-empty type.
func ValidateCategory(env *contracts.Envelope) []FieldError {
	var errs []FieldError

	if env.NormalizedEvent.Type == "" {
		errs = append(errs, FieldError{
			Field:   "normalized_event.type",
			Code:    "REQUIRED",
			Message: "event type must be non-empty",
		})
	}
	if mp := env.MetricPayload; mp != nil {
		if mp.ResourceID == "" || mp.MetricName == "" {
			errs = append(errs, FieldError{
				Field:   "metric_payload",
				Code:    "REQUIRED",
				Message: "metric payload requires resource_id and metric_name",
			})
		}
		if mp.Value != mp.Value { // NaN
			errs = append(errs, FieldError{
				Field:   "metric_payload.value",
				Code:    "INVALID_VALUE",
				Message: "metric value must be a finite number",
			})
		}
	}
	return errs
}

// TenantKey composes the tenant partition key from the enterprise
// context: "org:project:env".
func TenantKey(ec contracts.EnterpriseContext) string {
	return fmt.Sprintf("%s:%s:%s", ec.Org, ec.Project, ec.Env)
}

// CheckSkew runs the skew gate. Returns a human-readable diagnostic on
// rejection and "" on pass.
func CheckSkew(now, sourceTS time.Time, past, future time.Duration) string {
	if sourceTS.Before(now.Add(-past)) {
		return fmt.Sprintf("event_source_ts %s is more than %s in the past", sourceTS.Format(time.RFC3339), past)
	}
	if sourceTS.After(now.Add(future)) {
		return fmt.Sprintf("event_source_ts %s is more than %s in the future", sourceTS.Format(time.RFC3339), future)
	}
	return ""
}

func schemaErrors(err error) []FieldError {
	var ve *jsonschema.ValidationError
	if !asValidationError(err, &ve) {
		return []FieldError{{Field: "envelope", Code: "SCHEMA", Message: err.Error()}}
	}

	leaves := leafCauses(ve)
	out := make([]FieldError, 0, len(leaves))
	for _, leaf := range leaves {
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		field = strings.ReplaceAll(field, "/", ".")
		if field == "" {
			field = "envelope"
		}
		out = append(out, FieldError{Field: field, Code: "SCHEMA", Message: leaf.Message})
	}
	return out
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// RawEvent is the reduced payload accepted at /observe/event. It
// bypasses the envelope schema but still passes the idempotency and
// skew gates.
type RawEvent struct {
	Type           string                 `json:"type"`
	WorkflowID     string                 `json:"workflow_id,omitempty"`
	Actor          string                 `json:"actor"`
	Resource       string                 `json:"resource,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// RawMetric is the reduced payload accepted at /observe/metric.
type RawMetric struct {
	ResourceID     string    `json:"resource_id"`
	MetricName     string    `json:"metric_name"`
	Value          float64   `json:"value"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// SubmitRawEvent ingests a bare event. When no idempotency key is
// supplied, one is derived from the canonical payload hash, so the
// exact same payload submitted twice is still a duplicate.
func (p *Pipeline) SubmitRawEvent(ctx context.Context, raw []byte) (*Result, error) {
	var re RawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return p.quarantineSchema([]FieldError{{Field: "event", Code: "MALFORMED_JSON", Message: err.Error()}}, nil), nil
	}
	if re.Type == "" {
		return p.quarantineSchema([]FieldError{{Field: "type", Code: "REQUIRED", Message: "event type must be non-empty"}}, nil), nil
	}
	if re.Actor == "" {
		re.Actor = "unknown"
	}
	if re.Timestamp.IsZero() {
		return p.quarantineSchema([]FieldError{{Field: "timestamp", Code: "REQUIRED", Message: "timestamp is required"}}, nil), nil
	}

	key := re.IdempotencyKey
	if key == "" {
		key = derivedKey("event", raw)
	}

	env := &contracts.Envelope{
		SchemaVersion:  "1.0.0",
		EventID:        key,
		IdempotencyKey: key,
		TraceID:        key,
		EventSourceTS:  re.Timestamp,
		EnterpriseCtx:  contracts.EnterpriseContext{Org: "raw", Project: "raw", Env: "raw"},
		ActorContext:   contracts.ActorContext{ActorID: re.Actor},
		SourceSignature: contracts.SourceSignature{
			ToolName: "raw-ingest",
			ToolType: "api",
		},
		NormalizedEvent: contracts.NormalizedEvent{
			Type:       re.Type,
			WorkflowID: re.WorkflowID,
			Resource:   re.Resource,
			Metadata:   re.Metadata,
		},
	}
	return p.Submit(ctx, env)
}

// SubmitRawMetric ingests a bare metric sample.
func (p *Pipeline) SubmitRawMetric(ctx context.Context, raw []byte) (*Result, error) {
	var rm RawMetric
	if err := json.Unmarshal(raw, &rm); err != nil {
		return p.quarantineSchema([]FieldError{{Field: "metric", Code: "MALFORMED_JSON", Message: err.Error()}}, nil), nil
	}
	if rm.ResourceID == "" || rm.MetricName == "" {
		return p.quarantineSchema([]FieldError{{Field: "metric", Code: "REQUIRED", Message: "resource_id and metric_name are required"}}, nil), nil
	}
	if rm.Value != rm.Value {
		return p.quarantineSchema([]FieldError{{Field: "value", Code: "INVALID_VALUE", Message: "metric value must be a finite number"}}, nil), nil
	}
	if rm.Timestamp.IsZero() {
		return p.quarantineSchema([]FieldError{{Field: "timestamp", Code: "REQUIRED", Message: "timestamp is required"}}, nil), nil
	}

	key := rm.IdempotencyKey
	if key == "" {
		key = derivedKey("metric", raw)
	}

	env := &contracts.Envelope{
		SchemaVersion:  "1.0.0",
		EventID:        key,
		IdempotencyKey: key,
		TraceID:        key,
		EventSourceTS:  rm.Timestamp,
		EnterpriseCtx:  contracts.EnterpriseContext{Org: "raw", Project: "raw", Env: "raw"},
		ActorContext:   contracts.ActorContext{ActorID: "metric-source"},
		SourceSignature: contracts.SourceSignature{
			ToolName: "raw-ingest",
			ToolType: "api",
		},
		NormalizedEvent: contracts.NormalizedEvent{
			Type:     "METRIC_SAMPLE",
			Resource: rm.ResourceID,
		},
		MetricPayload: &contracts.MetricPayload{
			ResourceID: rm.ResourceID,
			MetricName: rm.MetricName,
			Value:      rm.Value,
		},
	}
	return p.Submit(ctx, env)
}

func derivedKey(kind string, raw []byte) string {
	return fmt.Sprintf("%s-%s", kind, canonicalize.HashBytes(raw))
}

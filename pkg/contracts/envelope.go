package contracts

import "time"

// Envelope is the canonical external ingestion payload. Every field in
// the required set must be present; the schema gate rejects anything
// else before it can touch the store.
type Envelope struct {
	SchemaVersion   string            `json:"schema_version"`
	EventID         string            `json:"event_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	TraceID         string            `json:"trace_id"`
	EventSourceTS   time.Time         `json:"event_source_ts"`
	EnterpriseCtx   EnterpriseContext `json:"enterprise_context"`
	ActorContext    ActorContext      `json:"actor_context"`
	SourceSignature SourceSignature   `json:"source_signature"`
	NormalizedEvent NormalizedEvent   `json:"normalized_event"`
	MetricPayload   *MetricPayload    `json:"metric_payload,omitempty"`
}

// EnterpriseContext locates the submitting tenant. TenantKey is derived
// as "org:project:env".
type EnterpriseContext struct {
	Org          string `json:"org"`
	Project      string `json:"project"`
	Env          string `json:"env"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ActorContext identifies who or what performed the source action.
type ActorContext struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty"` // human, service_account, ci
	Location  string `json:"location,omitempty"`
}

// SourceSignature identifies the emitting tool.
type SourceSignature struct {
	ToolName string `json:"tool_name"`
	ToolType string `json:"tool_type"`
}

// NormalizedEvent is the event payload inside an envelope.
type NormalizedEvent struct {
	Type       string                 `json:"type"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Outcome    string                 `json:"outcome,omitempty"` // success, failure
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MetricPayload is the optional numeric payload riding alongside the
// normalized event.
type MetricPayload struct {
	ResourceID string  `json:"resource_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
}

// QuarantineReason enumerates the DLQ reason codes. These are the only
// three codes; anything else is a bug.
type QuarantineReason string

const (
	ReasonSchemaInvalid QuarantineReason = "SCHEMA_INVALID"
	ReasonDuplicate     QuarantineReason = "DUPLICATE"
	ReasonLateEvent     QuarantineReason = "LATE_EVENT"
)

// DLQRecord is one quarantined submission.
type DLQRecord struct {
	Envelope    Envelope         `json:"envelope"`
	ReasonCode  QuarantineReason `json:"reason_code"`
	ReceivedAt  time.Time        `json:"received_at"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// IdempotencyRecord is the durable reservation that binds an
// idempotency key to the event ID minted for it.
type IdempotencyRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	EventID        string    `json:"event_id"`
}

package contracts

import "time"

// Severity levels for policies and recommendations.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RiskState is the projected operational state of an entity.
type RiskState string

const (
	RiskNormal    RiskState = "NORMAL"
	RiskDegraded  RiskState = "DEGRADED"
	RiskAtRisk    RiskState = "AT_RISK"
	RiskViolation RiskState = "VIOLATION"
	RiskIncident  RiskState = "INCIDENT"
)

// ViolationType distinguishes a policy breach that surfaced an error
// from one that completed quietly.
type ViolationType string

const (
	ViolationSilent   ViolationType = "SILENT"
	ViolationExplicit ViolationType = "EXPLICIT"
)

// Policy is a static compliance rule. Loaded at startup, immutable at
// runtime. The predicate is a CEL expression over event attributes.
type Policy struct {
	PolicyID  string   `json:"policy_id"`
	Predicate string   `json:"predicate"`
	Severity  Severity `json:"severity"`
	Rationale string   `json:"rationale"`
}

// Anomaly is a detection finding. EvidenceIDs must be non-empty; each
// ID resolves to an Event, Metric, or prior-cycle artifact.
type Anomaly struct {
	AnomalyID   string                 `json:"anomaly_id"`
	Type        string                 `json:"type"`
	Entity      string                 `json:"entity"`
	Confidence  float64                `json:"confidence"`
	Agent       string                 `json:"agent"`
	EvidenceIDs []string               `json:"evidence_ids"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// PolicyHit records one policy predicate matching one event.
type PolicyHit struct {
	HitID         string        `json:"hit_id"`
	PolicyID      string        `json:"policy_id"`
	EventID       string        `json:"event_id"`
	ViolationType ViolationType `json:"violation_type"`
	Severity      Severity      `json:"severity"`
	EvidenceIDs   []string      `json:"evidence_ids"`
	Timestamp     time.Time     `json:"timestamp"`
}

// RiskSignal is a forward-looking risk projection for one entity.
type RiskSignal struct {
	Entity         string    `json:"entity"`
	CurrentState   RiskState `json:"current_state"`
	ProjectedState RiskState `json:"projected_state"`
	Confidence     float64   `json:"confidence"`
	TimeHorizon    string    `json:"time_horizon"`
	EvidenceIDs    []string  `json:"evidence_ids"`
}

// CausalLink connects a cause finding to an effect finding observed
// within the causal window.
type CausalLink struct {
	LinkID           string   `json:"link_id"`
	CauseType        string   `json:"cause_type"`
	EffectType       string   `json:"effect_type"`
	Confidence       float64  `json:"confidence"`
	TemporalDistance float64  `json:"temporal_distance_seconds"`
	Reasoning        string   `json:"reasoning"`
	EvidenceIDs      []string `json:"evidence_ids"`
}

// SeverityScore is the scored impact of one finding on a 0–10 scale.
type SeverityScore struct {
	TargetID      string  `json:"target_id"`
	BaseScore     float64 `json:"base_score"`
	WeightedDelta float64 `json:"weighted_delta"`
	FinalScore    float64 `json:"final_score"`
	Label         string  `json:"label"`
}

// Recommendation maps a finding to a pre-approved action. Actions come
// from a static cause-to-action table and are never invented.
type Recommendation struct {
	RecID       string   `json:"rec_id"`
	CauseKey    string   `json:"cause_key"`
	Action      string   `json:"action"`
	Urgency     Severity `json:"urgency"`
	Rationale   string   `json:"rationale"`
	Confidence  float64  `json:"confidence"`
	EvidenceIDs []string `json:"evidence_ids"`
}

// CycleAnnotation records an agent failure inside a cycle. Cycles seal
// with partial sections rather than fail.
type CycleAnnotation struct {
	Agent    string    `json:"agent"`
	Phase    int       `json:"phase"`
	Failure  string    `json:"failure"`
	Recorded time.Time `json:"recorded"`
}

// Cycle is one reasoning pass. Append-only between StartedAt and
// CompletedAt; immutable afterwards. CycleSHA256 is the content hash of
// the sealed artifact.
type Cycle struct {
	CycleID         string            `json:"cycle_id"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Anomalies       []Anomaly         `json:"anomalies"`
	PolicyHits      []PolicyHit       `json:"policy_hits"`
	RiskSignals     []RiskSignal      `json:"risk_signals"`
	CausalLinks     []CausalLink      `json:"causal_links"`
	SeverityScores  []SeverityScore   `json:"severity_scores"`
	Recommendations []Recommendation  `json:"recommendations"`
	Annotations     []CycleAnnotation `json:"annotations,omitempty"`
	CycleSHA256     string            `json:"cycle_sha256,omitempty"`
}

// Degraded reports whether any agent failed during this cycle.
func (c *Cycle) Degraded() bool {
	return len(c.Annotations) > 0
}

// BaselineProfile is the rolling statistical profile for one
// (entity, metric) pair. The profile activates after MinSamples and is
// only updated by samples within the deviation threshold, so a deviant
// sample cannot drag the baseline toward itself.
type BaselineProfile struct {
	Entity      string    `json:"entity"`
	MetricName  string    `json:"metric_name"`
	Mean        float64   `json:"mean"`
	Variance    float64   `json:"variance"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

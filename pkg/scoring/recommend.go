package scoring

import (
	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// actionRule is one entry of the static cause-to-action table. Actions
// are selected from this table and never invented.
type actionRule struct {
	action    string
	urgency   contracts.Severity
	baseRule  float64
	rationale string
}

var causeActions = map[string]actionRule{
	"resource_saturation": {
		action:    "Throttle concurrent jobs",
		urgency:   contracts.SeverityHigh,
		baseRule:  0.90,
		rationale: "Sustained saturation starves downstream workflow steps.",
	},
	"resource_drift": {
		action:    "Schedule a capacity review",
		urgency:   contracts.SeverityLow,
		baseRule:  0.70,
		rationale: "A steady climb exhausts headroom before thresholds trip.",
	},
	"workflow_delay": {
		action:    "Reallocate workers to the delayed step",
		urgency:   contracts.SeverityMedium,
		baseRule:  0.80,
		rationale: "The step is running past its SLA.",
	},
	"missing_step": {
		action:    "Halt the pipeline until the skipped step runs",
		urgency:   contracts.SeverityHigh,
		baseRule:  0.85,
		rationale: "A required step was bypassed.",
	},
	"sequence_violation": {
		action:    "Quarantine the workflow run for replay",
		urgency:   contracts.SeverityMedium,
		baseRule:  0.75,
		rationale: "Out-of-order execution can corrupt downstream state.",
	},
	"baseline_deviation": {
		action:    "Inspect the entity for regression",
		urgency:   contracts.SeverityMedium,
		baseRule:  0.70,
		rationale: "The metric broke from its learned profile.",
	},
	"code_risk": {
		action:    "Hold the deployment for review",
		urgency:   contracts.SeverityMedium,
		baseRule:  0.75,
		rationale: "Pre-deploy signals predict a risky release.",
	},
	"after_hours_write": {
		action:    "Revoke the session and require re-authentication",
		urgency:   contracts.SeverityHigh,
		baseRule:  0.90,
		rationale: "Writes outside the change window need a verified operator.",
	},
	"skipped_approval": {
		action:    "Block the deployment until approval is recorded",
		urgency:   contracts.SeverityCritical,
		baseRule:  0.95,
		rationale: "An approval gate was bypassed.",
	},
	"unusual_location": {
		action:    "Challenge the session with step-up authentication",
		urgency:   contracts.SeverityMedium,
		baseRule:  0.80,
		rationale: "Access from an unrecognized network location.",
	},
	"sensitive_access": {
		action:    "Open an access review for the actor",
		urgency:   contracts.SeverityHigh,
		baseRule:  0.85,
		rationale: "Sensitive data was touched without a recorded approval.",
	},
	"service_account_write": {
		action:    "Rotate the service account credentials",
		urgency:   contracts.SeverityHigh,
		baseRule:  0.85,
		rationale: "Service accounts must not write outside change management.",
	},
}

var anomalyCauseKeys = map[string]string{
	"SUSTAINED_RESOURCE_CRITICAL": "resource_saturation",
	"SUSTAINED_RESOURCE_WARNING":  "resource_saturation",
	"RESOURCE_DRIFT":              "resource_drift",
	"WORKFLOW_DELAY":              "workflow_delay",
	"MISSING_STEP":                "missing_step",
	"SEQUENCE_VIOLATION":          "sequence_violation",
	"BASELINE_DEVIATION":          "baseline_deviation",
	"HIGH_CHURN":                  "code_risk",
	"COVERAGE_REGRESSION":         "code_risk",
	"HOTSPOT_OVERLAP":             "code_risk",
	"CI_FAILURE":                  "code_risk",
}

var policyCauseKeys = map[string]string{
	"NO_AFTER_HOURS_WRITE":             "after_hours_write",
	"NO_SKIP_APPROVAL":                 "skipped_approval",
	"NO_UNUSUAL_LOCATION":              "unusual_location",
	"NO_UNCONTROLLED_SENSITIVE_ACCESS": "sensitive_access",
	"NO_SERVICE_ACCOUNT_DIRECT_WRITE":  "service_account_write",
}

// RecommendationEngine maps findings to pre-approved actions.
type RecommendationEngine struct{}

func NewRecommendationEngine() *RecommendationEngine { return &RecommendationEngine{} }

// ForAnomaly returns the recommendation for one anomaly, or nil when
// no table entry covers its type.
func (e *RecommendationEngine) ForAnomaly(a *contracts.Anomaly, severityScore float64, factors ContextFactors) *contracts.Recommendation {
	key, ok := anomalyCauseKeys[a.Type]
	if !ok {
		return nil
	}
	return e.build(key, a.EvidenceIDs, severityScore, factors)
}

// ForPolicyHit returns the recommendation for one policy hit, or nil
// for an unmapped policy.
func (e *RecommendationEngine) ForPolicyHit(h *contracts.PolicyHit, severityScore float64, factors ContextFactors) *contracts.Recommendation {
	key, ok := policyCauseKeys[h.PolicyID]
	if !ok {
		return nil
	}
	return e.build(key, h.EvidenceIDs, severityScore, factors)
}

func (e *RecommendationEngine) build(causeKey string, evidence []string, severityScore float64, factors ContextFactors) *contracts.Recommendation {
	rule := causeActions[causeKey]

	contextMatch := 0.7
	if factors.Present() {
		contextMatch = 1.0
	}
	confidence := 0.5*rule.baseRule + 0.2*(severityScore/10) + 0.3*contextMatch

	return &contracts.Recommendation{
		RecID:       canonicalize.ID("rec", causeKey, evidence),
		CauseKey:    causeKey,
		Action:      rule.action,
		Urgency:     rule.urgency,
		Rationale:   rule.rationale,
		Confidence:  confidence,
		EvidenceIDs: evidence,
	}
}

// Package scoring implements the deterministic scoring engines: the
// severity engine, the risk index tracker, and the recommendation
// engine. Every score is a pure function of its inputs; the same cycle
// always scores the same way.
package scoring

import (
	"strings"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// ContextFactors are near-1 multipliers describing how much the
// surrounding context amplifies or dampens a finding. A zero value
// means "unset" and reads as 1.
type ContextFactors struct {
	Asset      float64 // criticality of the affected asset
	Data       float64 // sensitivity of the data involved
	Time       float64 // off-hours or change-freeze timing
	Role       float64 // privilege level of the actor
	Repetition float64 // how often this finding recurs
	Blast      float64 // downstream dependency fan-out
	Module     float64 // deployment surface of the module
}

// factorWeights sum to 1 so the weighted delta stays in a narrow band
// before clamping.
var factorWeights = []struct {
	weight float64
	get    func(ContextFactors) float64
}{
	{0.20, func(f ContextFactors) float64 { return f.Asset }},
	{0.20, func(f ContextFactors) float64 { return f.Data }},
	{0.10, func(f ContextFactors) float64 { return f.Time }},
	{0.15, func(f ContextFactors) float64 { return f.Role }},
	{0.10, func(f ContextFactors) float64 { return f.Repetition }},
	{0.15, func(f ContextFactors) float64 { return f.Blast }},
	{0.10, func(f ContextFactors) float64 { return f.Module }},
}

// Present reports whether any factor was actually derived.
func (f ContextFactors) Present() bool {
	return f != ContextFactors{}
}

// SeverityEngine scores findings on a 0-10 scale.
type SeverityEngine struct{}

func NewSeverityEngine() *SeverityEngine { return &SeverityEngine{} }

// ScoreAnomaly computes the severity of one anomaly under the given
// context factors.
func (e *SeverityEngine) ScoreAnomaly(a *contracts.Anomaly, f ContextFactors) contracts.SeverityScore {
	return e.score(a.AnomalyID, anomalyBaseScore(a.Type, a.Confidence), f)
}

// ScorePolicyHit computes the severity of one policy hit. Policy hits
// carry no confidence; the base comes from the policy severity, with
// silent breaches rated above explicit ones.
func (e *SeverityEngine) ScorePolicyHit(h *contracts.PolicyHit, f ContextFactors) contracts.SeverityScore {
	base := policyBaseScore(h.Severity)
	if h.ViolationType == contracts.ViolationSilent {
		base += 1
	}
	return e.score(h.HitID, base, f)
}

func (e *SeverityEngine) score(targetID string, base float64, f ContextFactors) contracts.SeverityScore {
	delta := WeightedDelta(f)
	final := clamp(base*(1+delta), 0, 10)
	return contracts.SeverityScore{
		TargetID:      targetID,
		BaseScore:     base,
		WeightedDelta: delta,
		FinalScore:    final,
		Label:         SeverityLabel(final),
	}
}

// WeightedDelta folds the context factors into one bounded adjustment.
func WeightedDelta(f ContextFactors) float64 {
	var sum float64
	for _, fw := range factorWeights {
		v := fw.get(f)
		if v == 0 {
			v = 1
		}
		sum += fw.weight * (v - 1)
	}
	return clamp(sum, -0.4, 0.6)
}

func anomalyBaseScore(anomalyType string, c float64) float64 {
	switch anomalyType {
	case "WORKFLOW_DELAY":
		return 4 + 4*c
	case "SUSTAINED_RESOURCE_CRITICAL":
		return 5 + 5*c
	case "MISSING_STEP":
		return 7 + 2*c
	case "SEQUENCE_VIOLATION":
		return 5 + 3*c
	case "SUSTAINED_RESOURCE_WARNING":
		return 3 + 3*c
	case "RESOURCE_DRIFT":
		return 2 + 3*c
	case "BASELINE_DEVIATION":
		return 3 + 4*c
	case "HIGH_CHURN", "COVERAGE_REGRESSION", "HOTSPOT_OVERLAP", "CI_FAILURE":
		return 2 + 4*c
	default:
		return 3 + 3*c
	}
}

func policyBaseScore(sev contracts.Severity) float64 {
	switch sev {
	case contracts.SeverityLow:
		return 3
	case contracts.SeverityMedium:
		return 5
	case contracts.SeverityHigh:
		return 7
	case contracts.SeverityCritical:
		return 9
	default:
		return 5
	}
}

// SeverityLabel maps a final score to its band. Boundaries at 4.0 and
// 7.0 are exclusive on the lower band.
func SeverityLabel(score float64) string {
	switch {
	case score == 0:
		return "None"
	case score < 4.0:
		return "Low"
	case score < 7.0:
		return "Medium"
	case score < 9.0:
		return "High"
	default:
		return "Critical"
	}
}

// FactorsFor derives context factors from a finding's entity and
// metadata. Only documented keys contribute.
func FactorsFor(entity string, metadata map[string]interface{}) ContextFactors {
	var f ContextFactors
	if strings.Contains(entity, "prod") {
		f.Asset = 1.2
	}
	if metadata != nil {
		if sens, ok := metadata["data_sensitivity"].(string); ok && sens == "high" {
			f.Data = 1.2
		}
		if rep, ok := metadata["repeat_count"]; ok {
			if n, ok := toFloat(rep); ok && n > 1 {
				f.Repetition = 1.1
			}
		}
		if blast, ok := metadata["dependents"]; ok {
			if n, ok := toFloat(blast); ok && n >= 3 {
				f.Blast = 1.15
			}
		}
	}
	return f
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

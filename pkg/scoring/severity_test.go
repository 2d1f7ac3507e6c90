package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

func TestAnomalyBaseScores(t *testing.T) {
	assert.InDelta(t, 4+4*0.95, anomalyBaseScore("WORKFLOW_DELAY", 0.95), 1e-9)
	assert.InDelta(t, 5+5*0.90, anomalyBaseScore("SUSTAINED_RESOURCE_CRITICAL", 0.90), 1e-9)
	assert.InDelta(t, 7+2*0.95, anomalyBaseScore("MISSING_STEP", 0.95), 1e-9)
}

func TestScoreAnomalyNoContext(t *testing.T) {
	e := NewSeverityEngine()
	s := e.ScoreAnomaly(&contracts.Anomaly{
		AnomalyID: "ano-1", Type: "WORKFLOW_DELAY", Confidence: 0.95,
	}, ContextFactors{})

	assert.Equal(t, "ano-1", s.TargetID)
	assert.InDelta(t, 0, s.WeightedDelta, 1e-9)
	assert.InDelta(t, 7.8, s.FinalScore, 1e-9)
	assert.Equal(t, "High", s.Label)
}

func TestScoreAnomalyWithContext(t *testing.T) {
	e := NewSeverityEngine()
	factors := ContextFactors{Asset: 1.2, Data: 1.2, Blast: 1.15}
	s := e.ScoreAnomaly(&contracts.Anomaly{
		AnomalyID: "ano-1", Type: "MISSING_STEP", Confidence: 0.95,
	}, factors)

	// 0.20*0.2 + 0.20*0.2 + 0.15*0.15 = 0.1025
	assert.InDelta(t, 0.1025, s.WeightedDelta, 1e-9)
	assert.InDelta(t, 8.9*1.1025, s.FinalScore, 1e-9)
	assert.Equal(t, "Critical", s.Label)
}

func TestWeightedDeltaClamp(t *testing.T) {
	huge := ContextFactors{Asset: 10, Data: 10, Time: 10, Role: 10, Repetition: 10, Blast: 10, Module: 10}
	assert.InDelta(t, 0.6, WeightedDelta(huge), 1e-9)

	tiny := ContextFactors{Asset: 0.01, Data: 0.01, Time: 0.01, Role: 0.01, Repetition: 0.01, Blast: 0.01, Module: 0.01}
	assert.InDelta(t, -0.4, WeightedDelta(tiny), 1e-9)
}

func TestFinalScoreClampedAtTen(t *testing.T) {
	e := NewSeverityEngine()
	s := e.ScorePolicyHit(&contracts.PolicyHit{
		HitID: "hit-1", Severity: contracts.SeverityCritical,
		ViolationType: contracts.ViolationSilent,
	}, ContextFactors{Asset: 2, Data: 2, Blast: 2})

	assert.LessOrEqual(t, s.FinalScore, 10.0)
	assert.Equal(t, "Critical", s.Label)
}

func TestSeverityLabels(t *testing.T) {
	assert.Equal(t, "None", SeverityLabel(0))
	assert.Equal(t, "Low", SeverityLabel(3.99))
	assert.Equal(t, "Medium", SeverityLabel(4.0))
	assert.Equal(t, "Medium", SeverityLabel(6.99))
	assert.Equal(t, "High", SeverityLabel(7.0))
	assert.Equal(t, "High", SeverityLabel(8.99))
	assert.Equal(t, "Critical", SeverityLabel(9.0))
	assert.Equal(t, "Critical", SeverityLabel(10.0))
}

func TestSilentHitScoresAboveExplicit(t *testing.T) {
	e := NewSeverityEngine()
	silent := e.ScorePolicyHit(&contracts.PolicyHit{HitID: "h1", Severity: contracts.SeverityHigh, ViolationType: contracts.ViolationSilent}, ContextFactors{})
	explicit := e.ScorePolicyHit(&contracts.PolicyHit{HitID: "h2", Severity: contracts.SeverityHigh, ViolationType: contracts.ViolationExplicit}, ContextFactors{})
	assert.Greater(t, silent.FinalScore, explicit.FinalScore)
}

func TestFactorsForProdEntity(t *testing.T) {
	f := FactorsFor("payments-prod", nil)
	assert.InDelta(t, 1.2, f.Asset, 1e-9)
	assert.True(t, f.Present())

	assert.False(t, FactorsFor("wf1", nil).Present())
}

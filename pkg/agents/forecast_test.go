package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

func TestProjectStateMapping(t *testing.T) {
	cases := []struct {
		anomalies, policies int
		want                contracts.RiskState
	}{
		{0, 0, contracts.RiskNormal},
		{1, 0, contracts.RiskDegraded},
		{2, 0, contracts.RiskAtRisk},
		{3, 0, contracts.RiskAtRisk},
		{0, 2, contracts.RiskViolation},
		{4, 0, contracts.RiskViolation},
		{5, 0, contracts.RiskViolation},
		{6, 0, contracts.RiskIncident},
		{2, 2, contracts.RiskIncident},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, projectState(tc.anomalies, tc.policies),
			"anomalies=%d policies=%d", tc.anomalies, tc.policies)
	}
}

func TestTimeHorizon(t *testing.T) {
	assert.Equal(t, "15-30 min", timeHorizon(1))
	assert.Equal(t, "15-30 min", timeHorizon(2))
	assert.Equal(t, "10-15 min", timeHorizon(3))
	assert.Equal(t, "10-15 min", timeHorizon(4))
	assert.Equal(t, "5-10 min", timeHorizon(5))
}

func TestForecastConfidence(t *testing.T) {
	assert.InDelta(t, 0.60, forecastConfidence(1, 0), 1e-9)
	assert.InDelta(t, 0.70, forecastConfidence(2, 0), 1e-9)
	// Both contribution terms cap.
	assert.InDelta(t, 0.95, forecastConfidence(10, 10), 1e-9)
}

func TestForecastEmitsPerEntityAndSystemSignals(t *testing.T) {
	h := newHarness(t)
	e1 := h.event("evt-1", "STEP_COMPLETED", "wf1", "deployer", "pipeline", baseTime, nil)
	m1 := h.metric("met-1", "vm_2", "cpu_percent", 96, baseTime)

	require.NoError(t, h.board.AppendAnomaly(h.cycleID, RoleDetector, contracts.Anomaly{
		AnomalyID: "ano-wf", Type: "WORKFLOW_DELAY", Entity: "wf1",
		Confidence: 0.95, Agent: "workflow_agent",
		EvidenceIDs: []string{e1.EventID}, Timestamp: baseTime,
	}))
	require.NoError(t, h.board.AppendAnomaly(h.cycleID, RoleDetector, contracts.Anomaly{
		AnomalyID: "ano-vm", Type: "SUSTAINED_RESOURCE_CRITICAL", Entity: "vm_2",
		Confidence: 0.90, Agent: "resource_agent",
		EvidenceIDs: []string{m1.MetricID}, Timestamp: baseTime,
	}))

	agent := NewRiskForecastAgent(h.board)
	require.NoError(t, agent.Forecast(context.Background(), h.cycleID, h.snapshot()))

	signals := map[string]contracts.RiskSignal{}
	for _, s := range h.cycle().RiskSignals {
		signals[s.Entity] = s
	}
	require.Len(t, signals, 3)

	assert.Equal(t, contracts.RiskDegraded, signals["wf1"].ProjectedState)
	assert.Equal(t, contracts.RiskDegraded, signals["vm_2"].ProjectedState)

	system := signals["system"]
	assert.Equal(t, contracts.RiskAtRisk, system.ProjectedState)
	assert.Equal(t, "15-30 min", system.TimeHorizon)
	assert.InDelta(t, 0.70, system.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"evt-1", "met-1"}, system.EvidenceIDs)
}

func TestForecastWeighsPolicyViolationsDouble(t *testing.T) {
	h := newHarness(t)
	e1 := h.event("evt-1", "ACCESS_WRITE", "wf1", "svc_bot", "config", baseTime, nil)
	e2 := h.event("evt-2", "APPROVAL_SKIPPED", "wf1", "deployer", "pipeline", baseTime, nil)

	require.NoError(t, h.board.AppendPolicyHit(h.cycleID, RoleCompliance, contracts.PolicyHit{
		HitID: "hit-1", PolicyID: "NO_AFTER_HOURS_WRITE", EventID: e1.EventID,
		ViolationType: contracts.ViolationSilent, Severity: contracts.SeverityHigh,
		EvidenceIDs: []string{e1.EventID}, Timestamp: baseTime,
	}))
	require.NoError(t, h.board.AppendPolicyHit(h.cycleID, RoleCompliance, contracts.PolicyHit{
		HitID: "hit-2", PolicyID: "NO_SKIP_APPROVAL", EventID: e2.EventID,
		ViolationType: contracts.ViolationSilent, Severity: contracts.SeverityCritical,
		EvidenceIDs: []string{e2.EventID}, Timestamp: baseTime,
	}))

	agent := NewRiskForecastAgent(h.board)
	require.NoError(t, agent.Forecast(context.Background(), h.cycleID, h.snapshot()))

	signals := map[string]contracts.RiskSignal{}
	for _, s := range h.cycle().RiskSignals {
		signals[s.Entity] = s
	}

	// Two policy violations weigh 4: VIOLATION with a tighter horizon.
	system := signals["system"]
	assert.Equal(t, contracts.RiskViolation, system.ProjectedState)
	assert.Equal(t, "10-15 min", system.TimeHorizon)
}

func TestForecastNoFindingsNoSignals(t *testing.T) {
	h := newHarness(t)
	agent := NewRiskForecastAgent(h.board)
	require.NoError(t, agent.Forecast(context.Background(), h.cycleID, h.snapshot()))
	assert.Empty(t, h.cycle().RiskSignals)
}

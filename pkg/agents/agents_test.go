package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/observe"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	store   *observe.Store
	board   *blackboard.Blackboard
	cycleID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := observe.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })
	board.WithClock(func() time.Time { return baseTime })

	cycleID := board.StartCycle(map[blackboard.Section]string{
		blackboard.SectionAnomalies:       RoleDetector,
		blackboard.SectionPolicyHits:      RoleCompliance,
		blackboard.SectionRiskSignals:     RoleForecaster,
		blackboard.SectionCausalLinks:     RoleCausal,
		blackboard.SectionSeverityScores:  RoleScorer,
		blackboard.SectionRecommendations: RoleRecommender,
	})

	return &harness{t: t, store: store, board: board, cycleID: cycleID}
}

func (h *harness) event(id, eventType, workflowID, actor, resource string, ts time.Time, meta map[string]interface{}) contracts.Event {
	h.t.Helper()
	e := contracts.Event{
		EventID:    id,
		Type:       eventType,
		WorkflowID: workflowID,
		Actor:      actor,
		Resource:   resource,
		Timestamp:  ts,
		Metadata:   meta,
		ObservedAt: ts,
	}
	require.NoError(h.t, h.store.AppendEvent(e))
	return e
}

func (h *harness) metric(id, resourceID, name string, value float64, ts time.Time) contracts.Metric {
	h.t.Helper()
	m := contracts.Metric{
		MetricID:   id,
		ResourceID: resourceID,
		MetricName: name,
		Value:      value,
		Timestamp:  ts,
		ObservedAt: ts,
	}
	require.NoError(h.t, h.store.AppendMetric(m))
	return m
}

func (h *harness) snapshot() contracts.ObservationSnapshot {
	return h.store.Snapshot(100, 100)
}

func (h *harness) cycle() *contracts.Cycle {
	h.t.Helper()
	c, err := h.board.GetCycle(h.cycleID)
	require.NoError(h.t, err)
	return c
}

package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/agents"
	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/observe"
	"github.com/Mindburn-Labs/cortex/pkg/scoring"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stack struct {
	store *observe.Store
	board *blackboard.Blackboard
	coord *Coordinator
	risk  *scoring.RiskIndexTracker
}

// buildStack wires the full agent roster over a shared store, with a
// fixed clock and sequential cycle IDs so runs are reproducible.
func buildStack(t *testing.T, store *observe.Store) *stack {
	t.Helper()

	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })

	n := 0
	board.WithClock(func() time.Time { return testNow }).
		WithIDSource(func() string {
			n++
			return fmt.Sprintf("cyc-%d", n)
		})

	policies, workflows, err := agents.LoadPolicyPack("")
	require.NoError(t, err)
	compliance, err := agents.NewComplianceAgent(board, policies)
	require.NoError(t, err)

	risk := scoring.NewRiskIndexTracker(0.35, 0.35, 0.30)
	coord, err := New(Options{
		Store: store,
		Board: board,
		Phase1: []agents.Agent{
			agents.NewWorkflowAgent(board, workflows),
			agents.NewResourceAgent(board, nil, 3, 50),
			compliance,
			agents.NewAdaptiveBaselineAgent(board, 10, 0.1, 2.5).WithClock(func() time.Time { return testNow }),
			agents.NewCodeAgent(board),
		},
		Forecast:       agents.NewRiskForecastAgent(board),
		Causal:         agents.NewCausalAgent(board, 60),
		Severity:       scoring.NewSeverityEngine(),
		Recommend:      scoring.NewRecommendationEngine(),
		RiskIndex:      risk,
		Workers:        4,
		Phase1Deadline: 5 * time.Second,
	})
	require.NoError(t, err)
	coord.WithClock(func() time.Time { return testNow })

	return &stack{store: store, board: board, coord: coord, risk: risk}
}

func newStore(t *testing.T) *observe.Store {
	t.Helper()
	store, err := observe.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func feedSustainedCascade(t *testing.T, store *observe.Store) {
	t.Helper()
	values := []float64{72, 88, 93, 95, 96}
	for i, v := range values {
		require.NoError(t, store.AppendMetric(contracts.Metric{
			MetricID:   fmt.Sprintf("met-%d", i+1),
			ResourceID: "vm_2",
			MetricName: "cpu_percent",
			Value:      v,
			Timestamp:  testNow.Add(time.Duration(i) * 10 * time.Second),
			ObservedAt: testNow.Add(time.Duration(i) * 10 * time.Second),
		}))
	}
	require.NoError(t, store.AppendEvent(contracts.Event{
		EventID:    "evt-deploy",
		Type:       "STEP_COMPLETED",
		WorkflowID: "wf9",
		Actor:      "deployer",
		Resource:   "pipeline",
		Timestamp:  testNow.Add(60 * time.Second),
		Metadata:   map[string]interface{}{"step": "DEPLOY", "duration_seconds": 250.0, "sla_seconds": 120.0},
		ObservedAt: testNow.Add(60 * time.Second),
	}))
}

func TestSustainedCPUCascade(t *testing.T) {
	store := newStore(t)
	feedSustainedCascade(t, store)

	s := buildStack(t, store)
	sealed, err := s.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, sealed.Degraded())

	types := map[string]contracts.Anomaly{}
	for _, a := range sealed.Anomalies {
		types[a.Type] = a
	}

	crit, ok := types["SUSTAINED_RESOURCE_CRITICAL"]
	require.True(t, ok)
	assert.InDelta(t, 0.90, crit.Confidence, 1e-9)
	assert.Equal(t, []string{"met-3", "met-4", "met-5"}, crit.EvidenceIDs)

	delay, ok := types["WORKFLOW_DELAY"]
	require.True(t, ok)
	assert.InDelta(t, 0.95, delay.Confidence, 1e-9)

	require.Len(t, sealed.CausalLinks, 1)
	link := sealed.CausalLinks[0]
	assert.Equal(t, "SUSTAINED_RESOURCE_CRITICAL", link.CauseType)
	assert.Equal(t, "WORKFLOW_DELAY", link.EffectType)
	assert.InDelta(t, 20.0, link.TemporalDistance, 1e-9)
	assert.InDelta(t, 0.85*(1-20.0/60*0.3), link.Confidence, 1e-9)

	var system contracts.RiskSignal
	for _, sig := range sealed.RiskSignals {
		if sig.Entity == "system" {
			system = sig
		}
	}
	assert.Equal(t, contracts.RiskAtRisk, system.ProjectedState)

	entry, ok := s.risk.Current()
	require.True(t, ok)
	assert.InDelta(t, 47.0, entry.Components.Resource, 1e-9)
}

func TestSilentComplianceCascade(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.AppendEvent(contracts.Event{
		EventID: "evt-write", Type: "ACCESS_WRITE", Actor: "svc_bot", Resource: "config",
		Timestamp:  time.Date(2026, 3, 1, 2, 17, 0, 0, time.UTC),
		ObservedAt: testNow,
	}))
	require.NoError(t, store.AppendEvent(contracts.Event{
		EventID: "evt-skip", Type: "APPROVAL_SKIPPED", WorkflowID: "wf1", Actor: "deployer", Resource: "pipeline",
		Timestamp:  time.Date(2026, 3, 1, 2, 17, 30, 0, time.UTC),
		ObservedAt: testNow,
	}))

	s := buildStack(t, store)
	sealed, err := s.coord.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, sealed.PolicyHits, 2)
	policyIDs := map[string]contracts.ViolationType{}
	for _, h := range sealed.PolicyHits {
		policyIDs[h.PolicyID] = h.ViolationType
	}
	assert.Equal(t, contracts.ViolationSilent, policyIDs["NO_AFTER_HOURS_WRITE"])
	assert.Equal(t, contracts.ViolationSilent, policyIDs["NO_SKIP_APPROVAL"])

	var system contracts.RiskSignal
	for _, sig := range sealed.RiskSignals {
		if sig.Entity == "system" {
			system = sig
		}
	}
	assert.Equal(t, contracts.RiskViolation, system.ProjectedState)
}

func TestCycleDeterminism(t *testing.T) {
	store := newStore(t)
	feedSustainedCascade(t, store)

	first := buildStack(t, store)
	sealedA, err := first.coord.RunCycle(context.Background())
	require.NoError(t, err)

	second := buildStack(t, store)
	sealedB, err := second.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sealedA.CycleSHA256, sealedB.CycleSHA256)

	payloadA, _, err := first.board.SealedPayload(sealedA.CycleID)
	require.NoError(t, err)
	payloadB, _, err := second.board.SealedPayload(sealedB.CycleID)
	require.NoError(t, err)
	assert.Equal(t, payloadA, payloadB)
}

func TestScoresAndRecommendationsAppended(t *testing.T) {
	store := newStore(t)
	feedSustainedCascade(t, store)

	s := buildStack(t, store)
	sealed, err := s.coord.RunCycle(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, sealed.SeverityScores)
	assert.Len(t, sealed.SeverityScores, len(sealed.Anomalies))
	for _, score := range sealed.SeverityScores {
		assert.GreaterOrEqual(t, score.FinalScore, 0.0)
		assert.LessOrEqual(t, score.FinalScore, 10.0)
	}

	require.NotEmpty(t, sealed.Recommendations)
	actions := map[string]bool{}
	for _, rec := range sealed.Recommendations {
		actions[rec.Action] = true
		assert.NotEmpty(t, rec.EvidenceIDs)
	}
	assert.True(t, actions["Throttle concurrent jobs"])
}

type slowAgent struct{}

func (slowAgent) Name() string { return "slow_agent" }
func (slowAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPhase1DeadlineAnnotatesAndSeals(t *testing.T) {
	store := newStore(t)
	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })

	coord, err := New(Options{
		Store:          store,
		Board:          board,
		Phase1:         []agents.Agent{slowAgent{}},
		Workers:        1,
		Phase1Deadline: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	sealed, err := coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, sealed.Degraded())
	require.Len(t, sealed.Annotations, 1)
	assert.Equal(t, "slow_agent", sealed.Annotations[0].Agent)
	assert.Equal(t, 1, sealed.Annotations[0].Phase)
	assert.Empty(t, sealed.Anomalies)
}

type panickyAgent struct{}

func (panickyAgent) Name() string { return "panicky_agent" }
func (panickyAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	panic("nil map write")
}

func TestPhase1PanicIsConfined(t *testing.T) {
	store := newStore(t)
	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })

	coord, err := New(Options{
		Store:  store,
		Board:  board,
		Phase1: []agents.Agent{panickyAgent{}},
	})
	require.NoError(t, err)

	sealed, err := coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, sealed.Degraded())
}

type evidencelessAgent struct{ board *blackboard.Blackboard }

func (a evidencelessAgent) Name() string { return "evidenceless_agent" }
func (a evidencelessAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	return a.board.AppendAnomaly(cycleID, agents.RoleDetector, contracts.Anomaly{
		AnomalyID: "ano-bare", Type: "WORKFLOW_DELAY", Entity: "wf1",
	})
}

func TestGuardViolationIsNotConfined(t *testing.T) {
	store := newStore(t)
	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })

	coord, err := New(Options{
		Store:  store,
		Board:  board,
		Phase1: []agents.Agent{evidencelessAgent{board: board}},
	})
	require.NoError(t, err)

	assert.PanicsWithError(t,
		"guard violation EvidenceRequired on ano-bare: finding carries no evidence",
		func() {
			_, _ = coord.RunCycle(context.Background())
		})
}

func TestCyclesAreOrderedAndVisiblePrefix(t *testing.T) {
	store := newStore(t)
	feedSustainedCascade(t, store)

	s := buildStack(t, store)
	first, err := s.coord.RunCycle(context.Background())
	require.NoError(t, err)

	// New observation lands after the first cycle's snapshot.
	require.NoError(t, store.AppendEvent(contracts.Event{
		EventID: "evt-late", Type: "STEP_COMPLETED", WorkflowID: "wf9", Actor: "deployer",
		Timestamp:  testNow.Add(2 * time.Minute),
		Metadata:   map[string]interface{}{"step": "VERIFY", "duration_seconds": 200.0, "sla_seconds": 90.0},
		ObservedAt: testNow.Add(2 * time.Minute),
	}))

	second, err := s.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, !second.StartedAt.Before(first.StartedAt))
	assert.Greater(t, len(second.Anomalies), len(first.Anomalies)-1)

	recent := s.board.RecentSealed(2)
	require.Len(t, recent, 2)
	assert.Equal(t, second.CycleID, recent[0].CycleID)
}

type eventWritingAgent struct{ store *observe.Store }

func (a eventWritingAgent) Name() string { return "event_writing_agent" }
func (a eventWritingAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	return a.store.AppendEvent(contracts.Event{
		EventID: "evt-rogue", Type: "STEP_COMPLETED", Actor: "agent",
		Timestamp: testNow, ObservedAt: testNow,
	})
}

func TestAgentEventWriteHalts(t *testing.T) {
	store := newStore(t)
	store.RestrictWrites("ingest_pipeline")

	board, err := blackboard.New(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })

	coord, err := New(Options{
		Store:  store,
		Board:  board,
		Phase1: []agents.Agent{eventWritingAgent{store: store}},
	})
	require.NoError(t, err)

	assert.PanicsWithError(t,
		"guard violation AgentCannotEmitEvents on evt-rogue: append outside the ingest_pipeline write path",
		func() {
			_, _ = coord.RunCycle(context.Background())
		})
}

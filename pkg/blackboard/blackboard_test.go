package blackboard

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

type fakeResolver map[string]bool

func (f fakeResolver) HasRecord(id string) bool { return f[id] }

var defaultOwners = map[Section]string{
	SectionAnomalies:       "workflow-agent",
	SectionPolicyHits:      "compliance-agent",
	SectionRiskSignals:     "forecast-agent",
	SectionCausalLinks:     "causal-agent",
	SectionSeverityScores:  "severity-engine",
	SectionRecommendations: "recommendation-engine",
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestBoard(t *testing.T, resolver EvidenceResolver) *Blackboard {
	t.Helper()
	b, err := New(resolver, "")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b.WithClock(fixedClock()).WithIDSource(seqIDs("cyc"))
}

func anomaly(id string, evidence ...string) contracts.Anomaly {
	return contracts.Anomaly{
		AnomalyID:   id,
		Type:        "WORKFLOW_DELAY",
		Entity:      "wf1",
		Confidence:  0.9,
		Agent:       "workflow-agent",
		EvidenceIDs: evidence,
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndSeal(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})

	id := b.StartCycle(defaultOwners)
	require.NoError(t, b.AppendAnomaly(id, "workflow-agent", anomaly("an-1", "evt-1")))

	sealed, err := b.CompleteCycle(id)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.CycleSHA256)
	assert.NotNil(t, sealed.CompletedAt)
	require.Len(t, sealed.Anomalies, 1)
}

func TestAppendAfterSealFails(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})

	id := b.StartCycle(defaultOwners)
	_, err := b.CompleteCycle(id)
	require.NoError(t, err)

	err = b.AppendAnomaly(id, "workflow-agent", anomaly("an-1", "evt-1"))
	assert.True(t, errors.Is(err, ErrCycleSealed))
}

func TestSectionOwnership(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})
	id := b.StartCycle(defaultOwners)

	err := b.AppendAnomaly(id, "compliance-agent", anomaly("an-1", "evt-1"))
	assert.True(t, errors.Is(err, ErrSectionViolation))
}

func TestEvidenceMustResolve(t *testing.T) {
	b := newTestBoard(t, fakeResolver{})
	id := b.StartCycle(defaultOwners)

	err := b.AppendAnomaly(id, "workflow-agent", anomaly("an-1", "ghost-id"))
	assert.True(t, errors.Is(err, ErrEvidenceUnresolved))
}

func TestEmptyEvidenceIsFatal(t *testing.T) {
	b := newTestBoard(t, fakeResolver{})
	id := b.StartCycle(defaultOwners)

	assert.Panics(t, func() {
		_ = b.AppendAnomaly(id, "workflow-agent", anomaly("an-1"))
	})
}

func TestPriorCycleArtifactAsEvidence(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})

	first := b.StartCycle(defaultOwners)
	require.NoError(t, b.AppendAnomaly(first, "workflow-agent", anomaly("an-1", "evt-1")))
	_, err := b.CompleteCycle(first)
	require.NoError(t, err)

	second := b.StartCycle(defaultOwners)
	err = b.AppendCausalLink(second, "causal-agent", contracts.CausalLink{
		LinkID:      "cl-1",
		CauseType:   "SUSTAINED_RESOURCE_CRITICAL",
		EffectType:  "WORKFLOW_DELAY",
		Confidence:  0.8,
		EvidenceIDs: []string{"an-1"},
	})
	assert.NoError(t, err)
}

func TestSealedPayloadStableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.log")
	resolver := fakeResolver{"evt-1": true}

	b, err := New(resolver, path)
	require.NoError(t, err)
	b.WithClock(fixedClock()).WithIDSource(seqIDs("cyc"))

	id := b.StartCycle(defaultOwners)
	require.NoError(t, b.AppendAnomaly(id, "workflow-agent", anomaly("an-1", "evt-1")))
	_, err = b.CompleteCycle(id)
	require.NoError(t, err)

	payload1, hash1, err := b.SealedPayload(id)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := New(resolver, path)
	require.NoError(t, err)
	defer reopened.Close()

	payload2, hash2, err := reopened.SealedPayload(id)
	require.NoError(t, err)
	assert.Equal(t, payload1, payload2)
	assert.Equal(t, hash1, hash2)
	require.NoError(t, reopened.VerifyAuditTrail())
}

func TestUnknownCycle(t *testing.T) {
	b := newTestBoard(t, fakeResolver{})
	_, err := b.GetCycle("missing")
	assert.True(t, errors.Is(err, ErrCycleNotFound))
}

func TestRecentSealedOrder(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})

	first := b.StartCycle(defaultOwners)
	_, err := b.CompleteCycle(first)
	require.NoError(t, err)

	open := b.StartCycle(defaultOwners)
	_ = open // stays open

	second := b.StartCycle(defaultOwners)
	_, err = b.CompleteCycle(second)
	require.NoError(t, err)

	sealed := b.RecentSealed(5)
	require.Len(t, sealed, 2)
	assert.Equal(t, second, sealed[0].CycleID)
	assert.Equal(t, first, sealed[1].CycleID)
}

func TestConcurrentSectionAppends(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})
	id := b.StartCycle(defaultOwners)

	done := make(chan error, 40)
	for i := 0; i < 20; i++ {
		go func(i int) {
			done <- b.AppendAnomaly(id, "workflow-agent", anomaly(fmt.Sprintf("an-%d", i), "evt-1"))
		}(i)
		go func(i int) {
			done <- b.AppendPolicyHit(id, "compliance-agent", contracts.PolicyHit{
				HitID:       fmt.Sprintf("hit-%d", i),
				PolicyID:    "NO_AFTER_HOURS_WRITE",
				EventID:     "evt-1",
				Severity:    contracts.SeverityHigh,
				EvidenceIDs: []string{"evt-1"},
			})
		}(i)
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, <-done)
	}

	c, err := b.GetCycle(id)
	require.NoError(t, err)
	assert.Len(t, c.Anomalies, 20)
	assert.Len(t, c.PolicyHits, 20)
}

func TestBatchAppendIsAllOrNothing(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})
	id := b.StartCycle(defaultOwners)

	err := b.AppendAnomalies(id, "workflow-agent", []contracts.Anomaly{
		anomaly("an-1", "evt-1"),
		anomaly("an-2", "ghost-id"),
	})
	assert.True(t, errors.Is(err, ErrEvidenceUnresolved))

	cycle, err := b.GetCycle(id)
	require.NoError(t, err)
	assert.Empty(t, cycle.Anomalies)

	require.NoError(t, b.AppendAnomalies(id, "workflow-agent", []contracts.Anomaly{
		anomaly("an-1", "evt-1"),
		anomaly("an-3", "evt-1"),
	}))
	cycle, err = b.GetCycle(id)
	require.NoError(t, err)
	assert.Len(t, cycle.Anomalies, 2)
}

func TestBatchPolicyHitsRespectOwnership(t *testing.T) {
	b := newTestBoard(t, fakeResolver{"evt-1": true})
	id := b.StartCycle(defaultOwners)

	hits := []contracts.PolicyHit{{
		HitID:       "h1",
		PolicyID:    "NO_SKIP_APPROVAL",
		EventID:     "evt-1",
		EvidenceIDs: []string{"evt-1"},
	}}

	err := b.AppendPolicyHits(id, "workflow-agent", hits)
	assert.True(t, errors.Is(err, ErrSectionViolation))

	require.NoError(t, b.AppendPolicyHits(id, "compliance-agent", hits))
	cycle, err := b.GetCycle(id)
	require.NoError(t, err)
	assert.Len(t, cycle.PolicyHits, 1)
}

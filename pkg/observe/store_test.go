package observe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func event(id string, offset time.Duration, typ, wf string) contracts.Event {
	return contracts.Event{
		EventID:    id,
		Type:       typ,
		WorkflowID: wf,
		Actor:      "tester",
		Timestamp:  t0.Add(offset),
		ObservedAt: t0.Add(offset),
	}
}

func metric(id string, offset time.Duration, resource, name string, value float64) contracts.Metric {
	return contracts.Metric{
		MetricID:   id,
		ResourceID: resource,
		MetricName: name,
		Value:      value,
		Timestamp:  t0.Add(offset),
		ObservedAt: t0.Add(offset),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecentEventsReverseChronological(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(event(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, "STEP", "wf1")))
	}

	recent := s.RecentEvents(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "e4", recent[0].EventID)
	assert.Equal(t, "e2", recent[2].EventID)
}

func TestEventWindowFilters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent(event("e1", 0, "STEP", "wf1")))
	require.NoError(t, s.AppendEvent(event("e2", time.Minute, "ACCESS_WRITE", "")))
	require.NoError(t, s.AppendEvent(event("e3", 2*time.Minute, "STEP", "wf2")))
	require.NoError(t, s.AppendEvent(event("e4", time.Hour, "STEP", "wf1")))

	got := s.EventWindow(t0, t0.Add(5*time.Minute), "STEP", "")
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.Equal(t, "e3", got[1].EventID)

	got = s.EventWindow(t0, t0.Add(2*time.Hour), "STEP", "wf1")
	require.Len(t, got, 2)
	assert.Equal(t, "e4", got[1].EventID)
}

func TestMetricWindowFilters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendMetric(metric("m1", 0, "vm_1", "cpu_percent", 42)))
	require.NoError(t, s.AppendMetric(metric("m2", time.Second, "vm_2", "cpu_percent", 88)))
	require.NoError(t, s.AppendMetric(metric("m3", 2*time.Second, "vm_2", "memory_percent", 50)))

	got := s.MetricWindow(t0, t0.Add(time.Minute), "vm_2", "")
	require.Len(t, got, 2)

	got = s.MetricWindow(t0, t0.Add(time.Minute), "vm_2", "cpu_percent")
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].MetricID)
}

func TestSnapshotBounded(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendEvent(event(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, "STEP", "wf1")))
		require.NoError(t, s.AppendMetric(metric(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second, "vm_1", "cpu_percent", float64(i))))
	}

	snap := s.Snapshot(4, 2)
	require.Len(t, snap.Events, 4)
	require.Len(t, snap.Metrics, 2)
	// Oldest first, most recent retained.
	assert.Equal(t, "e6", snap.Events[0].EventID)
	assert.Equal(t, "m9", snap.Metrics[1].MetricID)
}

func TestSnapshotBoundary(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent(event("e1", 0, "STEP", "wf1")))
	snap := s.Snapshot(100, 100)

	// Data appended after the snapshot is not visible in it.
	require.NoError(t, s.AppendEvent(event("e2", time.Second, "STEP", "wf1")))
	assert.Len(t, snap.Events, 1)
}

func TestHasRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent(event("e1", 0, "STEP", "wf1")))
	require.NoError(t, s.AppendMetric(metric("m1", 0, "vm_1", "cpu_percent", 1)))

	assert.True(t, s.HasRecord("e1"))
	assert.True(t, s.HasRecord("m1"))
	assert.False(t, s.HasRecord("nope"))
}

func TestCrashRecoveryReplaysLogs(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(event("e1", 0, "STEP", "wf1")))
	require.NoError(t, s.AppendMetric(metric("m1", 0, "vm_1", "cpu_percent", 70)))
	require.NoError(t, s.Close())

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	events, metrics := reopened.Counts()
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, metrics)
	assert.True(t, reopened.HasRecord("e1"))
	require.NoError(t, reopened.Verify())
}

func TestRestrictedStoreRejectsDirectAppend(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent(event("evt-1", 0, "STEP_COMPLETED", "wf1")))

	w := s.RestrictWrites("ingest_pipeline")
	require.NoError(t, w.AppendEvent(event("evt-2", time.Minute, "STEP_COMPLETED", "wf1")))
	require.NoError(t, w.AppendMetric(metric("met-1", time.Minute, "vm_1", "cpu_percent", 50)))

	assert.PanicsWithError(t,
		"guard violation AgentCannotEmitEvents on evt-3: append outside the ingest_pipeline write path",
		func() { _ = s.AppendEvent(event("evt-3", 2*time.Minute, "STEP_COMPLETED", "wf1")) })
	assert.PanicsWithError(t,
		"guard violation AgentCannotEmitEvents on met-2: append outside the ingest_pipeline write path",
		func() { _ = s.AppendMetric(metric("met-2", 2*time.Minute, "vm_1", "cpu_percent", 51)) })

	events, metrics := s.Counts()
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, metrics)
}

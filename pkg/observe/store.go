// Package observe implements the append-only observation store: the
// single owner of raw Event and Metric records.
//
// Writes come exclusively from the ingestion pipeline. Records are
// ordered per partition by observed_at (ties broken by insertion
// order), reads are monotonic, and crash recovery replays the
// persistent logs.
package observe

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/guards"
	"github.com/Mindburn-Labs/cortex/pkg/storelog"
)

// Store owns the event and metric partitions.
type Store struct {
	mu      sync.RWMutex
	events  []contracts.Event
	metrics []contracts.Metric
	ids     map[string]struct{}

	// writeOwner, once set, names the sole component allowed to append.
	writeOwner string

	eventLog  *storelog.Log
	metricLog *storelog.Log
}

// Writer is the append capability returned by RestrictWrites. Once the
// store is restricted, appends land only through its Writer; the
// ingestion pipeline holds it, and nothing else can manufacture one.
type Writer struct {
	s *Store
}

// AppendEvent durably appends an event through the write authority.
func (w *Writer) AppendEvent(e contracts.Event) error {
	return w.s.appendEvent(e)
}

// AppendMetric durably appends a metric through the write authority.
func (w *Writer) AppendMetric(m contracts.Metric) error {
	return w.s.appendMetric(m)
}

// RestrictWrites names owner as the only writer and returns its append
// capability. After this call a direct Store.AppendEvent or
// Store.AppendMetric is a fatal guard violation: reasoning code must
// never emit raw facts.
func (s *Store) RestrictWrites(owner string) *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeOwner = owner
	return &Writer{s: s}
}

func (s *Store) checkWriteAuthority(id string) {
	s.mu.RLock()
	owner := s.writeOwner
	s.mu.RUnlock()
	if owner != "" {
		guards.Fail(guards.KindAgentCannotEmitEvents, id,
			fmt.Sprintf("append outside the %s write path", owner))
	}
}

// NewStore opens the store under dir, replaying events.log and
// metrics.log to rebuild the in-memory index. An empty dir keeps the
// store memory-only.
func NewStore(dir string) (*Store, error) {
	s := &Store{ids: make(map[string]struct{})}

	eventPath, metricPath := "", ""
	if dir != "" {
		eventPath = filepath.Join(dir, "events.log")
		metricPath = filepath.Join(dir, "metrics.log")
	}

	var err error
	if s.eventLog, err = storelog.Open(eventPath); err != nil {
		return nil, fmt.Errorf("observe: open event log: %w", err)
	}
	if s.metricLog, err = storelog.Open(metricPath); err != nil {
		s.eventLog.Close()
		return nil, fmt.Errorf("observe: open metric log: %w", err)
	}

	if err := replay(s.eventLog, &s.events); err != nil {
		s.Close()
		return nil, err
	}
	if err := replay(s.metricLog, &s.metrics); err != nil {
		s.Close()
		return nil, err
	}
	for i := range s.events {
		s.ids[s.events[i].EventID] = struct{}{}
	}
	for i := range s.metrics {
		s.ids[s.metrics[i].MetricID] = struct{}{}
	}
	return s, nil
}

func unmarshalPayload(e *storelog.Entry, into interface{}) error {
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("observe: decode %s entry %d: %w", e.EntryType, e.Sequence, err)
	}
	return nil
}

func replay[T any](log *storelog.Log, into *[]T) error {
	var failed error
	log.Range(1, uint64(log.Length()), func(e *storelog.Entry) bool {
		var rec T
		if err := unmarshalPayload(e, &rec); err != nil {
			failed = err
			return false
		}
		*into = append(*into, rec)
		return true
	})
	return failed
}

// AppendEvent durably appends an event. The write is on disk before
// this returns. On a restricted store this halts; use the Writer.
func (s *Store) AppendEvent(e contracts.Event) error {
	s.checkWriteAuthority(e.EventID)
	return s.appendEvent(e)
}

// AppendMetric durably appends a metric. On a restricted store this
// halts; use the Writer.
func (s *Store) AppendMetric(m contracts.Metric) error {
	s.checkWriteAuthority(m.MetricID)
	return s.appendMetric(m)
}

func (s *Store) appendEvent(e contracts.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.eventLog.Append("EVENT", e); err != nil {
		return fmt.Errorf("observe: append event: %w", err)
	}
	s.events = append(s.events, e)
	s.ids[e.EventID] = struct{}{}
	return nil
}

func (s *Store) appendMetric(m contracts.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.metricLog.Append("METRIC", m); err != nil {
		return fmt.Errorf("observe: append metric: %w", err)
	}
	s.metrics = append(s.metrics, m)
	s.ids[m.MetricID] = struct{}{}
	return nil
}

// RecentEvents returns the most recent limit events, newest first.
func (s *Store) RecentEvents(limit int) []contracts.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit > n {
		limit = n
	}
	out := make([]contracts.Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

// RecentMetrics returns the most recent limit metrics, newest first.
func (s *Store) RecentMetrics(limit int) []contracts.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.metrics)
	if limit > n {
		limit = n
	}
	out := make([]contracts.Metric, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.metrics[i])
	}
	return out
}

// EventWindow returns events with observed_at in [from, to], oldest
// first, optionally filtered by type and workflow ID. Empty filter
// strings match everything.
func (s *Store) EventWindow(from, to time.Time, eventType, workflowID string) []contracts.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].ObservedAt.Before(from)
	})

	var out []contracts.Event
	for i := start; i < len(s.events); i++ {
		e := s.events[i]
		if e.ObservedAt.After(to) {
			break
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// MetricWindow returns metrics with observed_at in [from, to], oldest
// first, optionally filtered by resource ID and metric name.
func (s *Store) MetricWindow(from, to time.Time, resourceID, metricName string) []contracts.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.metrics), func(i int) bool {
		return !s.metrics[i].ObservedAt.Before(from)
	})

	var out []contracts.Metric
	for i := start; i < len(s.metrics); i++ {
		m := s.metrics[i]
		if m.ObservedAt.After(to) {
			break
		}
		if resourceID != "" && m.ResourceID != resourceID {
			continue
		}
		if metricName != "" && m.MetricName != metricName {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Snapshot takes the consistent read handed to a reasoning cycle: the
// bounded most-recent events and metrics, oldest first, under one lock
// acquisition so the two partitions agree on a boundary.
func (s *Store) Snapshot(eventLimit, metricLimit int) contracts.ObservationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := contracts.ObservationSnapshot{TakenAt: time.Now().UTC()}

	ei := len(s.events) - eventLimit
	if ei < 0 {
		ei = 0
	}
	snap.Events = append(snap.Events, s.events[ei:]...)

	mi := len(s.metrics) - metricLimit
	if mi < 0 {
		mi = 0
	}
	snap.Metrics = append(snap.Metrics, s.metrics[mi:]...)

	return snap
}

// HasRecord reports whether id names a stored event or metric. The
// blackboard uses this to resolve evidence references.
func (s *Store) HasRecord(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Counts returns stored event and metric totals.
func (s *Store) Counts() (events, metrics int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), len(s.metrics)
}

// Verify checks both log chains.
func (s *Store) Verify() error {
	if err := s.eventLog.Verify(); err != nil {
		return err
	}
	return s.metricLog.Verify()
}

// Close releases the underlying logs.
func (s *Store) Close() error {
	var first error
	if err := s.eventLog.Close(); err != nil {
		first = err
	}
	if err := s.metricLog.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

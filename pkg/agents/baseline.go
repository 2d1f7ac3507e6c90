package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

const stddevEpsilon = 1e-6

// AdaptiveBaselineAgent maintains a rolling statistical profile per
// (entity, metric) pair and flags samples that deviate from it.
//
// A profile is inactive until it has MinSamples; inactive profiles
// absorb every sample and emit nothing. Once active, a sample beyond
// the deviation threshold produces a BASELINE_DEVIATION and is NOT
// folded into the profile, so an outlier cannot drag the baseline
// toward itself. In-range samples update the profile by exponential
// moving average.
type AdaptiveBaselineAgent struct {
	board              *blackboard.Blackboard
	minSamples         int
	adaptationRate     float64
	deviationThreshold float64

	mu       sync.Mutex
	profiles map[string]*baselineEntry
	seen     map[string]struct{} // metric IDs already folded in
	clock    func() time.Time
}

type baselineEntry struct {
	mu      sync.Mutex
	profile contracts.BaselineProfile
	m2      float64 // warmup variance accumulator (Welford)
}

func NewAdaptiveBaselineAgent(board *blackboard.Blackboard, minSamples int, adaptationRate, deviationThreshold float64) *AdaptiveBaselineAgent {
	if minSamples <= 0 {
		minSamples = 10
	}
	if adaptationRate <= 0 {
		adaptationRate = 0.1
	}
	if deviationThreshold <= 0 {
		deviationThreshold = 2.5
	}
	return &AdaptiveBaselineAgent{
		board:              board,
		minSamples:         minSamples,
		adaptationRate:     adaptationRate,
		deviationThreshold: deviationThreshold,
		profiles:           make(map[string]*baselineEntry),
		seen:               make(map[string]struct{}),
		clock:              time.Now,
	}
}

// WithClock overrides profile timestamps for deterministic tests.
func (a *AdaptiveBaselineAgent) WithClock(clock func() time.Time) *AdaptiveBaselineAgent {
	a.clock = clock
	return a
}

func (a *AdaptiveBaselineAgent) Name() string { return "baseline_agent" }

func (a *AdaptiveBaselineAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	samples := make([]contracts.Metric, 0, len(snap.Metrics))
	a.mu.Lock()
	for _, m := range snap.Metrics {
		if _, done := a.seen[m.MetricID]; done {
			continue
		}
		a.seen[m.MetricID] = struct{}{}
		samples = append(samples, m)
	}
	a.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	var findings []contracts.Anomaly
	for i := range samples {
		if f := a.observe(&samples[i]); f != nil {
			findings = append(findings, *f)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.board.AppendAnomalies(cycleID, RoleDetector, findings)
}

func (a *AdaptiveBaselineAgent) entryFor(entity, metricName string) *baselineEntry {
	key := entity + "\x00" + metricName
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.profiles[key]
	if !ok {
		e = &baselineEntry{profile: contracts.BaselineProfile{Entity: entity, MetricName: metricName}}
		a.profiles[key] = e
	}
	return e
}

// observe feeds one sample into its profile and returns a deviation
// finding when the active baseline rejects it.
func (a *AdaptiveBaselineAgent) observe(m *contracts.Metric) *contracts.Anomaly {
	e := a.entryFor(m.ResourceID, m.MetricName)
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.profile
	if p.SampleCount < a.minSamples {
		// Warmup: accumulate running mean and variance.
		p.SampleCount++
		delta := m.Value - p.Mean
		p.Mean += delta / float64(p.SampleCount)
		e.m2 += delta * (m.Value - p.Mean)
		p.Variance = e.m2 / float64(p.SampleCount)
		p.UpdatedAt = a.clock().UTC()
		return nil
	}

	stddev := math.Sqrt(p.Variance)
	z := (m.Value - p.Mean) / math.Max(stddev, stddevEpsilon)

	if math.Abs(z) > a.deviationThreshold {
		// Deviant sample: report, do not update.
		return &contracts.Anomaly{
			AnomalyID:   deriveID("ano", "BASELINE_DEVIATION", m.ResourceID, m.MetricName, m.MetricID),
			Type:        "BASELINE_DEVIATION",
			Entity:      m.ResourceID,
			Confidence:  min2(0.90, 0.65+0.05*(math.Abs(z)-a.deviationThreshold)),
			Agent:       a.Name(),
			EvidenceIDs: []string{m.MetricID},
			Description: fmt.Sprintf("%s on %s at %.1f deviates %.1f sigma from baseline %.1f",
				m.MetricName, m.ResourceID, m.Value, math.Abs(z), p.Mean),
			Metadata:  map[string]interface{}{"z_score": z, "baseline_mean": p.Mean, "baseline_stddev": stddev},
			Timestamp: m.Timestamp,
		}
	}

	alpha := a.adaptationRate
	delta := m.Value - p.Mean
	p.Mean = (1-alpha)*p.Mean + alpha*m.Value
	p.Variance = (1-alpha)*p.Variance + alpha*delta*delta
	p.SampleCount++
	p.UpdatedAt = a.clock().UTC()
	return nil
}

// Profile returns a copy of the profile for one (entity, metric) pair.
func (a *AdaptiveBaselineAgent) Profile(entity, metricName string) (contracts.BaselineProfile, bool) {
	a.mu.Lock()
	e, ok := a.profiles[entity+"\x00"+metricName]
	a.mu.Unlock()
	if !ok {
		return contracts.BaselineProfile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, true
}

// Snapshot returns every profile, sorted for stable output.
func (a *AdaptiveBaselineAgent) Snapshot() []contracts.BaselineProfile {
	a.mu.Lock()
	entries := make([]*baselineEntry, 0, len(a.profiles))
	for _, e := range a.profiles {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	out := make([]contracts.BaselineProfile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.profile)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out
}

// SaveSnapshot persists every profile as JSON. Called periodically and
// on shutdown.
func (a *AdaptiveBaselineAgent) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("baseline: write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores profiles from a prior SaveSnapshot. A missing
// file is not an error; the agent simply starts cold.
func (a *AdaptiveBaselineAgent) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("baseline: read snapshot: %w", err)
	}
	var profiles []contracts.BaselineProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("baseline: decode snapshot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range profiles {
		key := p.Entity + "\x00" + p.MetricName
		a.profiles[key] = &baselineEntry{
			profile: p,
			m2:      p.Variance * float64(p.SampleCount),
		}
	}
	return nil
}

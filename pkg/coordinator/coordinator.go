// Package coordinator drives reasoning cycles: snapshot, parallel
// detection, sequential forecast and causal phases, scoring, seal.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/agents"
	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/guards"
	"github.com/Mindburn-Labs/cortex/pkg/scoring"
)

// SnapshotSource provides the consistent observation read a cycle
// starts from. The observation store implements this.
type SnapshotSource interface {
	Snapshot(eventLimit, metricLimit int) contracts.ObservationSnapshot
}

// Options wires a coordinator.
type Options struct {
	Store    SnapshotSource
	Board    *blackboard.Blackboard
	Phase1   []agents.Agent
	Forecast *agents.RiskForecastAgent
	Causal   *agents.CausalAgent

	Severity  *scoring.SeverityEngine
	Recommend *scoring.RecommendationEngine
	RiskIndex *scoring.RiskIndexTracker

	Workers        int
	Phase1Deadline time.Duration
	EventLimit     int
	MetricLimit    int

	// OnComplete fires after each seal; external collaborators hook
	// notifications here.
	OnComplete func(*contracts.Cycle)

	Logger *slog.Logger
}

// Coordinator runs one cycle at a time. Ingestion proceeds concurrently;
// the two meet only at the observation store.
type Coordinator struct {
	opts  Options
	mu    sync.Mutex
	clock func() time.Time
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Board == nil {
		return nil, errors.New("coordinator: store and board are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Phase1Deadline <= 0 {
		opts.Phase1Deadline = 5 * time.Second
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = 100
	}
	if opts.MetricLimit <= 0 {
		opts.MetricLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{opts: opts, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Owners is the section ownership map every cycle starts with.
func Owners() map[blackboard.Section]string {
	return map[blackboard.Section]string{
		blackboard.SectionAnomalies:       agents.RoleDetector,
		blackboard.SectionPolicyHits:      agents.RoleCompliance,
		blackboard.SectionRiskSignals:     agents.RoleForecaster,
		blackboard.SectionCausalLinks:     agents.RoleCausal,
		blackboard.SectionSeverityScores:  agents.RoleScorer,
		blackboard.SectionRecommendations: agents.RoleRecommender,
	}
}

// RunCycle executes one full reasoning pass and returns the sealed
// cycle. Agent failures degrade the cycle; they never abort it.
func (c *Coordinator) RunCycle(ctx context.Context) (*contracts.Cycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.clock()
	snap := c.opts.Store.Snapshot(c.opts.EventLimit, c.opts.MetricLimit)
	cycleID := c.opts.Board.StartCycle(Owners())

	c.runPhase1(ctx, cycleID, snap)

	// Phase 2: forecast. A failure seals the cycle with the section
	// empty and a recorded marker.
	if c.opts.Forecast != nil {
		if err := c.opts.Forecast.Forecast(ctx, cycleID, snap); err != nil {
			c.annotate(cycleID, c.opts.Forecast.Name(), 2, err)
		}
	}

	// Phase 3: causal inference.
	if c.opts.Causal != nil {
		if err := c.opts.Causal.Infer(ctx, cycleID); err != nil {
			c.annotate(cycleID, c.opts.Causal.Name(), 3, err)
		}
	}

	// Scoring and recommendations run on the assembled cycle.
	if err := c.score(cycleID); err != nil {
		c.annotate(cycleID, "severity_engine", 4, err)
	}

	sealed, err := c.opts.Board.CompleteCycle(cycleID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: seal cycle %s: %w", cycleID, err)
	}

	if c.opts.RiskIndex != nil {
		entry := c.opts.RiskIndex.Update(sealed)
		c.opts.Logger.Info("cycle sealed",
			"cycle_id", sealed.CycleID,
			"duration", c.clock().Sub(started).String(),
			"anomalies", len(sealed.Anomalies),
			"policy_hits", len(sealed.PolicyHits),
			"risk_score", entry.Score,
			"risk_band", entry.Band,
			"degraded", sealed.Degraded(),
		)
	}

	if c.opts.OnComplete != nil {
		c.opts.OnComplete(sealed)
	}
	return sealed, nil
}

// runPhase1 fans the detection agents over a bounded worker pool and
// waits at the barrier. Each agent gets its own deadline; a late or
// failing agent costs an annotation, not the cycle. A guard violation
// is captured in the worker and re-raised on the cycle goroutine after
// the barrier, so it halts the process instead of dying with a worker.
func (c *Coordinator) runPhase1(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) {
	jobs := make(chan agents.Agent)
	var wg sync.WaitGroup

	var (
		vmu       sync.Mutex
		violation *guards.Violation
	)

	workers := c.opts.Workers
	if workers > len(c.opts.Phase1) && len(c.opts.Phase1) > 0 {
		workers = len(c.opts.Phase1)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agent := range jobs {
				err := c.runAgent(ctx, cycleID, agent, snap)
				if err == nil {
					continue
				}
				var v *guards.Violation
				if errors.As(err, &v) {
					vmu.Lock()
					if violation == nil {
						violation = v
					}
					vmu.Unlock()
					continue
				}
				c.annotate(cycleID, agent.Name(), 1, err)
			}
		}()
	}
	for _, a := range c.opts.Phase1 {
		jobs <- a
	}
	close(jobs)
	wg.Wait()

	if violation != nil {
		panic(violation)
	}
}

func (c *Coordinator) runAgent(ctx context.Context, cycleID string, agent agents.Agent, snap contracts.ObservationSnapshot) (err error) {
	agentCtx, cancel := context.WithTimeout(ctx, c.opts.Phase1Deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			// Guard violations are fatal and must not be swallowed;
			// hand them back for the barrier to re-raise.
			var v *guards.Violation
			if e, ok := r.(error); ok && errors.As(e, &v) {
				err = v
				return
			}
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return agent.Detect(agentCtx, cycleID, snap)
}

func (c *Coordinator) annotate(cycleID, agent string, phase int, err error) {
	c.opts.Logger.Warn("agent failed", "cycle_id", cycleID, "agent", agent, "phase", phase, "error", err)
	if annErr := c.opts.Board.Annotate(cycleID, contracts.CycleAnnotation{
		Agent:    agent,
		Phase:    phase,
		Failure:  err.Error(),
		Recorded: c.clock().UTC(),
	}); annErr != nil {
		c.opts.Logger.Error("annotation failed", "cycle_id", cycleID, "error", annErr)
	}
}

// score runs the severity engine over every finding and the
// recommendation engine over every scored finding.
func (c *Coordinator) score(cycleID string) error {
	if c.opts.Severity == nil {
		return nil
	}
	cycle, err := c.opts.Board.GetCycle(cycleID)
	if err != nil {
		return err
	}

	type scored struct {
		score   contracts.SeverityScore
		factors scoring.ContextFactors
	}
	byTarget := make(map[string]scored)

	for i := range cycle.Anomalies {
		a := &cycle.Anomalies[i]
		factors := scoring.FactorsFor(a.Entity, a.Metadata)
		s := c.opts.Severity.ScoreAnomaly(a, factors)
		if err := c.opts.Board.AppendSeverityScore(cycleID, agents.RoleScorer, s); err != nil {
			return err
		}
		byTarget[a.AnomalyID] = scored{s, factors}
	}
	for i := range cycle.PolicyHits {
		h := &cycle.PolicyHits[i]
		factors := scoring.FactorsFor(h.PolicyID, nil)
		s := c.opts.Severity.ScorePolicyHit(h, factors)
		if err := c.opts.Board.AppendSeverityScore(cycleID, agents.RoleScorer, s); err != nil {
			return err
		}
		byTarget[h.HitID] = scored{s, factors}
	}

	if c.opts.Recommend == nil {
		return nil
	}
	for i := range cycle.Anomalies {
		a := &cycle.Anomalies[i]
		sc := byTarget[a.AnomalyID]
		if rec := c.opts.Recommend.ForAnomaly(a, sc.score.FinalScore, sc.factors); rec != nil {
			if err := c.opts.Board.AppendRecommendation(cycleID, agents.RoleRecommender, *rec); err != nil {
				return err
			}
		}
	}
	for i := range cycle.PolicyHits {
		h := &cycle.PolicyHits[i]
		sc := byTarget[h.HitID]
		if rec := c.opts.Recommend.ForPolicyHit(h, sc.score.FinalScore, sc.factors); rec != nil {
			if err := c.opts.Board.AppendRecommendation(cycleID, agents.RoleRecommender, *rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPeriodic ticks cycles at the interval until the context ends.
func (c *Coordinator) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				c.opts.Logger.Error("periodic cycle failed", "error", err)
			}
		}
	}
}

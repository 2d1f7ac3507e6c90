package agents

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// RiskForecastAgent projects a near-term risk state per entity from the
// cycle's detection output. Runs after the phase-1 barrier, so the
// anomalies and policy hits it reads are exactly the cycle's final set.
type RiskForecastAgent struct {
	board *blackboard.Blackboard
}

func NewRiskForecastAgent(board *blackboard.Blackboard) *RiskForecastAgent {
	return &RiskForecastAgent{board: board}
}

func (a *RiskForecastAgent) Name() string { return "risk_forecast_agent" }

type entityTally struct {
	anomalies int
	policies  int
	evidence  []string
}

// Forecast appends one RiskSignal per affected entity.
func (a *RiskForecastAgent) Forecast(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	cycle, err := a.board.GetCycle(cycleID)
	if err != nil {
		return err
	}

	eventEntity := make(map[string]string, len(snap.Events))
	for _, e := range snap.Events {
		eventEntity[e.EventID] = entityOfEvent(&e)
	}

	tallies := make(map[string]*entityTally)
	tally := func(entity string) *entityTally {
		t, ok := tallies[entity]
		if !ok {
			t = &entityTally{}
			tallies[entity] = t
		}
		return t
	}

	for _, an := range cycle.Anomalies {
		t := tally(an.Entity)
		t.anomalies++
		t.evidence = append(t.evidence, an.EvidenceIDs...)
	}
	for _, hit := range cycle.PolicyHits {
		entity := eventEntity[hit.EventID]
		if entity == "" {
			entity = "compliance"
		}
		t := tally(entity)
		t.policies++
		t.evidence = append(t.evidence, hit.EvidenceIDs...)
	}

	// Aggregate signal across every finding in the cycle. Per-entity
	// signals localize risk; the system signal is what /risk/current
	// reports.
	if len(tallies) > 0 {
		system := &entityTally{}
		for _, t := range tallies {
			system.anomalies += t.anomalies
			system.policies += t.policies
			system.evidence = append(system.evidence, t.evidence...)
		}
		tallies["system"] = system
	}

	previous := a.previousStates()

	entities := make([]string, 0, len(tallies))
	for e := range tallies {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entity := range entities {
		t := tallies[entity]
		signal := contracts.RiskSignal{
			Entity:         entity,
			CurrentState:   previous[entity],
			ProjectedState: projectState(t.anomalies, t.policies),
			Confidence:     forecastConfidence(t.anomalies, t.policies),
			TimeHorizon:    timeHorizon(t.anomalies + 2*t.policies),
			EvidenceIDs:    dedupe(t.evidence),
		}
		if signal.CurrentState == "" {
			signal.CurrentState = contracts.RiskNormal
		}
		if err := a.board.AppendRiskSignal(cycleID, RoleForecaster, signal); err != nil {
			return fmt.Errorf("forecast: append signal for %s: %w", entity, err)
		}
	}
	return nil
}

// previousStates maps entity to the projection of the last sealed
// cycle, which becomes this cycle's current state.
func (a *RiskForecastAgent) previousStates() map[string]contracts.RiskState {
	out := make(map[string]contracts.RiskState)
	for _, c := range a.board.RecentSealed(1) {
		for _, s := range c.RiskSignals {
			out[s.Entity] = s.ProjectedState
		}
	}
	return out
}

// projectState maps weighted issue counts to a risk state. Policy
// violations weigh double.
func projectState(anomalies, policies int) contracts.RiskState {
	total := anomalies + 2*policies
	switch {
	case total == 0:
		return contracts.RiskNormal
	case total == 1:
		return contracts.RiskDegraded
	case total <= 3:
		return contracts.RiskAtRisk
	case total <= 5:
		return contracts.RiskViolation
	default:
		return contracts.RiskIncident
	}
}

func timeHorizon(total int) string {
	switch {
	case total <= 2:
		return "15-30 min"
	case total <= 4:
		return "10-15 min"
	default:
		return "5-10 min"
	}
}

func forecastConfidence(anomalies, policies int) float64 {
	return min2(0.95, 0.50+min2(0.30, 0.1*float64(anomalies))+min2(0.20, 0.1*float64(policies)))
}

func entityOfEvent(e *contracts.Event) string {
	switch {
	case e.WorkflowID != "":
		return e.WorkflowID
	case e.Resource != "":
		return e.Resource
	default:
		return e.Actor
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

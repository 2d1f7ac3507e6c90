package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// causalPattern is one known cause-effect relationship and its base
// confidence before temporal decay.
type causalPattern struct {
	cause  string
	effect string
	base   float64
}

var causalPatterns = []causalPattern{
	{"SUSTAINED_RESOURCE_CRITICAL", "WORKFLOW_DELAY", 0.85},
	{"SUSTAINED_RESOURCE_WARNING", "WORKFLOW_DELAY", 0.70},
	{"RESOURCE_DRIFT", "WORKFLOW_DELAY", 0.60},
	{"MISSING_STEP", "SILENT", 0.90},
	{"SEQUENCE_VIOLATION", "AT_RISK", 0.75},
}

// CausalAgent links effects observed in a cycle back to causes that
// preceded them within the temporal window. Confidence decays with
// temporal distance; a cause right before its effect is more credible
// than one near the window edge.
type CausalAgent struct {
	board         *blackboard.Blackboard
	windowSeconds float64
}

func NewCausalAgent(board *blackboard.Blackboard, windowSeconds float64) *CausalAgent {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &CausalAgent{board: board, windowSeconds: windowSeconds}
}

func (a *CausalAgent) Name() string { return "causal_agent" }

type causeCandidate struct {
	anomalyType string
	timestamp   time.Time
	evidence    []string
}

type effectCandidate struct {
	effectType string
	subject    string
	timestamp  time.Time
	evidence   []string
}

// Infer appends one CausalLink per effect that matches a known pattern.
func (a *CausalAgent) Infer(ctx context.Context, cycleID string) error {
	cycle, err := a.board.GetCycle(cycleID)
	if err != nil {
		return err
	}

	var causes []causeCandidate
	var effects []effectCandidate

	for _, an := range cycle.Anomalies {
		causes = append(causes, causeCandidate{an.Type, an.Timestamp, an.EvidenceIDs})
		if an.Type == "WORKFLOW_DELAY" {
			effects = append(effects, effectCandidate{"WORKFLOW_DELAY", an.AnomalyID, an.Timestamp, an.EvidenceIDs})
		}
	}
	for _, hit := range cycle.PolicyHits {
		if hit.ViolationType == contracts.ViolationSilent {
			effects = append(effects, effectCandidate{"SILENT", hit.HitID, hit.Timestamp, hit.EvidenceIDs})
		}
	}
	for _, sig := range cycle.RiskSignals {
		if sig.ProjectedState == contracts.RiskAtRisk {
			// Risk signals have no observation timestamp of their own;
			// the projection exists as of cycle start.
			effects = append(effects, effectCandidate{"AT_RISK", "risk:" + sig.Entity, cycle.StartedAt, sig.EvidenceIDs})
		}
	}

	sort.Slice(effects, func(i, j int) bool { return effects[i].subject < effects[j].subject })

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, effect := range effects {
		link := a.bestLink(causes, effect)
		if link == nil {
			continue
		}
		if err := a.board.AppendCausalLink(cycleID, RoleCausal, *link); err != nil {
			return fmt.Errorf("causal: append link for %s: %w", effect.subject, err)
		}
	}
	return nil
}

// bestLink picks the strongest pattern match for one effect: highest
// decayed confidence, ties broken by smaller temporal distance.
func (a *CausalAgent) bestLink(causes []causeCandidate, effect effectCandidate) *contracts.CausalLink {
	var best *contracts.CausalLink
	for _, p := range causalPatterns {
		if p.effect != effect.effectType {
			continue
		}
		for _, cause := range causes {
			if cause.anomalyType != p.cause {
				continue
			}
			dt := effect.timestamp.Sub(cause.timestamp).Seconds()
			if dt <= 0 || dt > a.windowSeconds {
				continue
			}
			conf := p.base * (1 - dt/60*0.3)
			if best != nil && (conf < best.Confidence ||
				(conf == best.Confidence && dt >= best.TemporalDistance)) {
				continue
			}
			link := contracts.CausalLink{
				LinkID:           deriveID("lnk", p.cause, p.effect, effect.subject, dt),
				CauseType:        p.cause,
				EffectType:       p.effect,
				Confidence:       conf,
				TemporalDistance: dt,
				Reasoning: fmt.Sprintf("%s observed %.1fs before %s within the %.0fs causal window",
					p.cause, dt, p.effect, a.windowSeconds),
				EvidenceIDs: dedupe(append(append([]string{}, cause.evidence...), effect.evidence...)),
			}
			best = &link
		}
	}
	return best
}

package agents

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// ComplianceAgent evaluates every snapshot event against the compiled
// policy predicates. Predicates are CEL expressions over event
// attributes; they are compiled once at construction and a compile
// failure is a startup error, never a runtime one.
type ComplianceAgent struct {
	board    *blackboard.Blackboard
	policies []compiledPolicy
}

type compiledPolicy struct {
	policy  contracts.Policy
	program cel.Program
}

func NewComplianceAgent(board *blackboard.Blackboard, policies []contracts.Policy) (*ComplianceAgent, error) {
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("workflow_id", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("compliance: cel environment: %w", err)
	}

	a := &ComplianceAgent{board: board}
	for _, p := range policies {
		ast, issues := env.Compile(p.Predicate)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compliance: compile policy %s: %w", p.PolicyID, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("compliance: program policy %s: %w", p.PolicyID, err)
		}
		a.policies = append(a.policies, compiledPolicy{policy: p, program: prg})
	}
	return a, nil
}

func (a *ComplianceAgent) Name() string { return "compliance_agent" }

// Policies returns the loaded policy set, for reporting.
func (a *ComplianceAgent) Policies() []contracts.Policy {
	out := make([]contracts.Policy, len(a.policies))
	for i := range a.policies {
		out[i] = a.policies[i].policy
	}
	return out
}

func (a *ComplianceAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	seen := make(map[string]bool) // (policy_id, event_id) dedupe
	var hits []contracts.PolicyHit

	for _, e := range snap.Events {
		input := activationFor(&e)
		for _, cp := range a.policies {
			dedupeKey := cp.policy.PolicyID + "\x00" + e.EventID
			if seen[dedupeKey] {
				continue
			}
			matched, err := evalPredicate(cp.program, input)
			if err != nil {
				// A predicate that errors on one event (missing metadata
				// key, type mismatch) does not match that event.
				continue
			}
			if !matched {
				continue
			}
			seen[dedupeKey] = true
			hits = append(hits, contracts.PolicyHit{
				HitID:         deriveID("hit", cp.policy.PolicyID, e.EventID),
				PolicyID:      cp.policy.PolicyID,
				EventID:       e.EventID,
				ViolationType: violationTypeFor(&e),
				Severity:      cp.policy.Severity,
				EvidenceIDs:   []string{e.EventID},
				Timestamp:     e.Timestamp,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.board.AppendPolicyHits(cycleID, RoleCompliance, hits)
}

func activationFor(e *contracts.Event) map[string]any {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return map[string]any{
		"type":        e.Type,
		"actor":       e.Actor,
		"actor_type":  metaString(meta, "actor_type"),
		"resource":    e.Resource,
		"workflow_id": e.WorkflowID,
		"location":    metaString(meta, "location"),
		"outcome":     metaString(meta, "outcome"),
		"hour":        int64(e.Timestamp.Hour()),
		"metadata":    meta,
	}
}

func evalPredicate(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is not bool")
	}
	return matched, nil
}

// violationTypeFor distinguishes a breach that surfaced an error from
// one that completed quietly. The quiet kind is the dangerous one.
func violationTypeFor(e *contracts.Event) contracts.ViolationType {
	switch metaString(e.Metadata, "outcome") {
	case "error", "denied", "failed":
		return contracts.ViolationExplicit
	default:
		return contracts.ViolationSilent
	}
}

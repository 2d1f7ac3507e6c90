package agents

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// WorkflowDefinition is the expected shape of one workflow: its step
// sequence in order, and the per-step SLA in seconds. Event metadata
// may carry an explicit sla_seconds which takes precedence.
type WorkflowDefinition struct {
	WorkflowID string             `json:"workflow_id" yaml:"workflow_id"`
	Steps      []string           `json:"steps" yaml:"steps"`
	StepSLA    map[string]float64 `json:"step_sla" yaml:"step_sla"`
}

func (d *WorkflowDefinition) stepIndex(step string) int {
	for i, s := range d.Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// WorkflowAgent detects delayed, missing, and out-of-order workflow
// steps against the registered definitions.
type WorkflowAgent struct {
	board       *blackboard.Blackboard
	definitions map[string]*WorkflowDefinition
}

func NewWorkflowAgent(board *blackboard.Blackboard, defs []WorkflowDefinition) *WorkflowAgent {
	m := make(map[string]*WorkflowDefinition, len(defs))
	for i := range defs {
		m[defs[i].WorkflowID] = &defs[i]
	}
	return &WorkflowAgent{board: board, definitions: m}
}

func (a *WorkflowAgent) Name() string { return "workflow_agent" }

func (a *WorkflowAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	byWorkflow := make(map[string][]contracts.Event)
	for _, e := range snap.Events {
		if e.WorkflowID == "" {
			continue
		}
		if e.Type == "STEP_COMPLETED" || e.Type == "STEP_STARTED" {
			byWorkflow[e.WorkflowID] = append(byWorkflow[e.WorkflowID], e)
		}
	}

	var findings []contracts.Anomaly
	workflowIDs := make([]string, 0, len(byWorkflow))
	for id := range byWorkflow {
		workflowIDs = append(workflowIDs, id)
	}
	sort.Strings(workflowIDs)

	for _, wfID := range workflowIDs {
		events := byWorkflow[wfID]
		sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
		findings = append(findings, a.inspect(wfID, events)...)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.board.AppendAnomalies(cycleID, RoleDetector, findings)
}

func (a *WorkflowAgent) inspect(wfID string, events []contracts.Event) []contracts.Anomaly {
	def := a.definitions[wfID]
	var out []contracts.Anomaly

	maxIndex := -1
	observed := make(map[string]bool)
	reported := make(map[string]bool)

	for _, e := range events {
		step := metaString(e.Metadata, "step")

		// Delay: completed step ran past its SLA.
		if e.Type == "STEP_COMPLETED" {
			if dur, ok := metaFloat(e.Metadata, "duration_seconds"); ok {
				sla, haveSLA := metaFloat(e.Metadata, "sla_seconds")
				if !haveSLA && def != nil {
					sla, haveSLA = def.StepSLA[step], def.StepSLA[step] > 0
				}
				if haveSLA && dur > sla {
					overage := clamp((dur-sla)/sla, 0, 1)
					key := "delay:" + step
					if !reported[key] {
						reported[key] = true
						out = append(out, a.anomaly("WORKFLOW_DELAY", wfID, e,
							min2(0.95, 0.70+0.25*overage),
							fmt.Sprintf("step %s took %.0fs against a %.0fs SLA", step, dur, sla)))
					}
				}
			}
		}

		if def == nil || step == "" {
			continue
		}
		idx := def.stepIndex(step)
		if idx < 0 {
			continue
		}

		// Sequence violation: step observed behind the furthest step.
		if idx < maxIndex && !reported["seq:"+step] {
			reported["seq:"+step] = true
			out = append(out, a.anomaly("SEQUENCE_VIOLATION", wfID, e, 0.85,
				fmt.Sprintf("step %s observed after a later step had already run", step)))
		}

		// Missing step: an earlier expected step never ran before this
		// one started.
		for i := 0; i < idx; i++ {
			expected := def.Steps[i]
			if !observed[expected] && !reported["missing:"+expected] {
				reported["missing:"+expected] = true
				out = append(out, a.anomaly("MISSING_STEP", wfID, e, 0.95,
					fmt.Sprintf("expected step %s absent when %s started", expected, step)))
			}
		}

		observed[step] = true
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	return out
}

func (a *WorkflowAgent) anomaly(anomalyType, wfID string, evidence contracts.Event, confidence float64, description string) contracts.Anomaly {
	return contracts.Anomaly{
		AnomalyID:   deriveID("ano", anomalyType, wfID, evidence.EventID, description),
		Type:        anomalyType,
		Entity:      wfID,
		Confidence:  confidence,
		Agent:       a.Name(),
		EvidenceIDs: []string{evidence.EventID},
		Description: description,
		Timestamp:   evidence.Timestamp,
	}
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

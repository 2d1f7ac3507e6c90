// Package query answers natural-language questions from sealed-cycle
// evidence. Answers are templated compositions over retrieved
// artifacts; when retrieval finds nothing, the engine refuses rather
// than fabricate.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/scoring"
)

// Intent is the classified question type.
type Intent string

const (
	IntentRiskStatus Intent = "risk_status"
	IntentCausal     Intent = "causal"
	IntentCompliance Intent = "compliance"
	IntentWorkflow   Intent = "workflow"
	IntentResource   Intent = "resource"
	IntentPrediction Intent = "prediction"
	IntentGeneral    Intent = "general"
)

// retrievalDepth is how many sealed cycles back retrieval looks.
const retrievalDepth = 5

// EvidenceItem is one retrieved artifact supporting an answer.
type EvidenceItem struct {
	Kind       string  `json:"kind"`
	Ref        string  `json:"ref"`
	CycleID    string  `json:"cycle_id"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Answer is the structured response to one query.
type Answer struct {
	Query       string         `json:"query"`
	Intent      Intent         `json:"intent"`
	Answer      string         `json:"answer"`
	Evidence    []EvidenceItem `json:"evidence"`
	Confidence  float64        `json:"confidence"`
	Uncertainty string         `json:"uncertainty,omitempty"`
}

// Engine retrieves evidence from the blackboard and the risk index.
type Engine struct {
	board *blackboard.Blackboard
	risk  *scoring.RiskIndexTracker
}

func NewEngine(board *blackboard.Blackboard, risk *scoring.RiskIndexTracker) *Engine {
	return &Engine{board: board, risk: risk}
}

// Ask classifies the query, retrieves evidence from the last sealed
// cycles, and composes a templated answer.
func (e *Engine) Ask(query string) Answer {
	intent := ClassifyIntent(query)
	evidence := e.retrieve(intent)

	if len(evidence) == 0 {
		return Answer{
			Query:       query,
			Intent:      intent,
			Uncertainty: "no evidence",
		}
	}

	sort.Slice(evidence, func(i, j int) bool {
		if evidence[i].Confidence != evidence[j].Confidence {
			return evidence[i].Confidence > evidence[j].Confidence
		}
		return evidence[i].Ref < evidence[j].Ref
	})

	return Answer{
		Query:      query,
		Intent:     intent,
		Answer:     e.compose(intent, evidence),
		Evidence:   evidence,
		Confidence: answerConfidence(evidence),
	}
}

// ClassifyIntent picks one of the seven intent types by keyword.
func ClassifyIntent(query string) Intent {
	q := strings.ToLower(query)
	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(q, w) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("why", "cause", "caused", "because", "root"):
		return IntentCausal
	case contains("predict", "forecast", "going to", "will "):
		return IntentPrediction
	case contains("policy", "policies", "compliance", "violation", "approval", "audit"):
		return IntentCompliance
	case contains("workflow", "step", "pipeline", "sla", "delay"):
		return IntentWorkflow
	case contains("cpu", "memory", "latency", "resource", "saturation", "baseline"):
		return IntentResource
	case contains("risk", "status", "health", "state", "how are"):
		return IntentRiskStatus
	default:
		return IntentGeneral
	}
}

var workflowAnomalyTypes = map[string]bool{
	"WORKFLOW_DELAY": true, "MISSING_STEP": true, "SEQUENCE_VIOLATION": true,
}

var resourceAnomalyTypes = map[string]bool{
	"SUSTAINED_RESOURCE_CRITICAL": true, "SUSTAINED_RESOURCE_WARNING": true,
	"RESOURCE_DRIFT": true, "BASELINE_DEVIATION": true,
}

func (e *Engine) retrieve(intent Intent) []EvidenceItem {
	var out []EvidenceItem
	for _, c := range e.board.RecentSealed(retrievalDepth) {
		switch intent {
		case IntentRiskStatus, IntentPrediction:
			for _, s := range c.RiskSignals {
				out = append(out, EvidenceItem{
					Kind: "risk_signal", Ref: "risk:" + s.Entity, CycleID: c.CycleID,
					Summary:    fmt.Sprintf("%s projected %s within %s", s.Entity, s.ProjectedState, s.TimeHorizon),
					Confidence: s.Confidence,
				})
			}
		case IntentCausal:
			for _, l := range c.CausalLinks {
				out = append(out, EvidenceItem{
					Kind: "causal_link", Ref: l.LinkID, CycleID: c.CycleID,
					Summary:    l.Reasoning,
					Confidence: l.Confidence,
				})
			}
		case IntentCompliance:
			for _, h := range c.PolicyHits {
				out = append(out, EvidenceItem{
					Kind: "policy_hit", Ref: h.HitID, CycleID: c.CycleID,
					Summary:    fmt.Sprintf("%s %s violation on event %s", h.PolicyID, strings.ToLower(string(h.ViolationType)), h.EventID),
					Confidence: policyConfidence(h.Severity),
				})
			}
		case IntentWorkflow:
			out = append(out, anomalyEvidence(&c, workflowAnomalyTypes)...)
		case IntentResource:
			out = append(out, anomalyEvidence(&c, resourceAnomalyTypes)...)
		case IntentGeneral:
			out = append(out, anomalyEvidence(&c, nil)...)
			for _, l := range c.CausalLinks {
				out = append(out, EvidenceItem{
					Kind: "causal_link", Ref: l.LinkID, CycleID: c.CycleID,
					Summary: l.Reasoning, Confidence: l.Confidence,
				})
			}
		}
	}
	return out
}

func anomalyEvidence(c *contracts.Cycle, types map[string]bool) []EvidenceItem {
	var out []EvidenceItem
	for _, a := range c.Anomalies {
		if types != nil && !types[a.Type] {
			continue
		}
		out = append(out, EvidenceItem{
			Kind: "anomaly", Ref: a.AnomalyID, CycleID: c.CycleID,
			Summary:    a.Description,
			Confidence: a.Confidence,
		})
	}
	return out
}

// policyConfidence maps a policy severity to retrieval weight; hits
// carry no confidence of their own.
func policyConfidence(s contracts.Severity) float64 {
	switch s {
	case contracts.SeverityCritical:
		return 0.95
	case contracts.SeverityHigh:
		return 0.90
	case contracts.SeverityMedium:
		return 0.80
	default:
		return 0.70
	}
}

// answerConfidence is the mean of the top evidence confidences plus a
// small volume bonus.
func answerConfidence(evidence []EvidenceItem) float64 {
	top := evidence
	if len(top) > 10 {
		top = top[:10]
	}
	var sum float64
	for _, item := range top {
		c := item.Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		sum += c
	}
	mean := sum / float64(len(top))

	bonus := 0.01 * float64(len(evidence)-3)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > 0.08 {
		bonus = 0.08
	}
	conf := mean + bonus
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (e *Engine) compose(intent Intent, evidence []EvidenceItem) string {
	lead := evidence[0]
	switch intent {
	case IntentRiskStatus:
		if e.risk != nil {
			if entry, ok := e.risk.Current(); ok {
				return fmt.Sprintf("Risk is %s at %.1f (trend %s). Strongest signal: %s.",
					entry.Band, entry.Score, e.risk.Trend(retrievalDepth), lead.Summary)
			}
		}
		return fmt.Sprintf("Current risk posture from %d signals. Strongest: %s.", len(evidence), lead.Summary)
	case IntentCausal:
		return fmt.Sprintf("Most likely explanation: %s (%d supporting links).", lead.Summary, len(evidence))
	case IntentCompliance:
		return fmt.Sprintf("%d policy violations in recent cycles. Most severe: %s.", len(evidence), lead.Summary)
	case IntentWorkflow:
		return fmt.Sprintf("%d workflow findings in recent cycles. Leading: %s.", len(evidence), lead.Summary)
	case IntentResource:
		return fmt.Sprintf("%d resource findings in recent cycles. Leading: %s.", len(evidence), lead.Summary)
	case IntentPrediction:
		return fmt.Sprintf("Projection: %s (confidence %.2f).", lead.Summary, lead.Confidence)
	default:
		return fmt.Sprintf("%d findings in recent cycles. Leading: %s.", len(evidence), lead.Summary)
	}
}

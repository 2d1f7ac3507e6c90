package scoring

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// trendEpsilon is the slope below which the index reads as stable.
const trendEpsilon = 0.5

// ComponentScores are the per-dimension risk components, each on a
// baseline-20 scale capped at 100.
type ComponentScores struct {
	Workflow   float64 `json:"workflow"`
	Resource   float64 `json:"resource"`
	Compliance float64 `json:"compliance"`
}

// RiskIndexEntry is the index computed at one cycle seal.
type RiskIndexEntry struct {
	CycleID    string              `json:"cycle_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Components ComponentScores     `json:"components"`
	Score      float64             `json:"score"`
	Band       contracts.RiskState `json:"band"`
}

// RiskIndexTracker folds sealed cycles into a composite risk score and
// keeps a bounded history for trend reporting.
type RiskIndexTracker struct {
	mu         sync.RWMutex
	history    []RiskIndexEntry
	maxHistory int

	weightWorkflow   float64
	weightResource   float64
	weightCompliance float64
}

func NewRiskIndexTracker(weightWorkflow, weightResource, weightCompliance float64) *RiskIndexTracker {
	if weightWorkflow <= 0 && weightResource <= 0 && weightCompliance <= 0 {
		weightWorkflow, weightResource, weightCompliance = 0.35, 0.35, 0.30
	}
	return &RiskIndexTracker{
		maxHistory:       256,
		weightWorkflow:   weightWorkflow,
		weightResource:   weightResource,
		weightCompliance: weightCompliance,
	}
}

var workflowImpacts = map[string]float64{
	"MISSING_STEP":       25,
	"WORKFLOW_DELAY":     15,
	"SEQUENCE_VIOLATION": 20,
}

var resourceImpacts = map[string]float64{
	"SUSTAINED_RESOURCE_CRITICAL": 30,
	"SUSTAINED_RESOURCE_WARNING":  15,
	"RESOURCE_DRIFT":              10,
}

// Update computes the index for one sealed cycle and appends it to the
// history.
func (t *RiskIndexTracker) Update(c *contracts.Cycle) RiskIndexEntry {
	components := ComponentScores{Workflow: 20, Resource: 20, Compliance: 20}

	for _, a := range c.Anomalies {
		if impact, ok := workflowImpacts[a.Type]; ok {
			components.Workflow += impact * a.Confidence
		}
		if impact, ok := resourceImpacts[a.Type]; ok {
			components.Resource += impact * a.Confidence
		}
	}
	components.Compliance += 20 * float64(len(c.PolicyHits))

	components.Workflow = clamp(components.Workflow, 0, 100)
	components.Resource = clamp(components.Resource, 0, 100)
	components.Compliance = clamp(components.Compliance, 0, 100)

	score := clamp(
		t.weightWorkflow*components.Workflow+
			t.weightResource*components.Resource+
			t.weightCompliance*components.Compliance,
		0, 100)

	ts := c.StartedAt
	if c.CompletedAt != nil {
		ts = *c.CompletedAt
	}
	entry := RiskIndexEntry{
		CycleID:    c.CycleID,
		Timestamp:  ts,
		Components: components,
		Score:      score,
		Band:       RiskBand(score),
	}

	t.mu.Lock()
	t.history = append(t.history, entry)
	if len(t.history) > t.maxHistory {
		t.history = t.history[len(t.history)-t.maxHistory:]
	}
	t.mu.Unlock()
	return entry
}

// RiskBand maps a composite score to its state band.
func RiskBand(score float64) contracts.RiskState {
	switch {
	case score < 30:
		return contracts.RiskNormal
	case score < 50:
		return contracts.RiskDegraded
	case score < 70:
		return contracts.RiskAtRisk
	case score < 85:
		return contracts.RiskViolation
	default:
		return contracts.RiskIncident
	}
}

// Current returns the latest entry, if any cycle has sealed.
func (t *RiskIndexTracker) Current() (RiskIndexEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.history) == 0 {
		return RiskIndexEntry{}, false
	}
	return t.history[len(t.history)-1], true
}

// History returns up to n entries, newest first.
func (t *RiskIndexTracker) History(n int) []RiskIndexEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.history) {
		n = len(t.history)
	}
	out := make([]RiskIndexEntry, 0, n)
	for i := len(t.history) - 1; i >= len(t.history)-n; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// Trend fits a line through the last n scores: "increasing" when the
// slope exceeds the epsilon, "decreasing" below the negative epsilon,
// otherwise "stable".
func (t *RiskIndexTracker) Trend(n int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window := t.history
	if n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	if len(window) < 2 {
		return "stable"
	}

	count := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for i, e := range window {
		x := float64(i)
		sumX += x
		sumY += e.Score
		sumXY += x * e.Score
		sumXX += x * x
	}
	denom := count*sumXX - sumX*sumX
	if denom == 0 {
		return "stable"
	}
	slope := (count*sumXY - sumX*sumY) / denom

	switch {
	case slope > trendEpsilon:
		return "increasing"
	case slope < -trendEpsilon:
		return "decreasing"
	default:
		return "stable"
	}
}

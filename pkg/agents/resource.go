package agents

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// Threshold is a warning/critical pair for one metric.
type Threshold struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds covers the metrics the resource agent watches.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"cpu_percent":        {Warning: 70, Critical: 90},
		"memory_percent":     {Warning: 75, Critical: 95},
		"network_latency_ms": {Warning: 200, Critical: 500},
	}
}

// ResourceAgent detects sustained threshold breaches and upward drift
// in resource metrics. A single spike never produces a finding: the
// sustained types require the last sustainedWindow consecutive readings
// to all exceed the threshold.
type ResourceAgent struct {
	board           *blackboard.Blackboard
	thresholds      map[string]Threshold
	sustainedWindow int
	driftWindow     int
	driftSlope      float64
}

func NewResourceAgent(board *blackboard.Blackboard, thresholds map[string]Threshold, sustainedWindow, driftWindow int) *ResourceAgent {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if sustainedWindow <= 0 {
		sustainedWindow = 3
	}
	if driftWindow <= 0 {
		driftWindow = 50
	}
	return &ResourceAgent{
		board:           board,
		thresholds:      thresholds,
		sustainedWindow: sustainedWindow,
		driftWindow:     driftWindow,
		driftSlope:      2.0,
	}
}

func (a *ResourceAgent) Name() string { return "resource_agent" }

func (a *ResourceAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	series := make(map[string][]contracts.Metric)
	for _, m := range snap.Metrics {
		if _, watched := a.thresholds[m.MetricName]; !watched {
			continue
		}
		key := m.ResourceID + "\x00" + m.MetricName
		series[key] = append(series[key], m)
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var findings []contracts.Anomaly
	for _, key := range keys {
		samples := series[key]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
		findings = append(findings, a.inspect(samples)...)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.board.AppendAnomalies(cycleID, RoleDetector, findings)
}

func (a *ResourceAgent) inspect(samples []contracts.Metric) []contracts.Anomaly {
	var out []contracts.Anomaly
	th := a.thresholds[samples[0].MetricName]

	if sustained := a.sustained(samples, th); sustained != nil {
		// A sustained breach subsumes the climb that led to it.
		return append(out, *sustained)
	}
	if drift := a.drift(samples); drift != nil {
		out = append(out, *drift)
	}
	return out
}

// sustained checks the trailing window against the critical threshold
// first, then the warning threshold. Critical supersedes warning for
// the same window.
func (a *ResourceAgent) sustained(samples []contracts.Metric, th Threshold) *contracts.Anomaly {
	if len(samples) < a.sustainedWindow {
		return nil
	}
	tail := samples[len(samples)-a.sustainedWindow:]

	exceedsAll := func(limit float64) bool {
		for _, m := range tail {
			if m.Value <= limit {
				return false
			}
		}
		return true
	}

	var (
		anomalyType string
		confidence  float64
		limit       float64
	)
	switch {
	case exceedsAll(th.Critical):
		anomalyType, confidence, limit = "SUSTAINED_RESOURCE_CRITICAL", 0.90, th.Critical
	case exceedsAll(th.Warning):
		anomalyType, confidence, limit = "SUSTAINED_RESOURCE_WARNING", 0.70, th.Warning
	default:
		return nil
	}

	evidence := make([]string, len(tail))
	for i, m := range tail {
		evidence[i] = m.MetricID
	}
	last := tail[len(tail)-1]
	an := contracts.Anomaly{
		AnomalyID:   deriveID("ano", anomalyType, last.ResourceID, last.MetricName, evidence),
		Type:        anomalyType,
		Entity:      last.ResourceID,
		Confidence:  confidence,
		Agent:       a.Name(),
		EvidenceIDs: evidence,
		Description: fmt.Sprintf("%s on %s above %.0f for %d consecutive readings (latest %.1f)",
			last.MetricName, last.ResourceID, limit, a.sustainedWindow, last.Value),
		Metadata:  map[string]interface{}{"metric_name": last.MetricName, "threshold": limit},
		Timestamp: last.Timestamp,
	}
	return &an
}

// drift fits a least-squares line over the trailing window and reports
// a steady climb. Confidence scales 0.60–0.80 with the fit quality.
func (a *ResourceAgent) drift(samples []contracts.Metric) *contracts.Anomaly {
	window := samples
	if len(window) > a.driftWindow {
		window = window[len(window)-a.driftWindow:]
	}
	if len(window) < 5 {
		return nil
	}

	slope, r2 := linearFit(window)
	if slope <= a.driftSlope {
		return nil
	}

	evidence := make([]string, len(window))
	for i, m := range window {
		evidence[i] = m.MetricID
	}
	last := window[len(window)-1]
	return &contracts.Anomaly{
		AnomalyID:   deriveID("ano", "RESOURCE_DRIFT", last.ResourceID, last.MetricName, evidence),
		Type:        "RESOURCE_DRIFT",
		Entity:      last.ResourceID,
		Confidence:  clamp(0.60+0.20*r2, 0.60, 0.80),
		Agent:       a.Name(),
		EvidenceIDs: evidence,
		Description: fmt.Sprintf("%s on %s climbing %.2f units per sample over %d samples",
			last.MetricName, last.ResourceID, slope, len(window)),
		Metadata:  map[string]interface{}{"metric_name": last.MetricName, "slope": slope, "r2": r2},
		Timestamp: last.Timestamp,
	}
}

// linearFit regresses value on sample index and returns the slope in
// units per sample plus the coefficient of determination.
func linearFit(samples []contracts.Metric) (slope, r2 float64) {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for i, m := range samples {
		x := float64(i)
		sumX += x
		sumY += m.Value
		sumXY += x * m.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, m := range samples {
		pred := intercept + slope*float64(i)
		ssTot += (m.Value - meanY) * (m.Value - meanY)
		ssRes += (m.Value - pred) * (m.Value - pred)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}

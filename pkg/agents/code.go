package agents

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// CodeAgent reads normalized code-change and CI events and emits
// predictive anomalies ahead of deployment. Findings carry the
// deployment_id and trace_id from the source event so they correlate
// with runtime findings in later cycles.
type CodeAgent struct {
	board          *blackboard.Blackboard
	churnThreshold int
	minCoverage    float64
}

func NewCodeAgent(board *blackboard.Blackboard) *CodeAgent {
	return &CodeAgent{board: board, churnThreshold: 20, minCoverage: 0.70}
}

func (a *CodeAgent) Name() string { return "code_agent" }

func (a *CodeAgent) Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error {
	var findings []contracts.Anomaly
	for _, e := range snap.Events {
		switch e.Type {
		case "CODE_CHANGE":
			findings = append(findings, a.inspectChange(e)...)
		case "CI_RUN":
			if f := a.inspectRun(e); f != nil {
				findings = append(findings, *f)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.board.AppendAnomalies(cycleID, RoleDetector, findings)
}

func (a *CodeAgent) inspectChange(e contracts.Event) []contracts.Anomaly {
	var out []contracts.Anomaly

	if files, ok := metaFloat(e.Metadata, "files_changed"); ok && int(files) > a.churnThreshold {
		out = append(out, a.anomaly("HIGH_CHURN", e,
			min2(0.90, 0.50+0.01*files),
			fmt.Sprintf("change touches %d files in %s", int(files), e.Resource)))
	}

	if cov, ok := metaFloat(e.Metadata, "coverage"); ok && cov < a.minCoverage {
		out = append(out, a.anomaly("COVERAGE_REGRESSION", e,
			min2(0.90, 0.60+(a.minCoverage-cov)),
			fmt.Sprintf("coverage %.0f%% below the %.0f%% floor", cov*100, a.minCoverage*100)))
	}

	if hotspots, ok := e.Metadata["hotspots"].([]interface{}); ok && len(hotspots) > 0 {
		out = append(out, a.anomaly("HOTSPOT_OVERLAP", e, 0.70,
			fmt.Sprintf("change overlaps %d known defect hotspots", len(hotspots))))
	}
	return out
}

func (a *CodeAgent) inspectRun(e contracts.Event) *contracts.Anomaly {
	if metaString(e.Metadata, "conclusion") != "failure" {
		return nil
	}
	f := a.anomaly("CI_FAILURE", e, 0.80,
		fmt.Sprintf("CI run %s concluded failure", metaString(e.Metadata, "workflow_name")))
	return &f
}

func (a *CodeAgent) anomaly(anomalyType string, e contracts.Event, confidence float64, description string) contracts.Anomaly {
	meta := map[string]interface{}{}
	if dep := metaString(e.Metadata, "deployment_id"); dep != "" {
		meta["deployment_id"] = dep
	}
	if trace := metaString(e.Metadata, "trace_id"); trace != "" {
		meta["trace_id"] = trace
	}
	if sha := metaString(e.Metadata, "commit_sha"); sha != "" {
		meta["commit_sha"] = sha
	}
	return contracts.Anomaly{
		AnomalyID:   deriveID("ano", anomalyType, e.EventID),
		Type:        anomalyType,
		Entity:      e.Resource,
		Confidence:  confidence,
		Agent:       a.Name(),
		EvidenceIDs: []string{e.EventID},
		Description: description,
		Metadata:    meta,
		Timestamp:   e.Timestamp,
	}
}

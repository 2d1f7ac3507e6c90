// Package agents implements the detection, forecast, and causal agents
// that populate blackboard cycles.
//
// Phase-1 agents (workflow, resource, compliance, baseline, code) each
// read the cycle's observation snapshot and append findings to their
// section. They compute first and append last, so a cancelled agent
// leaves nothing behind. Phase 2 and 3 agents read the cycle itself.
package agents

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// Section roles. The blackboard grants each section to one role; every
// agent appends under the role that owns its section, while the
// artifact's Agent field records which agent produced it.
const (
	RoleDetector    = "detector"
	RoleCompliance  = "compliance"
	RoleForecaster  = "forecaster"
	RoleCausal      = "causal"
	RoleScorer      = "scorer"
	RoleRecommender = "recommender"
)

// Agent is one phase-1 detection agent.
type Agent interface {
	Name() string
	Detect(ctx context.Context, cycleID string, snap contracts.ObservationSnapshot) error
}

// deriveID mints a content-addressed artifact ID. Identical findings
// get identical IDs, which keeps sealed cycles reproducible.
func deriveID(prefix string, parts ...interface{}) string {
	return canonicalize.ID(prefix, parts...)
}

// metaFloat reads a numeric metadata value, tolerating the decode
// representations a JSON number can arrive in.
func metaFloat(meta map[string]interface{}, key string) (float64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func metaString(meta map[string]interface{}, key string) string {
	if v, ok := meta[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

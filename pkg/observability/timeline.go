package observability

import (
	"sort"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// TimelineEntryType categorizes timeline entries.
type TimelineEntryType string

const (
	EntryTypeAnomaly        TimelineEntryType = "ANOMALY"
	EntryTypePolicyHit      TimelineEntryType = "POLICY_HIT"
	EntryTypeRiskSignal     TimelineEntryType = "RISK_SIGNAL"
	EntryTypeCausalLink     TimelineEntryType = "CAUSAL_LINK"
	EntryTypeSeverityScore  TimelineEntryType = "SEVERITY_SCORE"
	EntryTypeRecommendation TimelineEntryType = "RECOMMENDATION"
	EntryTypeAnnotation     TimelineEntryType = "ANNOTATION"
)

// TimelineEntry is one artifact rendered into the unified audit view
// of a sealed cycle.
type TimelineEntry struct {
	EntryID     string            `json:"entry_id"`
	EntryType   TimelineEntryType `json:"entry_type"`
	CycleID     string            `json:"cycle_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Actor       string            `json:"actor,omitempty"`
	Summary     string            `json:"summary"`
	ContentHash string            `json:"content_hash"`
	EvidenceIDs []string          `json:"evidence_ids,omitempty"`
}

// CycleTimeline flattens a sealed cycle into one chronologically
// sorted entry list. Artifacts without a timestamp of their own
// (signals, links, scores, recommendations) anchor to the cycle
// boundaries: reasoning outputs land at seal time.
func CycleTimeline(cycle *contracts.Cycle) []TimelineEntry {
	sealedAt := cycle.StartedAt
	if cycle.CompletedAt != nil {
		sealedAt = *cycle.CompletedAt
	}

	entries := make([]TimelineEntry, 0,
		len(cycle.Anomalies)+len(cycle.PolicyHits)+len(cycle.RiskSignals)+
			len(cycle.CausalLinks)+len(cycle.SeverityScores)+len(cycle.Recommendations)+
			len(cycle.Annotations))

	for _, a := range cycle.Anomalies {
		entries = append(entries, entry(cycle.CycleID, a.AnomalyID, EntryTypeAnomaly,
			a.Timestamp, a.Agent, a.Description, a.EvidenceIDs, a))
	}
	for _, h := range cycle.PolicyHits {
		entries = append(entries, entry(cycle.CycleID, h.HitID, EntryTypePolicyHit,
			h.Timestamp, "", h.PolicyID+" on "+h.EventID, h.EvidenceIDs, h))
	}
	for _, s := range cycle.RiskSignals {
		entries = append(entries, entry(cycle.CycleID, "risk:"+s.Entity, EntryTypeRiskSignal,
			sealedAt, "", s.Entity+" projected "+string(s.ProjectedState)+" within "+s.TimeHorizon, s.EvidenceIDs, s))
	}
	for _, l := range cycle.CausalLinks {
		entries = append(entries, entry(cycle.CycleID, l.LinkID, EntryTypeCausalLink,
			sealedAt, "", l.Reasoning, l.EvidenceIDs, l))
	}
	for _, s := range cycle.SeverityScores {
		entries = append(entries, entry(cycle.CycleID, "sev:"+s.TargetID, EntryTypeSeverityScore,
			sealedAt, "", s.TargetID+" scored "+s.Label, nil, s))
	}
	for _, r := range cycle.Recommendations {
		entries = append(entries, entry(cycle.CycleID, r.RecID, EntryTypeRecommendation,
			sealedAt, "", r.Action, r.EvidenceIDs, r))
	}
	for _, ann := range cycle.Annotations {
		entries = append(entries, entry(cycle.CycleID, "ann:"+ann.Agent, EntryTypeAnnotation,
			ann.Recorded, ann.Agent, ann.Failure, nil, ann))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].EntryType != entries[j].EntryType {
			return entries[i].EntryType < entries[j].EntryType
		}
		return entries[i].EntryID < entries[j].EntryID
	})
	return entries
}

func entry(cycleID, id string, entryType TimelineEntryType, ts time.Time, actor, summary string, evidence []string, artifact interface{}) TimelineEntry {
	hash, err := canonicalize.Hash(artifact)
	if err != nil {
		hash = ""
	}
	return TimelineEntry{
		EntryID:     id,
		EntryType:   entryType,
		CycleID:     cycleID,
		Timestamp:   ts,
		Actor:       actor,
		Summary:     summary,
		ContentHash: hash,
		EvidenceIDs: evidence,
	}
}

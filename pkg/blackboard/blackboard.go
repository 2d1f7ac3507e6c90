// Package blackboard implements the shared per-cycle artifact store.
//
// The blackboard exclusively owns Cycle objects. Agents never mutate a
// cycle directly: they submit append requests for their designated
// section, and the blackboard enforces section ownership, evidence
// validity, and the OPEN → SEALED state machine. Once sealed, a cycle
// is immutable and its canonical payload bytes are stable across reads
// and process restarts.
package blackboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/guards"
	"github.com/Mindburn-Labs/cortex/pkg/storelog"
)

var (
	ErrCycleNotFound      = errors.New("blackboard: cycle not found")
	ErrCycleSealed        = errors.New("blackboard: cycle is sealed")
	ErrSectionViolation   = errors.New("blackboard: agent does not own section")
	ErrEvidenceUnresolved = errors.New("blackboard: evidence id does not resolve")
)

// Section names the append-only regions of a cycle.
type Section string

const (
	SectionAnomalies       Section = "anomalies"
	SectionPolicyHits      Section = "policy_hits"
	SectionRiskSignals     Section = "risk_signals"
	SectionCausalLinks     Section = "causal_links"
	SectionSeverityScores  Section = "severity_scores"
	SectionRecommendations Section = "recommendations"
)

// EvidenceResolver answers whether an ID names a stored observation.
// The observation store implements this.
type EvidenceResolver interface {
	HasRecord(id string) bool
}

type cycleState struct {
	cycle  contracts.Cycle
	owners map[Section]string
	sealed bool
	// Canonical payload bytes, fixed at seal time.
	payload []byte
	mu      sync.Mutex
}

// Blackboard coordinates cycles and persists sealed artifacts.
type Blackboard struct {
	mu     sync.RWMutex
	cycles map[string]*cycleState
	order  []string // cycle IDs by started_at

	// artifactIDs indexes sealed-cycle artifact IDs so later cycles can
	// cite prior findings as evidence.
	artifactIDs map[string]struct{}

	resolver  EvidenceResolver
	sealedLog *storelog.Log
	clock     func() time.Time
	newID     func() string
}

// New creates a blackboard persisting sealed cycles to sealedLogPath
// (empty = memory only). Existing sealed cycles are replayed.
func New(resolver EvidenceResolver, sealedLogPath string) (*Blackboard, error) {
	log, err := storelog.Open(sealedLogPath)
	if err != nil {
		return nil, fmt.Errorf("blackboard: open sealed log: %w", err)
	}

	b := &Blackboard{
		cycles:      make(map[string]*cycleState),
		artifactIDs: make(map[string]struct{}),
		resolver:    resolver,
		sealedLog:   log,
		clock:       time.Now,
		newID:       func() string { return "cyc-" + uuid.NewString() },
	}
	if err := b.replaySealed(); err != nil {
		log.Close()
		return nil, err
	}
	return b, nil
}

// WithClock overrides the clock for deterministic tests.
func (b *Blackboard) WithClock(clock func() time.Time) *Blackboard {
	b.clock = clock
	return b
}

// WithIDSource overrides cycle ID minting for deterministic tests.
func (b *Blackboard) WithIDSource(newID func() string) *Blackboard {
	b.newID = newID
	return b
}

func (b *Blackboard) replaySealed() error {
	var failed error
	b.sealedLog.Range(1, uint64(b.sealedLog.Length()), func(e *storelog.Entry) bool {
		var c contracts.Cycle
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			failed = fmt.Errorf("blackboard: decode sealed cycle %d: %w", e.Sequence, err)
			return false
		}
		payload, err := canonicalize.Canonical(sealablePayload(&c))
		if err != nil {
			failed = err
			return false
		}
		b.cycles[c.CycleID] = &cycleState{cycle: c, sealed: true, payload: payload}
		b.order = append(b.order, c.CycleID)
		b.indexArtifacts(&c)
		return true
	})
	return failed
}

// StartCycle opens a new cycle with the given section ownership map.
func (b *Blackboard) StartCycle(owners map[Section]string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.newID()
	ownersCopy := make(map[Section]string, len(owners))
	for k, v := range owners {
		ownersCopy[k] = v
	}
	b.cycles[id] = &cycleState{
		cycle: contracts.Cycle{
			CycleID:   id,
			StartedAt: b.clock().UTC(),
		},
		owners: ownersCopy,
	}
	b.order = append(b.order, id)
	return id
}

func (b *Blackboard) state(cycleID string) (*cycleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs, ok := b.cycles[cycleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
	}
	return cs, nil
}

// checkAppend validates state, ownership, and evidence for one append.
// Empty evidence is a guard violation and halts the process; an
// unresolvable ID is an append error confined to the agent.
func (b *Blackboard) checkAppend(cs *cycleState, section Section, agent, subject string, evidence []string) error {
	if cs.sealed {
		return fmt.Errorf("%w: %s", ErrCycleSealed, cs.cycle.CycleID)
	}
	if owner, ok := cs.owners[section]; !ok || owner != agent {
		return fmt.Errorf("%w: %s appending to %s", ErrSectionViolation, agent, section)
	}
	guards.RequireEvidence(subject, evidence)
	for _, id := range evidence {
		if !b.resolvesEvidence(id) {
			return fmt.Errorf("%w: %s cited by %s", ErrEvidenceUnresolved, id, subject)
		}
	}
	return nil
}

func (b *Blackboard) resolvesEvidence(id string) bool {
	if b.resolver != nil && b.resolver.HasRecord(id) {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.artifactIDs[id]
	return ok
}

// AppendAnomaly appends a detection finding to the anomalies section.
func (b *Blackboard) AppendAnomaly(cycleID, agent string, a contracts.Anomaly) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := b.checkAppend(cs, SectionAnomalies, agent, a.AnomalyID, a.EvidenceIDs); err != nil {
		return err
	}
	cs.cycle.Anomalies = append(cs.cycle.Anomalies, a)
	return nil
}

// AppendAnomalies appends a batch of detection findings as one unit
// under the cycle lock: either every finding validates and lands, or
// none do. Detection agents use this so a deadline expiring mid-batch
// cannot leave a partial section behind.
func (b *Blackboard) AppendAnomalies(cycleID, agent string, batch []contracts.Anomaly) error {
	if len(batch) == 0 {
		return nil
	}
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range batch {
		if err := b.checkAppend(cs, SectionAnomalies, agent, batch[i].AnomalyID, batch[i].EvidenceIDs); err != nil {
			return err
		}
	}
	cs.cycle.Anomalies = append(cs.cycle.Anomalies, batch...)
	return nil
}

// AppendPolicyHit appends a compliance finding.
func (b *Blackboard) AppendPolicyHit(cycleID, agent string, h contracts.PolicyHit) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := b.checkAppend(cs, SectionPolicyHits, agent, h.HitID, h.EvidenceIDs); err != nil {
		return err
	}
	cs.cycle.PolicyHits = append(cs.cycle.PolicyHits, h)
	return nil
}

// AppendPolicyHits is the all-or-nothing batch form of AppendPolicyHit.
func (b *Blackboard) AppendPolicyHits(cycleID, agent string, batch []contracts.PolicyHit) error {
	if len(batch) == 0 {
		return nil
	}
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range batch {
		if err := b.checkAppend(cs, SectionPolicyHits, agent, batch[i].HitID, batch[i].EvidenceIDs); err != nil {
			return err
		}
	}
	cs.cycle.PolicyHits = append(cs.cycle.PolicyHits, batch...)
	return nil
}

// AppendRiskSignal appends a forecast projection.
func (b *Blackboard) AppendRiskSignal(cycleID, agent string, r contracts.RiskSignal) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := b.checkAppend(cs, SectionRiskSignals, agent, "risk:"+r.Entity, r.EvidenceIDs); err != nil {
		return err
	}
	cs.cycle.RiskSignals = append(cs.cycle.RiskSignals, r)
	return nil
}

// AppendCausalLink appends an inferred cause-effect link.
func (b *Blackboard) AppendCausalLink(cycleID, agent string, l contracts.CausalLink) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := b.checkAppend(cs, SectionCausalLinks, agent, l.LinkID, l.EvidenceIDs); err != nil {
		return err
	}
	cs.cycle.CausalLinks = append(cs.cycle.CausalLinks, l)
	return nil
}

// AppendSeverityScore appends a scored finding. Severity scores cite a
// target rather than raw evidence, so only state and ownership apply.
func (b *Blackboard) AppendSeverityScore(cycleID, agent string, s contracts.SeverityScore) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sealed {
		return fmt.Errorf("%w: %s", ErrCycleSealed, cycleID)
	}
	if owner, ok := cs.owners[SectionSeverityScores]; !ok || owner != agent {
		return fmt.Errorf("%w: %s appending to %s", ErrSectionViolation, agent, SectionSeverityScores)
	}
	cs.cycle.SeverityScores = append(cs.cycle.SeverityScores, s)
	return nil
}

// AppendRecommendation appends a mapped action.
func (b *Blackboard) AppendRecommendation(cycleID, agent string, r contracts.Recommendation) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := b.checkAppend(cs, SectionRecommendations, agent, r.RecID, r.EvidenceIDs); err != nil {
		return err
	}
	cs.cycle.Recommendations = append(cs.cycle.Recommendations, r)
	return nil
}

// Annotate records an agent failure marker on the cycle. Only the
// coordinator calls this; it is not a section append.
func (b *Blackboard) Annotate(cycleID string, ann contracts.CycleAnnotation) error {
	cs, err := b.state(cycleID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sealed {
		return fmt.Errorf("%w: %s", ErrCycleSealed, cycleID)
	}
	cs.cycle.Annotations = append(cs.cycle.Annotations, ann)
	return nil
}

// CompleteCycle seals the cycle: sets completed_at, computes the
// canonical content hash, persists to the sealed-cycles log, and
// freezes the payload bytes. Sealing twice is an error.
func (b *Blackboard) CompleteCycle(cycleID string) (*contracts.Cycle, error) {
	cs, err := b.state(cycleID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sealed {
		return nil, fmt.Errorf("%w: %s", ErrCycleSealed, cycleID)
	}

	now := b.clock().UTC()
	cs.cycle.CompletedAt = &now
	sortSections(&cs.cycle)

	payload, err := canonicalize.Canonical(sealablePayload(&cs.cycle))
	if err != nil {
		return nil, fmt.Errorf("blackboard: seal %s: %w", cycleID, err)
	}
	cs.cycle.CycleSHA256 = canonicalize.HashBytes(payload)

	if _, err := b.sealedLog.Append("SEALED_CYCLE", cs.cycle); err != nil {
		cs.cycle.CompletedAt = nil
		cs.cycle.CycleSHA256 = ""
		return nil, fmt.Errorf("blackboard: persist sealed cycle: %w", err)
	}

	cs.payload = payload
	cs.sealed = true
	b.indexArtifacts(&cs.cycle)

	sealed := cs.cycle
	return &sealed, nil
}

func (b *Blackboard) indexArtifacts(c *contracts.Cycle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range c.Anomalies {
		b.artifactIDs[c.Anomalies[i].AnomalyID] = struct{}{}
	}
	for i := range c.PolicyHits {
		b.artifactIDs[c.PolicyHits[i].HitID] = struct{}{}
	}
	for i := range c.CausalLinks {
		b.artifactIDs[c.CausalLinks[i].LinkID] = struct{}{}
	}
	for i := range c.Recommendations {
		b.artifactIDs[c.Recommendations[i].RecID] = struct{}{}
	}
}

// GetCycle returns a copy of the cycle.
func (b *Blackboard) GetCycle(cycleID string) (*contracts.Cycle, error) {
	cs, err := b.state(cycleID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.cycle
	return &c, nil
}

// SealedPayload returns the frozen canonical bytes of a sealed cycle.
// Byte-identical across reads and restarts.
func (b *Blackboard) SealedPayload(cycleID string) ([]byte, string, error) {
	cs, err := b.state(cycleID)
	if err != nil {
		return nil, "", err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.sealed {
		return nil, "", fmt.Errorf("%w: %s not sealed", ErrCycleNotFound, cycleID)
	}
	out := make([]byte, len(cs.payload))
	copy(out, cs.payload)
	return out, cs.cycle.CycleSHA256, nil
}

// RecentCycles returns the last n cycles, newest first. Sealed and open
// cycles both appear; callers filter on CompletedAt.
func (b *Blackboard) RecentCycles(n int) []contracts.Cycle {
	b.mu.RLock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	b.mu.RUnlock()

	var out []contracts.Cycle
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		if c, err := b.GetCycle(ids[i]); err == nil {
			out = append(out, *c)
		}
	}
	return out
}

// RecentSealed returns the last n sealed cycles, newest first.
func (b *Blackboard) RecentSealed(n int) []contracts.Cycle {
	all := b.RecentCycles(len(b.order))
	var out []contracts.Cycle
	for _, c := range all {
		if c.CompletedAt != nil {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// VerifyAuditTrail checks the sealed-cycles log hash chain.
func (b *Blackboard) VerifyAuditTrail() error {
	return b.sealedLog.Verify()
}

// Close releases the sealed-cycles log.
func (b *Blackboard) Close() error {
	return b.sealedLog.Close()
}

// sortSections fixes the section order before sealing. Phase-1 agents
// append concurrently, so arrival order is not stable; artifact IDs
// are, which keeps the sealed payload independent of scheduling.
func sortSections(c *contracts.Cycle) {
	sort.Slice(c.Anomalies, func(i, j int) bool { return c.Anomalies[i].AnomalyID < c.Anomalies[j].AnomalyID })
	sort.Slice(c.PolicyHits, func(i, j int) bool { return c.PolicyHits[i].HitID < c.PolicyHits[j].HitID })
	sort.Slice(c.RiskSignals, func(i, j int) bool { return c.RiskSignals[i].Entity < c.RiskSignals[j].Entity })
	sort.Slice(c.CausalLinks, func(i, j int) bool { return c.CausalLinks[i].LinkID < c.CausalLinks[j].LinkID })
	sort.Slice(c.SeverityScores, func(i, j int) bool { return c.SeverityScores[i].TargetID < c.SeverityScores[j].TargetID })
	sort.Slice(c.Recommendations, func(i, j int) bool { return c.Recommendations[i].RecID < c.Recommendations[j].RecID })
	sort.Slice(c.Annotations, func(i, j int) bool {
		if c.Annotations[i].Phase != c.Annotations[j].Phase {
			return c.Annotations[i].Phase < c.Annotations[j].Phase
		}
		return c.Annotations[i].Agent < c.Annotations[j].Agent
	})
}

// sealablePayload is the hashed shape of a sealed cycle: everything
// except the hash field itself.
func sealablePayload(c *contracts.Cycle) interface{} {
	return struct {
		CycleID         string                      `json:"cycle_id"`
		StartedAt       time.Time                   `json:"started_at"`
		CompletedAt     *time.Time                  `json:"completed_at"`
		Anomalies       []contracts.Anomaly         `json:"anomalies"`
		PolicyHits      []contracts.PolicyHit       `json:"policy_hits"`
		RiskSignals     []contracts.RiskSignal      `json:"risk_signals"`
		CausalLinks     []contracts.CausalLink      `json:"causal_links"`
		SeverityScores  []contracts.SeverityScore   `json:"severity_scores"`
		Recommendations []contracts.Recommendation  `json:"recommendations"`
		Annotations     []contracts.CycleAnnotation `json:"annotations"`
	}{
		c.CycleID, c.StartedAt, c.CompletedAt,
		c.Anomalies, c.PolicyHits, c.RiskSignals,
		c.CausalLinks, c.SeverityScores, c.Recommendations,
		c.Annotations,
	}
}

package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

func defaultComplianceAgent(t *testing.T, h *harness) *ComplianceAgent {
	t.Helper()
	policies, _, err := LoadPolicyPack("")
	require.NoError(t, err)
	agent, err := NewComplianceAgent(h.board, policies)
	require.NoError(t, err)
	return agent
}

func TestAfterHoursWriteIsSilentViolation(t *testing.T) {
	h := newHarness(t)
	h.event("evt-1", "ACCESS_WRITE", "", "svc_bot", "config",
		time.Date(2026, 3, 1, 2, 17, 0, 0, time.UTC), nil)

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	hits := h.cycle().PolicyHits
	require.Len(t, hits, 1)
	assert.Equal(t, "NO_AFTER_HOURS_WRITE", hits[0].PolicyID)
	assert.Equal(t, contracts.ViolationSilent, hits[0].ViolationType)
	assert.Equal(t, "evt-1", hits[0].EventID)
}

func TestSkippedApprovalViolation(t *testing.T) {
	h := newHarness(t)
	h.event("evt-1", "APPROVAL_SKIPPED", "wf1", "deployer", "pipeline", baseTime, nil)

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	hits := h.cycle().PolicyHits
	require.Len(t, hits, 1)
	assert.Equal(t, "NO_SKIP_APPROVAL", hits[0].PolicyID)
	assert.Equal(t, contracts.SeverityCritical, hits[0].Severity)
}

func TestDeniedWriteIsExplicit(t *testing.T) {
	h := newHarness(t)
	h.event("evt-1", "ACCESS_WRITE", "", "alice", "config",
		time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC),
		map[string]interface{}{"outcome": "denied"})

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	hits := h.cycle().PolicyHits
	require.Len(t, hits, 1)
	assert.Equal(t, contracts.ViolationExplicit, hits[0].ViolationType)
}

func TestSensitiveAccessWithApprovalPasses(t *testing.T) {
	h := newHarness(t)
	h.event("evt-1", "ACCESS_READ", "", "alice", "customer_pii", baseTime,
		map[string]interface{}{"approval_id": "apr-77"})

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	assert.Empty(t, h.cycle().PolicyHits)
}

func TestSensitiveAccessWithoutApproval(t *testing.T) {
	h := newHarness(t)
	h.event("evt-1", "ACCESS_READ", "", "alice", "customer_pii", baseTime, nil)

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	hits := h.cycle().PolicyHits
	require.Len(t, hits, 1)
	assert.Equal(t, "NO_UNCONTROLLED_SENSITIVE_ACCESS", hits[0].PolicyID)
}

func TestOneEventCanHitMultiplePolicies(t *testing.T) {
	h := newHarness(t)
	// After-hours write to a sensitive resource with no approval.
	h.event("evt-1", "ACCESS_WRITE", "", "svc_bot", "secrets",
		time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), nil)

	agent := defaultComplianceAgent(t, h)
	require.NoError(t, agent.Detect(context.Background(), h.cycleID, h.snapshot()))

	hits := h.cycle().PolicyHits
	require.Len(t, hits, 2)
	seen := map[string]bool{}
	for _, hit := range hits {
		key := hit.PolicyID + "/" + hit.EventID
		assert.False(t, seen[key], "duplicate (policy_id, event_id)")
		seen[key] = true
	}
}

func TestPolicyCompileFailureIsFatalAtConstruction(t *testing.T) {
	h := newHarness(t)
	_, err := NewComplianceAgent(h.board, []contracts.Policy{{
		PolicyID:  "BROKEN",
		Predicate: "this is not CEL ((",
		Severity:  contracts.SeverityLow,
	}})
	require.Error(t, err)
}

func TestLoadPolicyPackDefaults(t *testing.T) {
	policies, workflows, err := LoadPolicyPack("")
	require.NoError(t, err)
	assert.Len(t, policies, 5)
	require.Len(t, workflows, 1)
	assert.Equal(t, "wf1", workflows[0].WorkflowID)
}

func TestLoadPolicyPackRejectsUnknownSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - policy_id: P1
    predicate: 'type == "X"'
    severity: SEVERE
`), 0o644))
	_, _, err := LoadPolicyPack(path)
	require.Error(t, err)
}

func TestPolicyVaultFencesScoringRoles(t *testing.T) {
	policies, _, err := LoadPolicyPack("")
	require.NoError(t, err)

	vault := NewPolicyVault(policies)
	assert.Len(t, vault.PoliciesFor(RoleCompliance), len(policies))

	assert.PanicsWithError(t,
		"guard violation IsolationViolation on scorer: scoring code may not read policy definitions",
		func() { vault.PoliciesFor(RoleScorer) })
	assert.PanicsWithError(t,
		"guard violation IsolationViolation on recommender: scoring code may not read policy definitions",
		func() { vault.PoliciesFor(RoleRecommender) })
}

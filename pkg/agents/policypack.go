package agents

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/guards"
)

//go:embed default_policies.yaml
var defaultPack []byte

// PolicyPack is the on-disk shape of a policy pack: the compliance
// policies plus the workflow definitions the workflow agent checks
// against.
type PolicyPack struct {
	Policies  []packPolicy         `yaml:"policies"`
	Workflows []WorkflowDefinition `yaml:"workflows"`
}

type packPolicy struct {
	PolicyID  string `yaml:"policy_id"`
	Predicate string `yaml:"predicate"`
	Severity  string `yaml:"severity"`
	Rationale string `yaml:"rationale"`
}

// LoadPolicyPack reads a pack from path, or the embedded default pack
// when path is empty. Malformed packs are a startup error.
func LoadPolicyPack(path string) ([]contracts.Policy, []WorkflowDefinition, error) {
	raw := defaultPack
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("policy pack: read %s: %w", path, err)
		}
		raw = data
	}

	var pack PolicyPack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return nil, nil, fmt.Errorf("policy pack: parse: %w", err)
	}

	policies := make([]contracts.Policy, 0, len(pack.Policies))
	for i, p := range pack.Policies {
		if p.PolicyID == "" || p.Predicate == "" {
			return nil, nil, fmt.Errorf("policy pack: entry %d missing policy_id or predicate", i)
		}
		sev, err := parseSeverity(p.Severity)
		if err != nil {
			return nil, nil, fmt.Errorf("policy pack: policy %s: %w", p.PolicyID, err)
		}
		policies = append(policies, contracts.Policy{
			PolicyID:  p.PolicyID,
			Predicate: p.Predicate,
			Severity:  sev,
			Rationale: p.Rationale,
		})
	}

	for i, w := range pack.Workflows {
		if w.WorkflowID == "" || len(w.Steps) == 0 {
			return nil, nil, fmt.Errorf("policy pack: workflow %d missing workflow_id or steps", i)
		}
	}
	return policies, pack.Workflows, nil
}

// PolicyVault fences the loaded policy set by reasoning role. Policy
// definitions are immutable at runtime; detection and compliance roles
// read them, scoring and explanation roles judge findings and never
// touch definitions. A scoring-role read halts the process.
type PolicyVault struct {
	policies []contracts.Policy
}

func NewPolicyVault(policies []contracts.Policy) *PolicyVault {
	cp := make([]contracts.Policy, len(policies))
	copy(cp, policies)
	return &PolicyVault{policies: cp}
}

// PoliciesFor returns a copy of the definitions for role.
func (v *PolicyVault) PoliciesFor(role string) []contracts.Policy {
	switch role {
	case RoleScorer, RoleRecommender:
		guards.Fail(guards.KindIsolationViolation, role,
			"scoring code may not read policy definitions")
	}
	out := make([]contracts.Policy, len(v.policies))
	copy(out, v.policies)
	return out
}

func parseSeverity(s string) (contracts.Severity, error) {
	switch contracts.Severity(s) {
	case contracts.SeverityLow, contracts.SeverityMedium, contracts.SeverityHigh, contracts.SeverityCritical:
		return contracts.Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

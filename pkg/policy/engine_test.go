package policy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/rs/zerolog"
)

type mockCatalog struct {
	specs map[string]*engine.ResourceSpec
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		specs: map[string]*engine.ResourceSpec{
			"configuration": {Type: "configuration", Protection: engine.ProtectionCritical},
			"view":          {Type: "view", Protection: engine.ProtectionCritical},
			"block":         {Type: "block", Protection: engine.ProtectionHighRisk},
			"network":       {Type: "network", Protection: engine.ProtectionHighRisk},
			"zone":          {Type: "zone", Protection: engine.ProtectionHighRisk},
			"address":       {Type: "address", Protection: engine.ProtectionNone},
			"dhcp_range":    {Type: "dhcp_range", Protection: engine.ProtectionNone},
		},
	}
}

func (c *mockCatalog) Spec(resourceType string) (*engine.ResourceSpec, bool) {
	spec, ok := c.specs[resourceType]
	return spec, ok
}

func (c *mockCatalog) Types() []string {
	types := make([]string, 0, len(c.specs))
	for t := range c.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func newTestEngine(t *testing.T, allowDangerous bool) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(newMockCatalog(), allowDangerous, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, false)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}

	expected := []string{"tier-critical-delete", "tier-high-risk-delete"}
	for i, want := range expected {
		if policies[i].Name != want {
			t.Errorf("Expected policy %s at position %d, got %s", want, i, policies[i].Name)
		}
	}
}

func TestCheck_CriticalDeleteRefused(t *testing.T) {
	for _, allowDangerous := range []bool{false, true} {
		eng := newTestEngine(t, allowDangerous)

		err := eng.Check(context.Background(), "configuration", engine.OperationDelete)
		if err == nil {
			t.Fatalf("Expected configuration delete to be refused (allowDangerous=%v)", allowDangerous)
		}
		if !engine.IsSafetyViolation(err) {
			t.Errorf("Expected safety violation error, got: %v", err)
		}
	}
}

func TestCheck_ViewDeleteRefused(t *testing.T) {
	eng := newTestEngine(t, true)

	err := eng.Check(context.Background(), "view", engine.OperationDelete)
	if err == nil {
		t.Fatal("Expected view delete to be refused even with allow-dangerous")
	}
	if !engine.IsSafetyViolation(err) {
		t.Errorf("Expected safety violation error, got: %v", err)
	}
}

func TestCheck_HighRiskDeleteGated(t *testing.T) {
	eng := newTestEngine(t, false)
	err := eng.Check(context.Background(), "network", engine.OperationDelete)
	if err == nil {
		t.Fatal("Expected network delete to be refused without allow-dangerous")
	}
	if !engine.IsSafetyViolation(err) {
		t.Errorf("Expected safety violation error, got: %v", err)
	}

	eng = newTestEngine(t, true)
	if err := eng.Check(context.Background(), "network", engine.OperationDelete); err != nil {
		t.Errorf("Expected network delete to pass with allow-dangerous, got: %v", err)
	}
}

func TestCheck_LeafDeleteAllowed(t *testing.T) {
	eng := newTestEngine(t, false)

	if err := eng.Check(context.Background(), "address", engine.OperationDelete); err != nil {
		t.Errorf("Expected address delete to be allowed, got: %v", err)
	}
}

func TestCheck_CreateAndUpdateAllowed(t *testing.T) {
	eng := newTestEngine(t, false)

	if err := eng.Check(context.Background(), "configuration", engine.OperationCreate); err != nil {
		t.Errorf("Expected configuration create to be allowed, got: %v", err)
	}
	if err := eng.Check(context.Background(), "zone", engine.OperationUpdate); err != nil {
		t.Errorf("Expected zone update to be allowed, got: %v", err)
	}
}

func TestCheck_UnknownTypeAllowed(t *testing.T) {
	eng := newTestEngine(t, false)

	// Unknown types carry no protection tier.
	if err := eng.Check(context.Background(), "gadget", engine.OperationDelete); err != nil {
		t.Errorf("Expected unknown type delete to be allowed, got: %v", err)
	}
}

func TestEvaluateDecision(t *testing.T) {
	eng := newTestEngine(t, false)

	decision, err := eng.Evaluate(context.Background(), &Input{
		ResourceType: "configuration",
		Kind:         "delete",
		Protection:   "critical",
	})
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected decision to refuse the operation")
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(decision.Violations))
	}
	if decision.Violations[0].Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", decision.Violations[0].Severity)
	}
	if decision.Violations[0].Policy != "tier-critical-delete" {
		t.Errorf("Expected tier-critical-delete policy, got %s", decision.Violations[0].Policy)
	}
	if len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("Expected 2 evaluated policies, got %v", decision.EvaluatedPolicies)
	}
}

func TestLoadOperatorPolicies(t *testing.T) {
	eng := newTestEngine(t, false)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "frozen-ranges.rego")

	regoContent := `package ipamctl.policies.frozen

import rego.v1

deny contains violation if {
	input.kind == "delete"
	input.resource_type == "dhcp_range"
	violation := {
		"message": "dhcp_range deletion is frozen",
		"severity": "error",
		"resource_type": input.resource_type,
	}
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load operator policies: %v", err)
	}

	err := eng.Check(context.Background(), "dhcp_range", engine.OperationDelete)
	if err == nil {
		t.Fatal("Expected dhcp_range delete to be refused by operator policy")
	}
	if !engine.IsSafetyViolation(err) {
		t.Errorf("Expected safety violation error, got: %v", err)
	}

	// Other leaf types are unaffected.
	if err := eng.Check(context.Background(), "address", engine.OperationDelete); err != nil {
		t.Errorf("Expected address delete to stay allowed, got: %v", err)
	}
}

func TestLoadOperatorPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t, false)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "broken.rego")
	if err := os.WriteFile(policyFile, []byte("this is not rego"), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{policyFile}); err == nil {
		t.Error("Expected error for unparseable policy")
	}
}

func TestDisableBuiltinPolicyRefused(t *testing.T) {
	eng := newTestEngine(t, false)

	if err := eng.DisablePolicy("tier-critical-delete"); err == nil {
		t.Error("Expected disabling a built-in policy to fail")
	}
}

func TestDisableOperatorPolicy(t *testing.T) {
	eng := newTestEngine(t, false)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "frozen-ranges.rego")
	regoContent := `package ipamctl.policies.frozen

import rego.v1

deny contains violation if {
	input.kind == "delete"
	input.resource_type == "dhcp_range"
	violation := {
		"message": "dhcp_range deletion is frozen",
		"severity": "error",
		"resource_type": input.resource_type,
	}
}`
	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{policyFile}); err != nil {
		t.Fatalf("Failed to load operator policies: %v", err)
	}

	if err := eng.DisablePolicy("frozen-ranges"); err != nil {
		t.Fatalf("Failed to disable operator policy: %v", err)
	}
	if err := eng.Check(context.Background(), "dhcp_range", engine.OperationDelete); err != nil {
		t.Errorf("Expected delete to pass with policy disabled, got: %v", err)
	}

	if err := eng.EnablePolicy("frozen-ranges"); err != nil {
		t.Fatalf("Failed to re-enable operator policy: %v", err)
	}
	if err := eng.Check(context.Background(), "dhcp_range", engine.OperationDelete); err == nil {
		t.Error("Expected delete to be refused after re-enabling")
	}
}

func TestGetPolicy(t *testing.T) {
	eng := newTestEngine(t, false)

	policy, err := eng.GetPolicy("tier-high-risk-delete")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", policy.Severity)
	}

	if _, err := eng.GetPolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplaceOperatorPolicies(t *testing.T) {
	eng := newTestEngine(t, false)

	first := Policy{
		Name:     "first",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package ipamctl.policies.first

import rego.v1

deny contains violation if {
	input.resource_type == "address"
	input.kind == "delete"
	violation := {"message": "address deletion denied", "severity": "error"}
}`,
	}

	if err := eng.replaceOperatorPolicies(context.Background(), []Policy{first}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if err := eng.Check(context.Background(), "address", engine.OperationDelete); err == nil {
		t.Fatal("Expected address delete to be refused by replacement policy")
	}

	// Replacing with an empty set drops the operator policy but keeps
	// the built-ins.
	if err := eng.replaceOperatorPolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if err := eng.Check(context.Background(), "address", engine.OperationDelete); err != nil {
		t.Errorf("Expected address delete to pass after reload, got: %v", err)
	}
	if err := eng.Check(context.Background(), "configuration", engine.OperationDelete); err == nil {
		t.Error("Expected built-in policy to survive reload")
	}
}

package policy

import (
	"time"
)

// GetBuiltinPolicies returns the built-in safety policies. They encode
// the protection tiers: critical container types are never deletable,
// high-risk types are deletable only with the allow-dangerous override,
// everything else is unrestricted.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		criticalDeletePolicy(),
		highRiskDeletePolicy(),
	}
}

// criticalDeletePolicy refuses deletion of critical container types.
// There is no override; losing a configuration or view takes the whole
// tree under it.
func criticalDeletePolicy() Policy {
	return Policy{
		Name:        "tier-critical-delete",
		Description: "Refuses deletion of critical container types (configuration, view) unconditionally",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "tiers"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package ipamctl.policies.critical

import rego.v1

# Critical container types are never deletable. The allow-dangerous
# override does not apply to this tier.
deny contains violation if {
	input.kind == "delete"
	input.protection == "critical"
	violation := {
		"message": sprintf("deletion of %s resources is never permitted", [input.resource_type]),
		"severity": "critical",
		"resource_type": input.resource_type,
	}
}`,
	}
}

// highRiskDeletePolicy gates deletion of high-risk container types on the
// allow-dangerous override.
func highRiskDeletePolicy() Policy {
	return Policy{
		Name:        "tier-high-risk-delete",
		Description: "Refuses deletion of high-risk types (block, network, zone) unless allow-dangerous is set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "tiers"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package ipamctl.policies.highrisk

import rego.v1

deny contains violation if {
	input.kind == "delete"
	input.protection == "high_risk"
	not input.allow_dangerous
	violation := {
		"message": sprintf("deletion of %s resources requires the allow-dangerous override", [input.resource_type]),
		"severity": "error",
		"resource_type": input.resource_type,
	}
}`,
	}
}

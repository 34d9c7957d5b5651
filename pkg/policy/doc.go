// Package policy provides the Open Policy Agent (OPA) safety-policy
// provider for ipamctl.
//
// This package decides whether a proposed operation on a resource type is
// permitted, using the Rego policy language. It ships built-in policies
// encoding the protection tiers and supports operator-supplied .rego
// files layered on top.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads operator policy files and watches them for changes
//  3. Types - Data structures for policies, violations, and decisions
//  4. Built-in Policies - The protection-tier rules
//
// # Usage
//
// Creating a policy engine over a resource catalog:
//
//	catalog, err := config.NewCatalogLoader().LoadBuiltin()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	guard, err := policy.NewEngine(catalog, false, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Checking an operation (the engine's diff and executor do this through
// the safety-policy interface):
//
//	err = guard.Check(ctx, "configuration", engine.OperationDelete)
//	if engine.IsSafetyViolation(err) {
//	    fmt.Println("refused:", err)
//	}
//
// Loading operator policies:
//
//	err = guard.LoadPolicies(ctx, []string{"/etc/ipamctl/policies"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Protection Tiers
//
// The built-in policies encode three tiers, driven by the catalog's
// per-type protection declarations:
//
//  1. critical (configuration, view) - deletion always refused, no
//     override
//  2. high_risk (block, network, zone) - deletion refused unless the
//     allow-dangerous override is set
//  3. none (leaf types) - unrestricted
//
// With safe mode on, the diff engine downgrades refused deletes to noops
// before they enter the dependency graph. The executor re-checks every
// mutating operation immediately before dispatch regardless of safe
// mode, so a refused operation that reaches execution fails rather than
// runs.
//
// # Operator Policies
//
// Operator policies are plain .rego files. The file name becomes the
// policy name; deny results follow the same shape as the built-ins:
//
//	package ipamctl.policies.frozen
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.kind == "delete"
//	    input.resource_type == "dhcp_range"
//
//	    violation := {
//	        "message": "dhcp_range deletion is frozen during migration",
//	        "severity": "error",
//	        "resource_type": input.resource_type,
//	    }
//	}
//
// The evaluation input carries resource_type, kind, protection and
// allow_dangerous.
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: informational findings
//   - warning: reviewed but not blocking
//   - error: blocks the operation
//   - critical: blocks the operation, no override applies
//
// # Hot Reload
//
// The engine can watch operator policy paths and reload them on change;
// built-in policies survive every reload:
//
//	err = guard.Watch(ctx, []string{"/etc/ipamctl/policies"})
//
// # Performance
//
// Policies are compiled once into prepared queries and reused for every
// evaluation, so the executor's per-operation final guard stays cheap.
package policy

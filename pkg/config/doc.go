// Package config provides application configuration loading and the CUE
// resource catalog for ipamctl.
//
// # Overview
//
// The config package owns the two configuration surfaces of ipamctl: the
// YAML application configuration (connection, policy, tuning) and the CUE
// resource catalog that tells the engine what each resource type looks
// like.
//
// # Features
//
//   - YAML configuration with defaults, environment overrides, and
//     struct-tag validation
//   - Built-in CUE resource catalog covering the full address-manager
//     hierarchy
//   - Operator catalog overlays from .cue files or directories
//   - Cross-checks for parent and reference declarations
//   - Error reporting with file locations and line numbers
//
// # Components
//
// Config: The application configuration. Loaded with Load, which applies
// defaults, file values, and environment overrides in that order.
//
// Catalog: Resource-type specifications consumed by the engine's diff and
// dependency stages. Implements the engine's catalog interface.
//
// CatalogLoader: Compiles the built-in CUE catalog, unifies operator
// overlays against it, and decodes the result into a Catalog.
//
// # Usage Example
//
//	// Load the application configuration
//	cfg, err := config.Load("/etc/ipamctl/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Load the resource catalog with operator overlays
//	loader := config.NewCatalogLoader()
//	catalog, err := loader.Load(ctx, cfg.Catalog.Paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	spec, ok := catalog.Spec("network")
//
// # Catalog Structure
//
// The catalog declares, per resource type, the fields the diff compares
// (with their normalization class), the identifying fields, create
// requirements, parentage, reference fields, and the protection tier:
//
//	catalog: {
//	    network: {
//	        identifying: ["cidr"]
//	        fields: {
//	            cidr:    "cidr"
//	            name:    "name"
//	            gateway: "address"
//	        }
//	        required: ["cidr"]
//	        parents: ["configuration", "block"]
//	        protection:  "high_risk"
//	        cidr_scoped: true
//	    }
//	}
//
// Overlays unify with the built-in catalog, so an operator file can add
// new types or tighten existing ones but cannot silently contradict the
// schema.
//
// # Application Configuration
//
// The YAML file mirrors the engine's tuning surface:
//
//	remote:
//	    base_url: "https://bam.example.com/api"
//	    username: "importer"
//	    configuration: "prod"
//	policy:
//	    safe_mode: true
//	    update_mode: "upsert"
//	    failure_policy: "fail_group"
//	throttle:
//	    initial: 10
//	    max: 50
//
// Credentials can be supplied via IPAMCTL_REMOTE_PASSWORD and friends
// instead of the file.
//
// # Error Handling
//
// Catalog compilation errors include detailed location information:
//
//	ValidationError{
//	    File: "overlay.cue",
//	    Line: 42,
//	    Column: 5,
//	    Message: "catalog.network.protection: conflicting values",
//	    Severity: "error",
//	}
//
// # Thread Safety
//
// Catalog is safe for concurrent use. Config is read-only after Load.
package config

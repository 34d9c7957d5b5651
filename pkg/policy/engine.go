package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego safety policies against proposed operations. It
// implements the reconciliation engine's safety-policy interface: the
// diff engine consults it for protected-delete handling and the executor
// re-checks it immediately before dispatch.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins map[string]bool

	store          storage.Store
	catalog        engine.Catalog
	allowDangerous bool
	loader         *Loader
	logger         zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in tier policies
// loaded. The catalog supplies each resource type's protection tier;
// allowDangerous is the run-level override for high-risk deletions.
func NewEngine(catalog engine.Catalog, allowDangerous bool, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:       make(map[string]*compiledPolicy),
		builtins:       make(map[string]bool),
		store:          inmem.New(),
		catalog:        catalog,
		allowDangerous: allowDangerous,
		logger:         logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check decides whether an operation on a resource type is permitted. A
// nil return permits it. A blocking violation returns a permanent error
// carrying the safety-violation code; an evaluation failure also blocks,
// since a guard that cannot evaluate must not wave operations through.
func (e *Engine) Check(ctx context.Context, resourceType string, kind engine.OperationKind) error {
	decision, err := e.Evaluate(ctx, e.buildInput(resourceType, kind))
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodeSafetyViolation)
	}

	for i := range decision.Violations {
		v := &decision.Violations[i]
		if v.Severity.Blocking() {
			continue
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("resource_type", resourceType).
			Str("kind", string(kind)).
			Msg(v.Message)
	}

	if decision.Allowed {
		return nil
	}

	blocking := firstBlocking(decision.Violations)
	return engine.NewPermanentError(blocking.Message, nil).
		WithCode(engine.ErrCodeSafetyViolation).
		WithDetail("policy", blocking.Policy)
}

// Evaluate runs every enabled policy against the input and collects the
// violations. The operation is allowed unless a violation at blocking
// severity exists.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{
		Allowed:     true,
		EvaluatedAt: time.Now(),
	}

	// Stable evaluation order keeps violation messages deterministic.
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	for i := range decision.Violations {
		if decision.Violations[i].Severity.Blocking() {
			decision.Allowed = false
			break
		}
	}

	return decision, nil
}

// LoadPolicies compiles operator policy files from the given paths and
// adds them to the engine. A policy with the name of an existing one
// replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("operator policies loaded")

	return nil
}

// Watch starts watching the given paths and reloads operator policies on
// change. Built-in policies survive every reload. No paths means nothing
// to watch.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceOperatorPolicies(ctx, policies)
	})
}

// Close stops the policy file watcher.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Built-in tier policies cannot
// be disabled.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.RLock()
	builtin := e.builtins[name]
	e.mu.RUnlock()
	if builtin {
		return fmt.Errorf("built-in policy %s cannot be disabled", name)
	}
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// buildInput annotates an operation with its catalog protection tier.
func (e *Engine) buildInput(resourceType string, kind engine.OperationKind) *Input {
	protection := string(engine.ProtectionNone)
	if e.catalog != nil {
		if spec, ok := e.catalog.Spec(resourceType); ok {
			protection = string(spec.Protection)
		}
	}

	return &Input{
		ResourceType:   resourceType,
		Kind:           string(kind),
		Protection:     protection,
		AllowDangerous: e.allowDangerous,
	}
}

// evaluatePolicy runs one compiled policy's deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// createViolation builds a Violation from one deny result, which is
// either a bare message string or a document with message/severity/
// resource_type fields.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if rt, ok := v["resource_type"].(string); ok {
			violation.ResourceType = rt
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// firstBlocking returns the first violation at blocking severity.
func firstBlocking(violations []Violation) *Violation {
	for i := range violations {
		if violations[i].Severity.Blocking() {
			return &violations[i]
		}
	}
	return &violations[0]
}

// compileAndStorePolicy parses and prepares a policy's deny query.
// Callers hold the write lock.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("policy compiled")
	return nil
}

// replaceOperatorPolicies swaps the operator policy set, keeping the
// built-ins. A compile failure leaves the previous set in place.
func (e *Engine) replaceOperatorPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	next := make(map[string]*compiledPolicy, len(e.builtins)+len(policies))
	for name := range e.builtins {
		next[name] = previous[name]
	}

	e.policies = next
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("operator policies reloaded")

	return nil
}

// loadBuiltinPolicies compiles the built-in tier policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, policy := range GetBuiltinPolicies() {
		p := policy
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.builtins[p.Name] = true
	}

	e.logger.Debug().Int("count", len(e.builtins)).Msg("built-in policies loaded")
	return nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "ipamctl.policies"
}

package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// Config controls the evaluation context handed to policies.
type Config struct {
	// Platform is exposed to policies as input.context.platform.
	Platform string

	// AllowInsecureManifests disables the manifest-transport check.
	AllowInsecureManifests bool

	// Events receives a policy.violation event per blocking violation. May be nil.
	Events *telemetry.EventPublisher
}

// Engine evaluates install eligibility rules written in Rego.
type Engine struct {
	mu              sync.RWMutex
	cfg             Config
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy

	// paths and bundles are the custom policy sources last loaded.
	paths   []string
	bundles []string

	// overrides holds enabled states set by name. They outlast a reload of
	// the custom policies.
	overrides map[string]bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:             cfg,
		policies:        make(map[string]*compiledPolicy),
		overrides:       make(map[string]bool),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates all enabled policies and returns an *IneligibleError when
// any blocking violation is found. It implements orchestrator.Gate.
func (e *Engine) Check(ctx context.Context, product *storefront.Product) error {
	result, err := e.Evaluate(ctx, product)
	if err != nil {
		return err
	}
	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		_ = e.cfg.Events.PublishPolicyViolation(product.Slug, v.Policy, v.Message)
	}
	return &IneligibleError{App: product.Slug, Violations: result.Violations}
}

// Evaluate evaluates all enabled policies against a product.
func (e *Engine) Evaluate(ctx context.Context, product *storefront.Product) (*Result, error) {
	if product == nil {
		return nil, fmt.Errorf("product is required")
	}

	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Product: product,
		Context: &Context{
			Platform:               e.cfg.Platform,
			AllowInsecureManifests: e.cfg.AllowInsecureManifests,
			Operation:              "install",
			Timestamp:              startTime,
		},
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("app", product.Slug).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("app", product.Slug).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Product policy evaluation completed")

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("app", product.Slug).Msg(w.Message)
	}

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
		App:      input.Product.Slug,
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
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies compiles the built-in policies. Callers hold mu or
// have exclusive access.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads custom policies from files, directories and JSON
// bundles. The sources are remembered for ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string, bundles ...string) error {
	policies, err := e.readSources(ctx, NewLoader(e.logger), paths, bundles)
	if err != nil {
		return err
	}
	if err := e.SetCustomPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.bundles = append([]string(nil), bundles...)
	e.mu.Unlock()
	return nil
}

func (e *Engine) readSources(ctx context.Context, loader *Loader, paths, bundles []string) ([]Policy, error) {
	var policies []Policy
	if len(paths) > 0 {
		loaded, err := loader.LoadFromPaths(ctx, paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		policies = loaded
	}
	bundled, err := readBundles(loader, bundles)
	if err != nil {
		return nil, err
	}
	return append(policies, bundled...), nil
}

func readBundles(loader *Loader, bundles []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range bundles {
		bundle, err := loader.LoadBundle(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load bundle %s: %w", path, err)
		}
		policies = append(policies, bundle.Policies...)
	}
	return policies, nil
}

// SetCustomPolicies replaces every non built-in policy with the given set.
// Nothing changes if any of them fails to compile.
func (e *Engine) SetCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if e.isBuiltin(p.Name) {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	for name, enabled := range e.overrides {
		if cp, ok := e.policies[name]; ok {
			cp.policy.Enabled = enabled
		}
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Custom policies loaded")

	return nil
}

// Watch loads the policies under paths and in bundles, and reloads them
// whenever a file under paths changes, until ctx is done. Bundles are re-read
// on each reload but not watched.
func (e *Engine) Watch(ctx context.Context, paths []string, bundles ...string) (*Loader, error) {
	if err := e.LoadPolicies(ctx, paths, bundles...); err != nil {
		return nil, err
	}
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		bundled, err := readBundles(loader, bundles)
		if err != nil {
			return err
		}
		return e.SetCustomPolicies(ctx, append(policies, bundled...))
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

func (e *Engine) isBuiltin(name string) bool {
	for i := range e.builtinPolicies {
		if e.builtinPolicies[i].Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-in policies, re-reads the custom
// sources last passed to LoadPolicies and drops enabled-state overrides.
// Nothing changes if the sources cannot be read.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths, bundles := e.paths, e.bundles
	e.mu.RUnlock()

	policies, err := e.readSources(ctx, NewLoader(e.logger), paths, bundles)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.overrides = make(map[string]bool)
	e.policies = make(map[string]*compiledPolicy)
	err = e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.SetCustomPolicies(ctx, policies)
}

// EnablePolicy enables a policy by name. The state is kept when custom
// policies are reloaded.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
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
	e.overrides[name] = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

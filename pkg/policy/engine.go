package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Engine evaluates rego admission policies. It implements engine.Admission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

var _ engine.Admission = (*Engine)(nil)

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Options configures the data documents policies can read.
type Options struct {
	// Limits overrides DefaultLimits per kind, exposed as data.pilot.limits.
	Limits map[engine.Kind]int

	// Admins may act on any host, exposed as data.pilot.admins.
	Admins []string
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	limits := make(map[string]interface{}, len(DefaultLimits))
	for kind, n := range DefaultLimits {
		limits[string(kind)] = n
	}
	for kind, n := range opts.Limits {
		limits[string(kind)] = n
	}
	admins := make([]interface{}, len(opts.Admins))
	for i, a := range opts.Admins {
		admins[i] = a
	}

	logger = logger.With().Str("component", "policy").Logger()
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"pilot": map[string]interface{}{
				"limits": limits,
				"admins": admins,
			},
		}),
		logger: logger,
		loader: NewLoader(logger),
	}

	ctx := context.Background()
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")
	return e, nil
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// Admit rejects the request with a validation fault when any enabled policy
// reports an error-severity violation.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) error {
	decision, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("action", req.Action).Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}

	first := decision.Violations[0]
	code := first.Code
	if code == "" {
		code = engine.ErrCodePolicyDenied
	}
	msgs := make([]string, len(decision.Violations))
	for i, v := range decision.Violations {
		msgs[i] = v.Message
	}

	fault := engine.NewValidationFault(strings.Join(msgs, "; "), nil).
		WithCode(code).
		WithOperation(req.Action).
		WithDetail("violations", decision.Violations)
	if req.Host != nil {
		fault = fault.WithHost(req.Host.ID)
	}
	if req.Resource != nil {
		fault = fault.WithResource(req.Resource.ID)
	}

	e.logger.Info().
		Str("actor", req.Actor).
		Str("action", req.Action).
		Str("code", code).
		Msg("request denied by policy")
	return fault
}

// Evaluate runs every enabled policy against the request.
func (e *Engine) Evaluate(ctx context.Context, req engine.AdmissionRequest) (*Decision, error) {
	start := time.Now()

	input, err := toInput(req)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	decision := &Decision{Allowed: true, EvaluatedAt: start}
	for _, cp := range policies {
		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("%s: %v", cp.policy.Name, err))
			continue
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denied, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denied {
				v := newViolation(cp.policy, d)
				if v.Severity == SeverityError {
					decision.Allowed = false
					decision.Violations = append(decision.Violations, v)
				} else {
					decision.Warnings = append(decision.Warnings, v)
				}
			}
		}
	}

	decision.Duration = time.Since(start)
	return decision, nil
}

// toInput converts the request to the JSON shape policies see.
func toInput(req engine.AdmissionRequest) (map[string]interface{}, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}

func newViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if code, ok := r["code"].(string); ok {
			v.Code = code
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	if v.Message == "" {
		v.Message = "denied by " + policy.Name
	}
	return v
}

// LoadPolicies replaces the loaded user policies with those found at paths.
// Nothing changes when any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceUserPolicies(ctx, policies)
}

func (e *Engine) replaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("policy file overrides a built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

// Watch reloads user policies whenever a file below paths changes. It
// returns once watching has started; ctx stops it.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceUserPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

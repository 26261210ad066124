// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates a rule set against the metrics of one shift.
// It holds no per-shift state: the same input and rule set always produce
// the same matches.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   *compiledSet
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Def     domain.RuleDefinition
	Program cel.Program
	explain []varRef
}

type compiledSet struct {
	set   *domain.RuleSet
	rules []*CompiledRule // rule-set order, disabled rules dropped
}

// varRef points at one variable of the activation, like "m.revenue_per_km".
type varRef struct {
	scope string
	key   string
}

func (r varRef) String() string { return r.scope + "." + r.key }

// Input holds the data one evaluation sees.
type Input struct {
	Metrics  domain.DerivedMetrics
	Baseline *domain.DriverBaseline
}

// Result is the outcome of evaluating one shift.
type Result struct {
	Matches        []domain.RuleMatch
	RuleSetVersion string
	Levels         domain.LevelBoundaries
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("m", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("b", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("th", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("has_prior", cel.BoolType),
		cel.Variable("valid_duration", cel.BoolType),
		cel.Variable("baseline_usable", cel.BoolType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles and dry-runs a rule set without replacing the loaded one.
func (e *Engine) Validate(set *domain.RuleSet) error {
	_, err := e.compile(set)
	return err
}

// Load compiles a rule set and swaps it in. On error the previous set stays active.
func (e *Engine) Load(set *domain.RuleSet) error {
	compiled, err := e.compile(set)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// RuleSet returns a copy of the loaded rule set, or nil before the first Load.
func (e *Engine) RuleSet() *domain.RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.compiled == nil {
		return nil
	}
	return cloneRuleSet(e.compiled.set)
}

// RulesCount returns the number of active rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.compiled == nil {
		return 0
	}
	return len(e.compiled.rules)
}

// Evaluate runs every active rule against in. Baseline rules are inert when
// the baseline is not usable. Of the rules sharing a group only the most
// severe match is kept. Matches come back in rule-set order.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	e.mu.RLock()
	cs := e.compiled
	e.mu.RUnlock()

	if cs == nil {
		return nil, fmt.Errorf("no rule set loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	activation := newActivation(cs.set, in)
	usable := in.Baseline.Usable()

	// Parallel evaluation using worker pool pattern
	fired := make([]bool, len(cs.rules))
	errs := make([]error, len(cs.rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range cs.rules {
		if rule.Def.NeedsBaseline() && !usable {
			continue
		}
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			fired[idx], errs[idx] = evalRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	winners := groupWinners(cs.rules, fired)

	var matches []domain.RuleMatch
	for i, rule := range cs.rules {
		if !fired[i] {
			continue
		}
		if g := rule.Def.Group; g != "" && winners[g] != i {
			continue
		}
		matches = append(matches, buildMatch(rule, cs.set.Points, activation))
	}

	return &Result{
		Matches:        matches,
		RuleSetVersion: cs.set.Version,
		Levels:         cs.set.Levels,
	}, nil
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = nil
	return nil
}

func evalRule(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", rule.Def.Code, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expected bool result, got %s", rule.Def.Code, out.Type())
	}
	return bool(b), nil
}

// groupWinners picks, per group, the index of the fired rule with the highest
// severity. Ties go to the earlier rule.
func groupWinners(rules []*CompiledRule, fired []bool) map[string]int {
	winners := make(map[string]int)
	for i, rule := range rules {
		g := rule.Def.Group
		if g == "" || !fired[i] {
			continue
		}
		best, ok := winners[g]
		if !ok || rule.Def.Severity.Rank() > rules[best].Def.Severity.Rank() {
			winners[g] = i
		}
	}
	return winners
}

func buildMatch(rule *CompiledRule, points domain.ScorePoints, activation map[string]any) domain.RuleMatch {
	m := domain.RuleMatch{
		Code:     rule.Def.Code,
		Label:    rule.Def.Label,
		Category: rule.Def.Category,
		Severity: rule.Def.Severity,
		Score:    points.For(rule.Def.Severity),
	}
	if len(rule.explain) > 0 {
		m.Values = make(map[string]float64, len(rule.explain))
		for _, ref := range rule.explain {
			vars, _ := activation[ref.scope].(map[string]float64)
			m.Values[ref.String()] = vars[ref.key]
		}
	}
	return m
}

func newActivation(set *domain.RuleSet, in *Input) map[string]any {
	th := set.Thresholds
	if th == nil {
		th = map[string]float64{}
	}
	return map[string]any{
		"m":               in.Metrics.Vars(),
		"b":               in.Baseline.Vars(),
		"th":              th,
		"has_prior":       in.Metrics.HasPrior,
		"valid_duration":  in.Metrics.ValidDuration,
		"baseline_usable": in.Baseline.Usable(),
	}
}

// compile builds programs for every enabled rule and dry-runs each one
// against zero metrics, so a misspelled variable fails at load time rather
// than on the first shift.
func (e *Engine) compile(set *domain.RuleSet) (*compiledSet, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: rule set is required", domain.ErrValidation)
	}
	if err := ValidateRuleSet(set); err != nil {
		return nil, err
	}

	zero := newActivation(set, &Input{})
	cs := &compiledSet{set: cloneRuleSet(set)}

	for _, def := range cs.set.Rules {
		if def.Disabled {
			continue
		}

		ast, issues := e.env.Compile(def.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrValidation, def.Code, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrValidation, def.Code, ast.OutputType())
		}

		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule %s: %w", def.Code, err)
		}

		rule := &CompiledRule{Def: def, Program: program}
		for _, raw := range def.Explain {
			ref, err := parseRef(raw, zero)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrValidation, def.Code, err)
			}
			rule.explain = append(rule.explain, ref)
		}

		if _, err := evalRule(rule, zero); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}

		cs.rules = append(cs.rules, rule)
	}

	return cs, nil
}

func parseRef(raw string, activation map[string]any) (varRef, error) {
	scope, key, ok := strings.Cut(raw, ".")
	if !ok {
		return varRef{}, fmt.Errorf("explain entry %q must look like scope.name", raw)
	}
	vars, isMap := activation[scope].(map[string]float64)
	if !isMap {
		return varRef{}, fmt.Errorf("explain entry %q: unknown scope %q", raw, scope)
	}
	if _, known := vars[key]; !known {
		return varRef{}, fmt.Errorf("explain entry %q: unknown variable", raw)
	}
	return varRef{scope: scope, key: key}, nil
}

func cloneRuleSet(set *domain.RuleSet) *domain.RuleSet {
	c := *set
	if set.Thresholds != nil {
		c.Thresholds = make(map[string]float64, len(set.Thresholds))
		for k, v := range set.Thresholds {
			c.Thresholds[k] = v
		}
	}
	c.Rules = make([]domain.RuleDefinition, len(set.Rules))
	for i, r := range set.Rules {
		c.Rules[i] = r
		c.Rules[i].Explain = append([]string(nil), r.Explain...)
	}
	return &c
}

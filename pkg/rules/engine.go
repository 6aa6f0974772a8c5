// Package rules implements the attribute rule engine: prioritized,
// conditional rules that compute per-target-system attributes from a hub
// identity's source attributes.
//
// Rules for one target see the outputs of higher-priority rules of the same
// target in their evaluation context; rules never see another target's
// outputs. A failing rule is recorded and skipped, it never aborts the run.
package rules

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// RuleSet is an immutable snapshot of compiled rules, grouped by target
// system and sorted for evaluation. Snapshots are safe for concurrent use;
// rule changes produce a new snapshot and never mutate an existing one.
type RuleSet struct {
	byTarget map[string][]*compiledRule
	policies map[string]*core.Policy
	version  string
}

type compiledRule struct {
	rule *core.Rule
	tmpl *Template
}

// Failure records one rule that could not be evaluated during a run.
type Failure struct {
	RuleID       string `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	TargetSystem string `json:"target_system"`
	Attribute    string `json:"attribute"`
	Err          string `json:"error"`
}

// Compile builds a RuleSet from rule and policy definitions. Only active
// rules are included. Within a target, rules evaluate by descending priority,
// ties broken by name so runs are deterministic. Every rule a policy names
// must exist in defs.
func Compile(defs []core.Rule, policies []core.Policy, version string) (*RuleSet, error) {
	rs := &RuleSet{
		byTarget: make(map[string][]*compiledRule),
		policies: make(map[string]*core.Policy),
		version:  version,
	}
	known := make(map[string]bool, len(defs))
	for i := range defs {
		known[defs[i].ID] = true
	}
	for i := range policies {
		p := policies[i]
		if p.Status != core.RuleStatusActive {
			continue
		}
		for _, ruleID := range p.Rules {
			if !known[ruleID] {
				return nil, core.NewValidationError(
					"policy "+p.Name+": unknown rule "+ruleID, nil).WithResource(p.ID)
			}
		}
		rs.policies[p.ID] = &p
	}
	for i := range defs {
		def := defs[i]
		if def.Status != core.RuleStatusActive {
			continue
		}
		if err := def.Type.Validate(); err != nil {
			return nil, core.NewValidationError("rule "+def.Name, err)
		}
		tmpl, err := Parse(def.Expression)
		if err != nil {
			return nil, core.NewValidationError("rule "+def.Name+": bad expression", err).
				WithResource(def.ID)
		}
		rs.byTarget[def.TargetSystem] = append(rs.byTarget[def.TargetSystem],
			&compiledRule{rule: &def, tmpl: tmpl})
	}
	for _, list := range rs.byTarget {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].rule.Priority != list[j].rule.Priority {
				return list[i].rule.Priority > list[j].rule.Priority
			}
			return list[i].rule.Name < list[j].rule.Name
		})
	}
	return rs, nil
}

// Version returns the snapshot's version label.
func (rs *RuleSet) Version() string { return rs.version }

// Targets returns the target systems this snapshot has rules for.
func (rs *RuleSet) Targets() []string {
	out := make([]string, 0, len(rs.byTarget))
	for t := range rs.byTarget {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RulesFor returns the definitions for a target in evaluation order.
func (rs *RuleSet) RulesFor(target string) []core.Rule {
	list := rs.byTarget[target]
	out := make([]core.Rule, 0, len(list))
	for _, cr := range list {
		out = append(out, *cr.rule)
	}
	return out
}

// Policies returns the snapshot's policies sorted by id.
func (rs *RuleSet) Policies() []core.Policy {
	out := make([]core.Policy, 0, len(rs.policies))
	for _, p := range rs.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForPolicy returns a snapshot restricted to one policy's member rules,
// preserving evaluation order. An empty id returns the snapshot unchanged;
// an unknown id is a NOT_FOUND error. When the policy limits its target
// systems, rules for other targets are dropped as well.
func (rs *RuleSet) ForPolicy(policyID string) (*RuleSet, error) {
	if policyID == "" {
		return rs, nil
	}
	p, ok := rs.policies[policyID]
	if !ok {
		return nil, core.NewValidationError("unknown policy", nil).
			WithCode(core.ErrCodeNotFound).
			WithResource(policyID)
	}

	member := make(map[string]bool, len(p.Rules))
	for _, id := range p.Rules {
		member[id] = true
	}
	allowedTarget := func(target string) bool {
		if len(p.TargetSystems) == 0 {
			return true
		}
		for _, t := range p.TargetSystems {
			if t == target {
				return true
			}
		}
		return false
	}

	filtered := &RuleSet{
		byTarget: make(map[string][]*compiledRule),
		policies: rs.policies,
		version:  rs.version,
	}
	for target, list := range rs.byTarget {
		if !allowedTarget(target) {
			continue
		}
		for _, cr := range list {
			if member[cr.rule.ID] {
				filtered.byTarget[target] = append(filtered.byTarget[target], cr)
			}
		}
	}
	return filtered, nil
}

// Engine evaluates rule sets against identity attributes.
type Engine struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewEngine creates a rule engine.
func NewEngine(logger *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		logger:  logger.NewComponentLogger("rules"),
		metrics: metrics,
	}
}

// Calculate computes the attributes for each requested target system.
//
// Each target starts from a fresh copy of the source attributes; outputs of
// earlier (higher-priority) rules become visible to later rules of the same
// target only. Failures never abort the run: the failing rule is skipped,
// recorded, and the remaining rules continue. Given identical inputs and an
// identical snapshot, the result is identical.
func (e *Engine) Calculate(ctx context.Context, rs *RuleSet, targets []string, source map[string]any) (map[string]map[string]any, []Failure) {
	results := make(map[string]map[string]any, len(targets))
	var failures []Failure

	for _, target := range targets {
		select {
		case <-ctx.Done():
			return results, failures
		default:
		}

		evalCtx := make(map[string]any, len(source))
		for k, v := range source {
			evalCtx[k] = v
		}
		outputs := make(map[string]any)

		for _, cr := range rs.byTarget[target] {
			value, err := e.evalRule(cr, evalCtx)
			if err != nil {
				failures = append(failures, Failure{
					RuleID:       cr.rule.ID,
					RuleName:     cr.rule.Name,
					TargetSystem: target,
					Attribute:    cr.rule.TargetAttribute,
					Err:          err.Error(),
				})
				e.logger.WithTargetSystem(target).
					WithField("rule", cr.rule.Name).
					WithError(err).
					Warn("rule evaluation failed, skipping")
				e.metrics.RecordRuleEvaluation(target, "error")
				continue
			}
			if value == nil {
				// Conditions not met: rule does not apply.
				e.metrics.RecordRuleEvaluation(target, "skipped")
				continue
			}
			outputs[cr.rule.TargetAttribute] = value
			evalCtx[cr.rule.TargetAttribute] = value
			e.metrics.RecordRuleEvaluation(target, "ok")
		}
		results[target] = outputs
	}
	return results, failures
}

// evalRule returns (nil, nil) when the rule's conditions gate it out.
func (e *Engine) evalRule(cr *compiledRule, evalCtx map[string]any) (any, error) {
	if len(cr.rule.Conditions) > 0 {
		met, err := conditionsMet(cr.rule.Conditions, evalCtx)
		if err != nil {
			return nil, core.NewRuleError("condition check failed", err).WithResource(cr.rule.ID)
		}
		if !met {
			return nil, nil
		}
	}
	raw, err := cr.tmpl.Render(evalCtx)
	if err != nil {
		return nil, core.NewRuleError("expression failed", err).WithResource(cr.rule.ID)
	}
	return CoerceOutput(raw), nil
}

// TestResult is the outcome of a single-rule dry run.
type TestResult struct {
	Output   any           `json:"output,omitempty"`
	Applied  bool          `json:"applied"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestRule evaluates one rule against sample attributes without touching any
// stored state. Used by the rules CLI to try expressions before activating.
func (e *Engine) TestRule(rule core.Rule, sample map[string]any) TestResult {
	start := time.Now()
	tmpl, err := Parse(rule.Expression)
	if err != nil {
		return TestResult{Err: err.Error(), Duration: time.Since(start)}
	}
	value, err := e.evalRule(&compiledRule{rule: &rule, tmpl: tmpl}, sample)
	res := TestResult{Duration: time.Since(start)}
	switch {
	case err != nil:
		res.Err = err.Error()
	case value == nil:
		res.Applied = false
	default:
		res.Applied = true
		res.Output = value
	}
	return res
}

// CoerceOutput turns a rendered expression string into a typed value:
// "true"/"false" in any letter case become bools, integer and decimal forms
// become numbers, everything else stays a string.
func CoerceOutput(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

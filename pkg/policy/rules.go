package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Rule is a boolean CEL expression over `params` (the invocation parameters)
// and `policy` (the decoded policy values).
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// RuleSet is a compiled set of pre-flight rules for one tool.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules compiles every rule up front; a bad expression is a catalog bug.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("policy", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("policy: program rule %q: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, prg: prg})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Check evaluates every rule and fails closed, naming each rule that did not
// hold (including rules that errored).
func (rs *RuleSet) Check(params map[string]any, values Values) error {
	if rs.Len() == 0 {
		return nil
	}
	input := map[string]any{
		"params": params,
		"policy": map[string]any(values),
	}
	if params == nil {
		input["params"] = map[string]any{}
	}

	var violations []errs.Violation
	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			violations = append(violations, errs.Violation{Field: r.rule.Name, Code: "rule_error", Message: err.Error()})
			continue
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			violations = append(violations, errs.Violation{Field: r.rule.Name, Code: "rule_error", Message: fmt.Sprintf("rule returned %T, want bool", out.Value())})
			continue
		}
		if !ok {
			violations = append(violations, errs.Violation{Field: r.rule.Name, Code: "rule_denied", Message: r.rule.Expr})
		}
	}
	if len(violations) > 0 {
		return errs.Validation("policy.rules", "invocation violates tool policy", violations...)
	}
	return nil
}

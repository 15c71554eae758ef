package risk

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is a CEL expression over payment, mandate, session and trace that yields
// Decision when it evaluates to true.
type Rule struct {
	Name     string  `koanf:"name" yaml:"name" json:"name"`
	Expr     string  `koanf:"expr" yaml:"expr" json:"expr"`
	Decision Outcome `koanf:"decision" yaml:"decision" json:"decision"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Rules is a compiled, ordered rule set.
type Rules struct {
	rules []compiledRule
}

// CompileRules compiles rule definitions. Only deny and review rules are allowed.
func CompileRules(defs []Rule) (*Rules, error) {
	env, err := cel.NewEnv(
		cel.Variable("payment", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("mandate", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trace", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	out := &Rules{}
	for i, def := range defs {
		if def.Name == "" {
			def.Name = fmt.Sprintf("rule_%d", i)
		}
		if def.Decision != Deny && def.Decision != Review {
			return nil, fmt.Errorf("rule %s: decision must be deny or review, got %q", def.Name, def.Decision)
		}
		ast, issues := env.Compile(def.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: %w", def.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %s: expression must return bool, got %s", def.Name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", def.Name, err)
		}
		out.rules = append(out.rules, compiledRule{Rule: def, program: prg})
	}
	return out, nil
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// ruleMatch is a rule that fired, or failed to evaluate.
type ruleMatch struct {
	Rule
	err error
}

// eval runs every rule against vars. A rule whose evaluation errors (for example
// a missing map key) does not match; the error is reported with it.
func (r *Rules) eval(vars map[string]any) []ruleMatch {
	if r == nil {
		return nil
	}
	var out []ruleMatch
	for _, cr := range r.rules {
		val, _, err := cr.program.Eval(vars)
		if err != nil {
			out = append(out, ruleMatch{Rule: cr.Rule, err: err})
			continue
		}
		if b, ok := val.Value().(bool); ok && b {
			out = append(out, ruleMatch{Rule: cr.Rule})
		}
	}
	return out
}

// asMap converts v to a generic JSON map for CEL. nil (typed or not) becomes an empty map.
func asMap(v any) map[string]any {
	out := map[string]any{}
	if v == nil {
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

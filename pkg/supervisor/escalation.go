package supervisor

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Action is what a matching escalation rule does.
type Action string

const (
	ActionQuarantine Action = "quarantine"
	ActionAlert      Action = "alert"
)

// EscalationRule is a CEL condition over an assessment. Variables: entity,
// metric, value, score, severity (string) and samples.
type EscalationRule struct {
	Name   string `json:"name" yaml:"name"`
	Expr   string `json:"expr" yaml:"expr"`
	Action Action `json:"action" yaml:"action"`
}

type compiledRule struct {
	EscalationRule
	prg cel.Program
}

func compileRules(rules []EscalationRule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.StringType),
		cel.Variable("metric", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("samples", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("escalation env: %w", err)
	}
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		switch r.Action {
		case "":
			r.Action = ActionAlert
		case ActionAlert, ActionQuarantine:
		default:
			return nil, fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
		}
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s: expression must be bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		out = append(out, compiledRule{EscalationRule: r, prg: prg})
	}
	return out, nil
}

func (r compiledRule) match(a Assessment) (bool, error) {
	val, _, err := r.prg.Eval(map[string]any{
		"entity":   a.Entity,
		"metric":   a.Metric,
		"value":    a.Value,
		"score":    a.Score,
		"severity": a.Severity.String(),
		"samples":  int64(a.Samples),
	})
	if err != nil {
		return false, err
	}
	ok, _ := val.Value().(bool)
	return ok, nil
}

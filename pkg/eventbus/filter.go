package eventbus

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	filterEnvOnce sync.Once
	filterEnv     *cel.Env
	filterEnvErr  error
)

// FilterEnv is the CEL environment filters are compiled in. Variables:
// type, source, priority, hop, correlation_id and payload.
func FilterEnv() (*cel.Env, error) {
	filterEnvOnce.Do(func() {
		filterEnv, filterEnvErr = cel.NewEnv(
			cel.Variable("type", cel.StringType),
			cel.Variable("source", cel.StringType),
			cel.Variable("priority", cel.IntType),
			cel.Variable("hop", cel.IntType),
			cel.Variable("correlation_id", cel.StringType),
			cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return filterEnv, filterEnvErr
}

// Filter is a compiled boolean CEL expression over an event.
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter compiles expr. An empty expression yields a nil filter that
// matches everything.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := FilterEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against evt. A nil filter matches.
func (f *Filter) Match(evt Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := f.prg.Eval(map[string]any{
		"type":           evt.Type,
		"source":         evt.Source,
		"priority":       int64(evt.Priority),
		"hop":            int64(evt.Hop),
		"correlation_id": evt.CorrelationID,
		"payload":        payload,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T", f.expr, out.Value())
	}
	return b, nil
}

package sandbox

import (
	"context"
	"fmt"
	"sort"
)

// NativeFunc is an in-process overlay function. It must honour ctx and touch
// the outside world only through gate.
type NativeFunc func(ctx context.Context, gate *Gate, input []byte) ([]byte, error)

// NativeExecutor runs compiled-in overlay functions. The memory ceiling cannot
// be enforced for native code; compute units and the timeout still apply.
type NativeExecutor struct {
	funcs map[string]NativeFunc
}

func NewNativeExecutor(funcs map[string]NativeFunc) *NativeExecutor {
	cp := make(map[string]NativeFunc, len(funcs))
	for k, v := range funcs {
		cp[k] = v
	}
	return &NativeExecutor{funcs: cp}
}

// Functions lists the exported function names.
func (e *NativeExecutor) Functions() []string {
	out := make([]string, 0, len(e.funcs))
	for k := range e.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *NativeExecutor) Invoke(ctx context.Context, gate *Gate, function string, input []byte) ([]byte, error) {
	fn, ok := e.funcs[function]
	if !ok {
		return nil, fmt.Errorf("function %q not exported", function)
	}
	if err := gate.Charge(OpTrivial); err != nil {
		return nil, err
	}
	return fn(ctx, gate, input)
}

func (e *NativeExecutor) Close(context.Context) error { return nil }

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Executor runs a named overlay function. Implementations must route every
// side effect through the gate.
type Executor interface {
	Invoke(ctx context.Context, gate *Gate, function string, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Metrics describe a finished invocation.
type Metrics struct {
	ComputeUnits uint64        `json:"compute_units"`
	Duration     time.Duration `json:"duration"`
	HostCalls    int           `json:"host_calls"`
}

// PanicError wraps a panic recovered from overlay code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("overlay panicked: %v", e.Value)
}

// Run executes function under budget. The call races a timeout; violations,
// capability denials, traps and panics come back as errors and never escape
// as panics. Output produced by a call that lost the race is discarded.
func Run(ctx context.Context, exec Executor, gate *Gate, budget Budget, function string, input []byte) ([]byte, Metrics, error) {
	budget = budget.WithDefaults()
	start := time.Now()

	// 1. Timeout race
	callCtx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()
	gate.setCancel(cancel)

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		out, err := exec.Invoke(callCtx, gate, function, input)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = outcome{err: callCtx.Err()}
	}
	gate.close()

	metrics := Metrics{
		ComputeUnits: gate.Meter().Used(),
		Duration:     time.Since(start),
		HostCalls:    len(gate.Calls()),
	}

	// 2. Classify. A recorded violation wins over whatever the guest saw.
	if verr := gate.Err(); verr != nil {
		return nil, metrics, verr
	}
	if res.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, metrics, &Violation{
				Code:     ErrComputeTimeExhausted,
				Message:  fmt.Sprintf("execution exceeded time limit (%s)", budget.Timeout),
				Limit:    budget.Timeout.Milliseconds(),
				Consumed: metrics.Duration.Milliseconds(),
			}
		}
		if ctx.Err() != nil {
			return nil, metrics, ctx.Err()
		}
		return nil, metrics, res.err
	}

	// 3. Output limit
	if len(res.out) > OutputMaxBytes {
		return nil, metrics, &Violation{
			Code:     ErrComputeOutputExhausted,
			Message:  "output size exceeds limit",
			Limit:    OutputMaxBytes,
			Consumed: int64(len(res.out)),
		}
	}
	return res.out, metrics, nil
}

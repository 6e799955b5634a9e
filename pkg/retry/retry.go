package retry

import (
	"context"
	"errors"
)

// Result reports how a retried operation ended.
type Result struct {
	Attempts int
	Err      error
}

// Do calls fn until it succeeds, returns a *Permanent error, the policy's
// attempts are exhausted, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, key string, sleep Sleeper, fn func(ctx context.Context, attempt int) error) Result {
	if sleep == nil {
		sleep = ContextSleep
	}
	attempts := p.Attempts()

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return Result{Attempts: i, Err: lastErr}
		}

		lastErr = fn(ctx, i)
		if lastErr == nil {
			return Result{Attempts: i + 1}
		}
		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return Result{Attempts: i + 1, Err: perm.Err}
		}

		if i < attempts-1 {
			if err := sleep(ctx, p.Backoff(key, i)); err != nil {
				return Result{Attempts: i + 1, Err: lastErr}
			}
		}
	}
	return Result{Attempts: attempts, Err: lastErr}
}

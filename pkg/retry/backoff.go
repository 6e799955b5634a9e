// Package retry computes exponential backoff with deterministic jitter and
// runs operations under a bounded attempt policy.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds how often and how slowly an operation is retried.
// MaxRetries excludes the first call, so 3 means up to four calls.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
	MaxRetries int
}

// DefaultPolicy is the bus handler policy: 3 retries, 1s base.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxJitter:  250 * time.Millisecond,
		MaxRetries: 3,
	}
}

// Attempts is the total number of calls the policy allows.
func (p Policy) Attempts() int { return max(p.MaxRetries, 0) + 1 }

// Backoff returns the delay before retry number attempt (0-based) for key.
// The same key and attempt always produce the same delay.
func (p Policy) Backoff(key string, attempt int) time.Duration {
	// 1. Exponential: base * 2^attempt, exponent capped to avoid overflow.
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(int64(1)<<shift)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}

	// 2. Deterministic jitter
	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter checked positive
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

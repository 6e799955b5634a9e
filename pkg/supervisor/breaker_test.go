package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDown = errors.New("dependency down")

// countingDep records how often the guarded dependency is reached.
type countingDep struct {
	calls int
	err   error
}

func (d *countingDep) call(context.Context) error {
	d.calls++
	return d.err
}

func testBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.FailureRate = 0
	cfg.RecoveryTimeout = 10 * time.Second
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 2
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clk := newFakeClock()
	b := NewBreaker("db", testBreakerConfig()).WithClock(clk.Now)
	dep := &countingDep{err: errDown}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, dep.call), errDown)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Execute(ctx, dep.call), errDown)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, dep.calls)

	// Open short-circuits without reaching the dependency.
	err := b.Execute(ctx, dep.call)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "db", open.Dependency)
	assert.Equal(t, 10*time.Second, open.RetryAfter)
	assert.Equal(t, "ERR_CIRCUIT_OPEN", open.Code())
	assert.Equal(t, 3, dep.calls)
	assert.Equal(t, int64(1), b.Snapshot().TotalRejections)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("db", testBreakerConfig())
	ctx := context.Background()
	failing := &countingDep{err: errDown}
	ok := &countingDep{}

	_ = b.Execute(ctx, failing.call)
	_ = b.Execute(ctx, failing.call)
	require.NoError(t, b.Execute(ctx, ok.call))
	_ = b.Execute(ctx, failing.call)
	_ = b.Execute(ctx, failing.call)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAdmitsBoundedTrials(t *testing.T) {
	clk := newFakeClock()
	b := NewBreaker("db", testBreakerConfig()).WithClock(clk.Now)
	dep := &countingDep{err: errDown}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, dep.call)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(10 * time.Second)
	first, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
	second, err := b.Allow()
	require.NoError(t, err)

	// Exactly half_open_max_calls trials are admitted.
	_, err = b.Allow()
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, StateHalfOpen, open.State)

	first(nil)
	assert.Equal(t, StateHalfOpen, b.State())
	second(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_LateOutcomeIgnoredAfterTransition(t *testing.T) {
	clk := newFakeClock()
	b := NewBreaker("db", testBreakerConfig()).WithClock(clk.Now)
	ctx := context.Background()

	// Admitted while Closed, still in flight when the breaker trips.
	slow, err := b.Allow()
	require.NoError(t, err)
	dep := &countingDep{err: errDown}
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, dep.call)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(10 * time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.State())

	slow(nil)
	trial(nil)
	assert.Equal(t, StateHalfOpen, b.State(), "one real trial of two")

	second, err := b.Allow()
	require.NoError(t, err)
	second(nil)
	assert.Equal(t, StateClosed, b.State())

	// Nor does a late failure from an earlier Closed period reopen a trial.
	late, err := b.Allow()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, dep.call)
	}
	require.Equal(t, StateOpen, b.State())
	clk.Advance(10 * time.Second)
	_, err = b.Allow()
	require.NoError(t, err)
	late(errDown)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := NewBreaker("db", testBreakerConfig()).WithClock(clk.Now)
	dep := &countingDep{err: errDown}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, dep.call)
	}
	clk.Advance(11 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, dep.call), errDown)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 4, dep.calls)

	// The recovery timeout restarts from the reopen.
	clk.Advance(5 * time.Second)
	var open *CircuitOpenError
	require.ErrorAs(t, b.Execute(ctx, dep.call), &open)
	assert.Equal(t, 4, dep.calls)
}

func TestBreaker_FailureRateThreshold(t *testing.T) {
	clk := newFakeClock()
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100
	cfg.FailureRate = 0.5
	cfg.MinRequests = 4
	cfg.Window = time.Minute
	b := NewBreaker("api", cfg).WithClock(clk.Now)
	ctx := context.Background()
	ok := &countingDep{}
	bad := &countingDep{err: errDown}

	require.NoError(t, b.Execute(ctx, ok.call))
	_ = b.Execute(ctx, bad.call)
	require.NoError(t, b.Execute(ctx, ok.call))
	assert.Equal(t, StateClosed, b.State(), "below min requests")
	_ = b.Execute(ctx, bad.call)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_WindowExpiresOldSamples(t *testing.T) {
	clk := newFakeClock()
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100
	cfg.FailureRate = 0.5
	cfg.MinRequests = 2
	cfg.Window = time.Minute
	b := NewBreaker("api", cfg).WithClock(clk.Now)
	ctx := context.Background()
	ok := &countingDep{}
	bad := &countingDep{err: errDown}

	_ = b.Execute(ctx, ok.call)
	_ = b.Execute(ctx, ok.call)
	clk.Advance(2 * time.Minute)
	_ = b.Execute(ctx, ok.call)
	_ = b.Execute(ctx, bad.call)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, b.Snapshot().WindowSuccesses, "window pruned before opening")
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	b := NewBreaker("db", testBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_TransitionsNotified(t *testing.T) {
	clk := newFakeClock()
	var got []string
	b := NewBreaker("db", testBreakerConfig()).WithClock(clk.Now).
		OnTransition(func(dep string, from, to BreakerState, _ time.Time) {
			got = append(got, from.String()+"->"+to.String())
		})
	ctx := context.Background()
	bad := &countingDep{err: errDown}
	ok := &countingDep{}
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, bad.call)
	}
	clk.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, ok.call))
	require.NoError(t, b.Execute(ctx, ok.call))
	assert.Equal(t, []string{"Closed->Open", "Open->HalfOpen", "HalfOpen->Closed"}, got)
}

func TestBreakerConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultBreakerConfig().Validate())
	cfg := DefaultBreakerConfig()
	cfg.SuccessThreshold = cfg.HalfOpenMaxCalls + 1
	assert.Error(t, cfg.Validate())
	cfg = DefaultBreakerConfig()
	cfg.FailureThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestBreakers_Registry(t *testing.T) {
	r := NewBreakers(testBreakerConfig())
	strict := testBreakerConfig()
	strict.FailureThreshold = 1
	require.NoError(t, r.Configure("fragile", strict))

	ctx := context.Background()
	dep := &countingDep{err: errDown}
	_ = r.Execute(ctx, "fragile", dep.call)
	_ = r.Execute(ctx, "sturdy", dep.call)

	assert.Same(t, r.Get("fragile"), r.Get("fragile"))
	assert.Equal(t, []string{"fragile"}, r.Open())
	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "fragile", snaps[0].Dependency)
	assert.Error(t, r.Configure("fragile", strict), "cannot reconfigure a live breaker")

	r.Get("fragile").Reset()
	assert.Empty(t, r.Open())
}

// Package supervisor contains the failure-containment machinery: circuit
// breakers around dependencies, canary rollouts with automatic rollback, and
// anomaly scoring that escalates into quarantine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig holds breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// FailureRate opens the breaker when the windowed failure ratio reaches it
	// and the window holds at least MinRequests samples. Zero disables it.
	FailureRate      float64       `json:"failure_rate" yaml:"failure_rate"`
	MinRequests      int           `json:"min_requests" yaml:"min_requests"`
	Window           time.Duration `json:"window" yaml:"window"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" yaml:"half_open_max_calls"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		FailureRate:      0.5,
		MinRequests:      10,
		Window:           time.Minute,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// Validate rejects thresholds that could never close the breaker again.
func (c BreakerConfig) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.New("breaker: failure_threshold must be at least 1")
	case c.FailureRate < 0 || c.FailureRate > 1:
		return errors.New("breaker: failure_rate must be within [0,1]")
	case c.Window <= 0:
		return errors.New("breaker: window must be positive")
	case c.RecoveryTimeout <= 0:
		return errors.New("breaker: recovery_timeout must be positive")
	case c.HalfOpenMaxCalls < 1:
		return errors.New("breaker: half_open_max_calls must be at least 1")
	case c.SuccessThreshold < 1 || c.SuccessThreshold > c.HalfOpenMaxCalls:
		return fmt.Errorf("breaker: success_threshold must be within [1,%d]", c.HalfOpenMaxCalls)
	}
	return nil
}

// CircuitOpenError is returned when a call is short-circuited.
type CircuitOpenError struct {
	Dependency string
	State      BreakerState
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s for %s (retry after %s)", e.State, e.Dependency, e.RetryAfter)
}

// Code returns the deterministic error code.
func (e *CircuitOpenError) Code() string { return "ERR_CIRCUIT_OPEN" }

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Dependency          string       `json:"dependency"`
	State               BreakerState `json:"state"`
	WindowFailures      int          `json:"window_failures"`
	WindowSuccesses     int          `json:"window_successes"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	HalfOpenAdmitted    int          `json:"half_open_admitted"`
	TotalCalls          int64        `json:"total_calls"`
	TotalRejections     int64        `json:"total_rejections"`
	LastTransition      time.Time    `json:"last_transition"`
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(dependency string, from, to BreakerState, at time.Time)

type sample struct {
	at time.Time
	ok bool
}

// Breaker guards one dependency. Mutations take a short lock; Snapshot reads
// an atomically published copy without locking.
type Breaker struct {
	dep   string
	cfg   BreakerConfig
	clock func() time.Time

	mu                sync.Mutex
	state             BreakerState
	gen               uint64 // bumped on every transition
	samples           []sample
	consecutive       int
	halfOpenAdmitted  int
	halfOpenSuccesses int
	lastTransition    time.Time
	totalCalls        int64
	totalRejections   int64
	onTransition      TransitionFunc

	snap atomic.Pointer[BreakerSnapshot]
}

// NewBreaker creates a closed breaker. Invalid configs fall back to defaults.
func NewBreaker(dependency string, cfg BreakerConfig) *Breaker {
	if cfg.Validate() != nil {
		cfg = DefaultBreakerConfig()
	}
	b := &Breaker{dep: dependency, cfg: cfg, clock: time.Now}
	b.lastTransition = b.clock()
	b.publish()
	return b
}

// WithClock overrides clock for testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.mu.Lock()
	b.clock = clock
	b.lastTransition = clock()
	b.publish()
	b.mu.Unlock()
	return b
}

// OnTransition registers fn, called without the breaker lock held.
func (b *Breaker) OnTransition(fn TransitionFunc) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Dependency returns the guarded dependency id.
func (b *Breaker) Dependency() string { return b.dep }

// State returns the current state without locking.
func (b *Breaker) State() BreakerState { return b.snap.Load().State }

// Snapshot returns the latest published snapshot without locking.
func (b *Breaker) Snapshot() BreakerSnapshot { return *b.snap.Load() }

// Allow admits or rejects one call. An admitted call must be finished by
// calling done exactly once with its outcome. Outcomes only count toward the
// state the call was admitted under.
func (b *Breaker) Allow() (done func(err error), err error) {
	gen, err := b.admit()
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, err) })
	}, nil
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	now := b.clock()
	b.totalCalls++
	var fired []transition

	if b.state == StateOpen && now.Sub(b.lastTransition) >= b.cfg.RecoveryTimeout {
		fired = append(fired, b.transition(StateHalfOpen, now))
	}

	switch b.state {
	case StateOpen:
		b.totalRejections++
		retry := b.cfg.RecoveryTimeout - now.Sub(b.lastTransition)
		b.publish()
		b.mu.Unlock()
		b.notify(fired)
		return 0, &CircuitOpenError{Dependency: b.dep, State: StateOpen, RetryAfter: retry}
	case StateHalfOpen:
		if b.halfOpenAdmitted >= b.cfg.HalfOpenMaxCalls {
			b.totalRejections++
			b.publish()
			b.mu.Unlock()
			b.notify(fired)
			return 0, &CircuitOpenError{Dependency: b.dep, State: StateHalfOpen}
		}
		b.halfOpenAdmitted++
	}
	gen := b.gen
	b.publish()
	b.mu.Unlock()
	b.notify(fired)
	return gen, nil
}

// Execute runs fn under the breaker. A rejected call never invokes fn.
// Cancellation of ctx is not counted against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(gen)
		return err
	}
	b.record(gen, err)
	return err
}

// Reset forces the breaker closed and clears its window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var fired []transition
	if b.state != StateClosed {
		fired = append(fired, b.transition(StateClosed, b.clock()))
	}
	b.samples = nil
	b.consecutive = 0
	b.publish()
	b.mu.Unlock()
	b.notify(fired)
}

// release returns an admitted half-open slot without recording an outcome.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	if gen == b.gen && b.state == StateHalfOpen && b.halfOpenAdmitted > 0 {
		b.halfOpenAdmitted--
	}
	b.publish()
	b.mu.Unlock()
}

func (b *Breaker) record(gen uint64, callErr error) {
	b.mu.Lock()
	if gen != b.gen {
		// Admitted under an earlier state; it says nothing about this one.
		b.mu.Unlock()
		return
	}
	now := b.clock()
	var fired []transition
	ok := callErr == nil

	switch b.state {
	case StateHalfOpen:
		if !ok {
			fired = append(fired, b.transition(StateOpen, now))
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			fired = append(fired, b.transition(StateClosed, now))
		}
	case StateClosed:
		b.samples = append(b.samples, sample{at: now, ok: ok})
		b.prune(now)
		if ok {
			b.consecutive = 0
			break
		}
		b.consecutive++
		if b.consecutive >= b.cfg.FailureThreshold || b.rateExceeded() {
			fired = append(fired, b.transition(StateOpen, now))
		}
	}
	b.publish()
	b.mu.Unlock()
	b.notify(fired)
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.FailureRate <= 0 || len(b.samples) < b.cfg.MinRequests || len(b.samples) == 0 {
		return false
	}
	failures, _ := b.counts()
	return float64(failures)/float64(len(b.samples)) >= b.cfg.FailureRate
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

func (b *Breaker) counts() (failures, successes int) {
	for _, s := range b.samples {
		if s.ok {
			successes++
		} else {
			failures++
		}
	}
	return failures, successes
}

type transition struct {
	from, to BreakerState
	at       time.Time
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState, now time.Time) transition {
	t := transition{from: b.state, to: to, at: now}
	b.state = to
	b.gen++
	b.lastTransition = now
	b.consecutive = 0
	b.halfOpenAdmitted = 0
	b.halfOpenSuccesses = 0
	if to == StateClosed {
		b.samples = nil
	}
	return t
}

func (b *Breaker) notify(fired []transition) {
	if len(fired) == 0 {
		return
	}
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn == nil {
		return
	}
	for _, t := range fired {
		fn(b.dep, t.from, t.to, t.at)
	}
}

// publish must be called with b.mu held.
func (b *Breaker) publish() {
	failures, successes := b.counts()
	b.snap.Store(&BreakerSnapshot{
		Dependency:          b.dep,
		State:               b.state,
		WindowFailures:      failures,
		WindowSuccesses:     successes,
		ConsecutiveFailures: b.consecutive,
		HalfOpenAdmitted:    b.halfOpenAdmitted,
		TotalCalls:          b.totalCalls,
		TotalRejections:     b.totalRejections,
		LastTransition:      b.lastTransition,
	})
}

// Breakers lazily creates one breaker per dependency.
type Breakers struct {
	mu           sync.RWMutex
	items        map[string]*Breaker
	defaults     BreakerConfig
	overrides    map[string]BreakerConfig
	clock        func() time.Time
	onTransition TransitionFunc
}

// NewBreakers creates a registry using defaults for unknown dependencies.
func NewBreakers(defaults BreakerConfig) *Breakers {
	if defaults.Validate() != nil {
		defaults = DefaultBreakerConfig()
	}
	return &Breakers{
		items:     make(map[string]*Breaker),
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig),
		clock:     time.Now,
	}
}

// WithClock overrides clock for breakers created afterwards.
func (r *Breakers) WithClock(clock func() time.Time) *Breakers {
	r.clock = clock
	return r
}

// OnTransition registers fn on every breaker created afterwards.
func (r *Breakers) OnTransition(fn TransitionFunc) *Breakers {
	r.onTransition = fn
	return r
}

// Configure sets thresholds for one dependency before its breaker exists.
func (r *Breakers) Configure(dependency string, cfg BreakerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[dependency]; exists {
		return fmt.Errorf("breaker for %s already in use", dependency)
	}
	r.overrides[dependency] = cfg
	return nil
}

// Get returns the breaker for dependency, creating it on first use.
func (r *Breakers) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.items[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.items[dependency]; ok {
		return b
	}
	cfg, ok := r.overrides[dependency]
	if !ok {
		cfg = r.defaults
	}
	b = NewBreaker(dependency, cfg).WithClock(r.clock).OnTransition(r.onTransition)
	r.items[dependency] = b
	return b
}

// Execute runs fn behind the dependency's breaker.
func (r *Breakers) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	return r.Get(dependency).Execute(ctx, fn)
}

// Snapshots returns every breaker's state ordered by dependency.
func (r *Breakers) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	out := make([]BreakerSnapshot, 0, len(r.items))
	for _, b := range r.items {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Open lists dependencies whose breaker is not Closed.
func (r *Breakers) Open() []string {
	var out []string
	for _, s := range r.Snapshots() {
		if s.State != StateClosed {
			out = append(out, s.Dependency)
		}
	}
	return out
}

package supervisor

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Strategy controls how a healthy canary advances.
type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyManual      Strategy = "manual"
)

// ParseStrategy accepts linear, exponential or manual.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyLinear, "":
		return StrategyLinear, nil
	case StrategyExponential:
		return StrategyExponential, nil
	case StrategyManual:
		return StrategyManual, nil
	}
	return "", fmt.Errorf("unknown canary strategy %q", s)
}

// Variant is the side of a traffic split.
type Variant int

const (
	VariantStable Variant = iota
	VariantCanary
)

func (v Variant) String() string {
	if v == VariantCanary {
		return "canary"
	}
	return "stable"
}

// CanaryStatus is the state of a rollout.
type CanaryStatus string

const (
	CanaryRunning    CanaryStatus = "running"
	CanaryPromoted   CanaryStatus = "promoted"
	CanaryRolledBack CanaryStatus = "rolled_back"
)

// RollbackReason names the threshold that forced a rollback.
type RollbackReason string

const (
	RollbackErrorRate    RollbackReason = "error_rate"
	RollbackLatencyRatio RollbackReason = "latency_ratio"
	RollbackAnomaly      RollbackReason = "anomaly_score"
	RollbackHealthCheck  RollbackReason = "health_check"
	RollbackManual       RollbackReason = "manual"
)

// CanaryConfig holds rollout thresholds.
type CanaryConfig struct {
	Strategy        Strategy `json:"strategy" yaml:"strategy"`
	InitialPercent  float64  `json:"initial_percent" yaml:"initial_percent"`
	StepPercent     float64  `json:"step_percent" yaml:"step_percent"`
	MinRequests     int      `json:"min_requests" yaml:"min_requests"`
	MaxErrorRate    float64  `json:"max_error_rate" yaml:"max_error_rate"`
	MaxLatencyRatio float64  `json:"max_latency_ratio" yaml:"max_latency_ratio"`
	MaxAnomalyScore float64  `json:"max_anomaly_score" yaml:"max_anomaly_score"`
}

// DefaultCanaryConfig returns the standard rollout thresholds.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		Strategy:        StrategyLinear,
		InitialPercent:  5,
		StepPercent:     10,
		MinRequests:     100,
		MaxErrorRate:    0.01,
		MaxLatencyRatio: 1.5,
		MaxAnomalyScore: 0.9,
	}
}

// Validate rejects unusable thresholds.
func (c CanaryConfig) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	switch {
	case c.InitialPercent < 0 || c.InitialPercent > 100:
		return errors.New("canary: initial_percent must be within [0,100]")
	case c.Strategy == StrategyLinear && c.StepPercent <= 0:
		return errors.New("canary: step_percent must be positive for linear rollouts")
	case c.MinRequests < 1:
		return errors.New("canary: min_requests must be at least 1")
	case c.MaxErrorRate < 0 || c.MaxErrorRate > 1:
		return errors.New("canary: max_error_rate must be within [0,1]")
	case c.MaxLatencyRatio < 1:
		return errors.New("canary: max_latency_ratio must be at least 1")
	}
	return nil
}

// CanaryRollout is a snapshot of one rollout.
type CanaryRollout struct {
	OverlayID        string         `json:"overlay_id"`
	OldVersion       string         `json:"old_version"`
	NewVersion       string         `json:"new_version"`
	Percent          float64        `json:"percent"`
	Strategy         Strategy       `json:"strategy"`
	Status           CanaryStatus   `json:"status"`
	Requests         int            `json:"requests"`
	Errors           int            `json:"errors"`
	ErrorRate        float64        `json:"error_rate"`
	LatencyRatio     float64        `json:"latency_ratio"`
	AnomalyScore     float64        `json:"anomaly_score"`
	RollbackReason   RollbackReason `json:"rollback_reason,omitempty"`
	Evaluations      int            `json:"evaluations"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	BaselineRequests int            `json:"baseline_requests"`
}

// Decision is the outcome of one evaluation cycle.
type Decision string

const (
	DecisionHold     Decision = "hold"
	DecisionAdvance  Decision = "advance"
	DecisionPromote  Decision = "promote"
	DecisionRollback Decision = "rollback"
	DecisionIdle     Decision = "idle"
)

type window struct {
	requests int
	errors   int
	latency  time.Duration
}

func (w window) meanLatency() time.Duration {
	if w.requests == 0 {
		return 0
	}
	return w.latency / time.Duration(w.requests)
}

// Canary controls the traffic split for one overlay.
type Canary struct {
	overlay    string
	oldVersion *semver.Version
	newVersion *semver.Version
	cfg        CanaryConfig
	clock      func() time.Time

	mu          sync.Mutex
	percent     float64
	status      CanaryStatus
	reason      RollbackReason
	canary      window
	baseline    window
	anomaly     float64
	unhealthy   bool
	evaluations int
	startedAt   time.Time
	updatedAt   time.Time
}

// NewCanary starts a rollout from oldVersion to newVersion. The new version
// must be greater than the old one.
func NewCanary(overlay, oldVersion, newVersion string, cfg CanaryConfig) (*Canary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	oldV, err := semver.NewVersion(oldVersion)
	if err != nil {
		return nil, fmt.Errorf("canary old version: %w", err)
	}
	newV, err := semver.NewVersion(newVersion)
	if err != nil {
		return nil, fmt.Errorf("canary new version: %w", err)
	}
	if !newV.GreaterThan(oldV) {
		return nil, fmt.Errorf("canary version %s must be greater than %s", newV, oldV)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLinear
	}
	c := &Canary{
		overlay:    overlay,
		oldVersion: oldV,
		newVersion: newV,
		cfg:        cfg,
		clock:      time.Now,
		percent:    cfg.InitialPercent,
		status:     CanaryRunning,
	}
	c.startedAt = c.clock()
	c.updatedAt = c.startedAt
	return c, nil
}

// WithClock overrides clock for testing.
func (c *Canary) WithClock(clock func() time.Time) *Canary {
	c.mu.Lock()
	c.clock = clock
	c.startedAt = clock()
	c.updatedAt = c.startedAt
	c.mu.Unlock()
	return c
}

// Bucket maps key into [0, 10000).
func Bucket(key string) int {
	return int(crc32.ChecksumIEEE([]byte(strings.ToLower(key))) % 10000)
}

// Route picks the variant for key. The same key always lands on the same side
// for a given percentage.
func (c *Canary) Route(key string) Variant {
	c.mu.Lock()
	percent, status := c.percent, c.status
	c.mu.Unlock()
	if status != CanaryRunning && status != CanaryPromoted {
		return VariantStable
	}
	if status == CanaryPromoted {
		return VariantCanary
	}
	if Bucket(key) < int(percent*100) {
		return VariantCanary
	}
	return VariantStable
}

// Record adds one observed request.
func (c *Canary) Record(v Variant, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &c.baseline
	if v == VariantCanary {
		w = &c.canary
	}
	w.requests++
	w.latency += latency
	if err != nil {
		w.errors++
	}
}

// ReportAnomaly sets the latest anomaly score for the new version.
func (c *Canary) ReportAnomaly(score float64) {
	c.mu.Lock()
	if score > c.anomaly {
		c.anomaly = score
	}
	c.mu.Unlock()
}

// ReportHealth records a health probe outcome for the new version.
func (c *Canary) ReportHealth(healthy bool) {
	c.mu.Lock()
	if !healthy {
		c.unhealthy = true
	}
	c.mu.Unlock()
}

// Evaluate runs one cycle. Anomaly and health failures roll back at once;
// error rate and latency ratio are judged once MinRequests have been observed
// on the new version. A healthy window advances per the strategy.
func (c *Canary) Evaluate() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != CanaryRunning {
		return DecisionIdle
	}
	c.evaluations++
	now := c.clock()
	c.updatedAt = now

	// 1. Immediate signals
	if c.unhealthy {
		c.rollback(RollbackHealthCheck)
		return DecisionRollback
	}
	if c.cfg.MaxAnomalyScore > 0 && c.anomaly >= c.cfg.MaxAnomalyScore {
		c.rollback(RollbackAnomaly)
		return DecisionRollback
	}

	// 2. Windowed signals
	if c.canary.requests < c.cfg.MinRequests {
		return DecisionHold
	}
	if c.errorRate() > c.cfg.MaxErrorRate {
		c.rollback(RollbackErrorRate)
		return DecisionRollback
	}
	if ratio := c.latencyRatio(); ratio > c.cfg.MaxLatencyRatio {
		c.rollback(RollbackLatencyRatio)
		return DecisionRollback
	}

	// 3. Advance
	next := c.percent
	switch c.cfg.Strategy {
	case StrategyLinear:
		next += c.cfg.StepPercent
	case StrategyExponential:
		if next <= 0 {
			next = 1
		} else {
			next *= 2
		}
	case StrategyManual:
		return DecisionHold
	}
	c.canary, c.baseline = window{}, window{}
	if next >= 100 {
		c.percent = 100
		c.status = CanaryPromoted
		return DecisionPromote
	}
	c.percent = next
	return DecisionAdvance
}

// Rollout lookup and manual adjustment errors.
var (
	ErrNoCanary         = errors.New("no canary rollout")
	ErrCanaryNotRunning = errors.New("canary rollout not running")
	ErrCanaryPercent    = errors.New("canary percent out of range")
)

// SetPercent moves the split by hand. It is the only way a manual rollout
// advances; 100 promotes the new version.
func (c *Canary) SetPercent(p float64) (Decision, error) {
	if p < 0 || p > 100 {
		return DecisionIdle, fmt.Errorf("%w: %.2f", ErrCanaryPercent, p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != CanaryRunning {
		return DecisionIdle, fmt.Errorf("%w: %s is %s", ErrCanaryNotRunning, c.overlay, c.status)
	}
	c.percent = p
	c.updatedAt = c.clock()
	if p == 100 {
		c.status = CanaryPromoted
		c.canary, c.baseline = window{}, window{}
		return DecisionPromote, nil
	}
	return DecisionAdvance, nil
}

// Rollback forces traffic back to the old version.
func (c *Canary) Rollback(reason RollbackReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == CanaryRunning {
		c.rollback(reason)
	}
}

// Snapshot returns the rollout state.
func (c *Canary) Snapshot() CanaryRollout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CanaryRollout{
		OverlayID:        c.overlay,
		OldVersion:       c.oldVersion.String(),
		NewVersion:       c.newVersion.String(),
		Percent:          c.percent,
		Strategy:         c.cfg.Strategy,
		Status:           c.status,
		Requests:         c.canary.requests,
		Errors:           c.canary.errors,
		ErrorRate:        c.errorRate(),
		LatencyRatio:     c.latencyRatio(),
		AnomalyScore:     c.anomaly,
		RollbackReason:   c.reason,
		Evaluations:      c.evaluations,
		StartedAt:        c.startedAt,
		UpdatedAt:        c.updatedAt,
		BaselineRequests: c.baseline.requests,
	}
}

func (c *Canary) rollback(reason RollbackReason) {
	c.percent = 0
	c.status = CanaryRolledBack
	c.reason = reason
	c.updatedAt = c.clock()
}

func (c *Canary) errorRate() float64 {
	if c.canary.requests == 0 {
		return 0
	}
	return float64(c.canary.errors) / float64(c.canary.requests)
}

// latencyRatio compares mean latency against the stable baseline; without a
// baseline it is 1.
func (c *Canary) latencyRatio() float64 {
	base := c.baseline.meanLatency()
	if base <= 0 || c.canary.requests == 0 {
		return 1
	}
	return float64(c.canary.meanLatency()) / float64(base)
}

// CanaryEvent is delivered to observers after a decision changes a rollout.
type CanaryEvent struct {
	Decision Decision
	Rollout  CanaryRollout
}

// Canaries tracks the rollouts of every overlay.
type Canaries struct {
	mu       sync.RWMutex
	rollouts map[string]*Canary
	clock    func() time.Time
	observer func(CanaryEvent)
}

func NewCanaries() *Canaries {
	return &Canaries{rollouts: make(map[string]*Canary), clock: time.Now}
}

// WithClock overrides clock for rollouts started afterwards.
func (r *Canaries) WithClock(clock func() time.Time) *Canaries {
	r.clock = clock
	return r
}

// OnDecision registers fn for advance, promote and rollback decisions.
func (r *Canaries) OnDecision(fn func(CanaryEvent)) *Canaries {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
	return r
}

// Start begins a rollout for overlay. Only one rollout per overlay may run.
func (r *Canaries) Start(overlay, oldVersion, newVersion string, cfg CanaryConfig) (*Canary, error) {
	c, err := NewCanary(overlay, oldVersion, newVersion, cfg)
	if err != nil {
		return nil, err
	}
	c.WithClock(r.clock)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rollouts[overlay]; ok && cur.Snapshot().Status == CanaryRunning {
		return nil, fmt.Errorf("canary for %s already running", overlay)
	}
	r.rollouts[overlay] = c
	return c, nil
}

// Get returns the rollout for overlay.
func (r *Canaries) Get(overlay string) (*Canary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rollouts[overlay]
	return c, ok
}

// Route returns the variant for key, stable when no rollout exists.
func (r *Canaries) Route(overlay, key string) Variant {
	c, ok := r.Get(overlay)
	if !ok {
		return VariantStable
	}
	return c.Route(key)
}

// Remove forgets the rollout for overlay.
func (r *Canaries) Remove(overlay string) {
	r.mu.Lock()
	delete(r.rollouts, overlay)
	r.mu.Unlock()
}

// EvaluateAll runs one evaluation cycle over every running rollout.
func (r *Canaries) EvaluateAll() map[string]Decision {
	r.mu.RLock()
	list := make([]*Canary, 0, len(r.rollouts))
	for _, c := range r.rollouts {
		list = append(list, c)
	}
	fn := r.observer
	r.mu.RUnlock()

	out := make(map[string]Decision, len(list))
	for _, c := range list {
		d := c.Evaluate()
		out[c.overlay] = d
		if fn != nil && (d == DecisionAdvance || d == DecisionPromote || d == DecisionRollback) {
			fn(CanaryEvent{Decision: d, Rollout: c.Snapshot()})
		}
	}
	return out
}

// SetPercent adjusts the rollout for overlay by hand and notifies the
// decision observer, so a move to 100 promotes like an automatic one.
func (r *Canaries) SetPercent(overlay string, p float64) (Decision, error) {
	c, ok := r.Get(overlay)
	if !ok {
		return DecisionIdle, fmt.Errorf("%w for %s", ErrNoCanary, overlay)
	}
	d, err := c.SetPercent(p)
	if err != nil {
		return d, err
	}
	r.mu.RLock()
	fn := r.observer
	r.mu.RUnlock()
	if fn != nil {
		fn(CanaryEvent{Decision: d, Rollout: c.Snapshot()})
	}
	return d, nil
}

// List returns snapshots ordered by overlay.
func (r *Canaries) List() []CanaryRollout {
	r.mu.RLock()
	out := make([]CanaryRollout, 0, len(r.rollouts))
	for _, c := range r.rollouts {
		out = append(out, c.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OverlayID < out[j].OverlayID })
	return out
}

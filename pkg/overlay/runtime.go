package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/knowledge"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// RecoveryMode decides how quarantined overlays come back.
type RecoveryMode string

const (
	// RecoveryManual waits for an operator Release.
	RecoveryManual RecoveryMode = "manual"
	// RecoveryAutomatic re-admits after the cooldown.
	RecoveryAutomatic RecoveryMode = "automatic"
)

// SuspendPolicy decides whether quarantine spreads to hard dependents.
type SuspendPolicy string

const (
	SuspendNone       SuspendPolicy = "none"
	SuspendDependents SuspendPolicy = "dependents"
)

// Config tunes the runtime.
type Config struct {
	HealthInterval   time.Duration `json:"health_interval" yaml:"health_interval"`
	ProbeTimeout     time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Recovery         RecoveryMode  `json:"recovery" yaml:"recovery"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
	Suspend          SuspendPolicy `json:"suspend" yaml:"suspend"`
	// ReportLatency feeds invocation latency to the anomaly detector.
	ReportLatency bool `json:"report_latency" yaml:"report_latency"`
}

func DefaultConfig() Config {
	return Config{
		HealthInterval:   10 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
		Recovery:         RecoveryManual,
		Cooldown:         5 * time.Minute,
		Suspend:          SuspendNone,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.HealthInterval <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("overlay: health interval and probe timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return errors.New("overlay: failure threshold must be at least 1")
	}
	switch c.Recovery {
	case RecoveryManual, RecoveryAutomatic:
	default:
		return fmt.Errorf("overlay: unknown recovery mode %q", c.Recovery)
	}
	switch c.Suspend {
	case SuspendNone, SuspendDependents:
	default:
		return fmt.Errorf("overlay: unknown suspend policy %q", c.Suspend)
	}
	return nil
}

// EventBus is the part of the bus the runtime drives. *eventbus.Bus
// satisfies it.
type EventBus interface {
	Subscribe(subscriberID string, subs []eventbus.Subscription, handler eventbus.Handler, opts ...eventbus.SubscribeOption) error
	Unsubscribe(subscriberID string) error
	sandbox.Publisher
	sandbox.Subscriber
}

// Observer receives invocation outcomes, e.g. for metrics.
type Observer interface {
	InvocationFinished(overlay, function, variant string, d time.Duration, err error)
}

// Metrics describe one invocation.
type Metrics struct {
	sandbox.Metrics
	Version string `json:"version"`
	Variant string `json:"variant"`
}

// Result is the outcome of Invoke. Failures never escape as panics.
type Result struct {
	Success   bool    `json:"success"`
	Output    []byte  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	Err       error   `json:"-"`
	Metrics   Metrics `json:"metrics"`
}

// Report summarises a Load.
type Report struct {
	Activated []string
	Failed    map[string]error
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithBus(b EventBus) Option                      { return func(r *Runtime) { r.bus = b } }
func WithSupervisor(s *supervisor.Supervisor) Option { return func(r *Runtime) { r.sup = s } }
func WithKnowledge(s knowledge.Store) Option         { return func(r *Runtime) { r.store = s } }
func WithAudit(rec audit.Recorder) Option            { return func(r *Runtime) { r.recorder = rec } }
func WithLogger(l *slog.Logger) Option               { return func(r *Runtime) { r.logger = l } }
func WithClock(clock func() time.Time) Option        { return func(r *Runtime) { r.clock = clock } }
func WithObserver(o Observer) Option                 { return func(r *Runtime) { r.observer = o } }

// Runtime loads, invokes, quarantines and retires overlays held in a
// Registry.
type Runtime struct {
	cfg      Config
	reg      *Registry
	modules  *Modules
	bus      EventBus
	sup      *supervisor.Supervisor
	breakers *supervisor.Breakers
	canaries *supervisor.Canaries
	store    knowledge.Store
	recorder audit.Recorder
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	order []string
}

// NewRuntime builds a runtime over reg. With a supervisor, the runtime
// registers itself as its quarantine target and follows its canary decisions.
func NewRuntime(cfg Config, reg *Registry, modules *Modules, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		reg:      reg,
		modules:  modules,
		recorder: audit.Nop{},
		logger:   slog.Default().With("component", "overlay_runtime"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sup != nil {
		r.breakers = r.sup.Breakers()
		r.canaries = r.sup.Canaries()
		r.sup.SetQuarantiner(r, r)
		r.sup.OnCanaryDecision(r.canaryDecision)
	} else {
		r.breakers = supervisor.NewBreakers(supervisor.DefaultBreakerConfig()).WithClock(r.clock)
		r.canaries = supervisor.NewCanaries().WithClock(r.clock).OnDecision(r.canaryDecision)
	}
	return r
}

func (r *Runtime) Registry() *Registry            { return r.reg }
func (r *Runtime) Config() Config                 { return r.cfg }
func (r *Runtime) Modules() *Modules              { return r.modules }
func (r *Runtime) Canaries() *supervisor.Canaries { return r.canaries }

// Load validates, resolves and activates descriptors in dependency order.
// Overlays whose trust floor exceeds tc, whose dependencies are missing or
// cyclic, or whose module fails to start do not activate; the returned error
// joins their reasons.
func (r *Runtime) Load(ctx context.Context, tc trust.Context, descs ...*Descriptor) (Report, error) {
	report := Report{Failed: make(map[string]error)}

	// 1. Semantics, trust floor and name clashes
	live := r.reg.Versions()
	var batch []*Descriptor
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			report.Failed[d.Name] = err
			continue
		}
		if !tc.Allows(d.MinTrust) {
			report.Failed[d.Name] = invalid(d.Name, "min_trust", "requires trust %d, loader has %d", d.MinTrust, tc.Score)
			continue
		}
		if _, ok := live[d.Name]; ok {
			report.Failed[d.Name] = &ValidationError{Overlay: d.Name, Message: "name in use", Err: ErrAlreadyLoaded}
			continue
		}
		batch = append(batch, d)
	}

	// 2. Resolve; cycle members are registered as Failed so they are visible
	plan := Resolve(batch, live)
	for _, d := range batch {
		err, failed := plan.Failed[d.Name]
		if !failed {
			continue
		}
		report.Failed[d.Name] = err
		inst := newInstance(d, nil, r.clock())
		if r.reg.put(inst) == nil {
			_ = r.reg.Transition(ctx, inst, StateFailed, err.Error())
		}
	}

	// 3. Activate in order
	for _, d := range plan.Order {
		if dep := r.failedDependency(d, report.Failed); dep != "" {
			report.Failed[d.Name] = invalid(d.Name, "dependencies", "dependency %s failed to activate", dep)
			continue
		}
		granted := d.CapabilitySet().Intersect(tc.Capabilities)
		if missing := granted.Missing(d.CapabilitySet().Slice()); len(missing) > 0 {
			r.logger.Warn("overlay capabilities not granted", "overlay", d.Name, "missing", missing)
		}
		if err := r.activate(ctx, d, granted); err != nil {
			report.Failed[d.Name] = err
			continue
		}
		report.Activated = append(report.Activated, d.Name)
	}

	names := sortedKeys(report.Failed)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, report.Failed[name])
	}
	return report, errors.Join(errs...)
}

func (r *Runtime) failedDependency(d *Descriptor, failed map[string]error) string {
	deps, _ := d.Deps()
	for _, dep := range deps {
		if _, ok := failed[dep.Name]; ok {
			return dep.Name
		}
	}
	return ""
}

func (r *Runtime) activate(ctx context.Context, d *Descriptor, granted trust.CapabilitySet) error {
	inst := newInstance(d, granted, r.clock())
	if err := r.reg.put(inst); err != nil {
		return err
	}
	if err := r.start(ctx, inst); err != nil {
		return err
	}
	if err := r.subscribe(inst); err != nil {
		r.fail(ctx, inst, err)
		return err
	}
	r.mu.Lock()
	r.order = append(r.order, d.Name)
	r.mu.Unlock()
	return nil
}

// start drives a fresh instance from Discovered to Active.
func (r *Runtime) start(ctx context.Context, inst *Instance) error {
	if err := r.reg.Transition(ctx, inst, StateLoading, ""); err != nil {
		return err
	}
	impl, err := r.modules.Build(ctx, inst.desc)
	if err != nil {
		r.fail(ctx, inst, err)
		return err
	}
	inst.setImpl(impl)
	return r.initialize(ctx, inst, "")
}

// initialize runs Initializing -> Active for a new or re-admitted instance.
func (r *Runtime) initialize(ctx context.Context, inst *Instance, reason string) error {
	if err := r.reg.Transition(ctx, inst, StateInitializing, reason); err != nil {
		return err
	}
	env := Env{Descriptor: inst.desc, Logger: r.logger.With("overlay", inst.Name())}
	if err := inst.implementation().Initialize(ctx, env); err != nil {
		err = fmt.Errorf("initialize %s: %w", inst.Name(), err)
		r.fail(ctx, inst, err)
		return err
	}
	return r.reg.Transition(ctx, inst, StateActive, reason)
}

func (r *Runtime) fail(ctx context.Context, inst *Instance, cause error) {
	if err := r.reg.Transition(ctx, inst, StateFailed, cause.Error()); err != nil {
		r.logger.Error("overlay fail transition", "overlay", inst.Name(), "error", err)
	}
	if impl := inst.implementation(); impl != nil {
		if err := impl.Cleanup(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("overlay cleanup failed", "overlay", inst.Name(), "error", err)
		}
	}
}

func (r *Runtime) subscribe(inst *Instance) error {
	if r.bus == nil {
		return nil
	}
	var opts []eventbus.SubscribeOption
	if !inst.desc.Reentrant {
		opts = append(opts, eventbus.NonReentrant())
	}
	return r.bus.Subscribe(inst.Name(), inst.desc.Subscriptions, r.handler(inst.Name()), opts...)
}

func (r *Runtime) unsubscribe(name string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Unsubscribe(name); err != nil && !errors.Is(err, eventbus.ErrUnknownSubscriber) {
		r.logger.Warn("unsubscribe failed", "overlay", name, "error", err)
	}
}

// delivery is the JSON document an overlay's execute function receives for a
// bus event.
type delivery struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CascadeID     string         `json:"cascade_id,omitempty"`
	Hop           int            `json:"hop"`
}

// emitted is the optional handler output: events to continue the cascade.
type emitted struct {
	Events []struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	} `json:"events"`
}

func (r *Runtime) handler(name string) eventbus.Handler {
	return func(ctx context.Context, evt eventbus.Event) ([]eventbus.Event, error) {
		input, err := json.Marshal(delivery{
			ID: evt.ID, Type: evt.Type, Source: evt.Source, Payload: evt.Payload,
			CorrelationID: evt.CorrelationID, CascadeID: evt.CascadeID, Hop: evt.Hop,
		})
		if err != nil {
			return nil, err
		}
		key := evt.CorrelationID
		if key == "" {
			key = evt.ID
		}
		res := r.Invoke(WithRouteKey(ctx, key), name, DefaultFunction, input, 0)
		if !res.Success {
			return nil, res.Err
		}
		var out emitted
		if len(res.Output) == 0 || json.Unmarshal(res.Output, &out) != nil {
			return nil, nil
		}
		conts := make([]eventbus.Event, 0, len(out.Events))
		for _, e := range out.Events {
			if e.Type != "" {
				conts = append(conts, evt.Derive(e.Type, name, e.Payload))
			}
		}
		return conts, nil
	}
}

type routeKey struct{}

// WithRouteKey sets the key canary routing hashes for calls made with ctx.
// Calls without one are split at random.
func WithRouteKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routeKey{}, key)
}

func routeKeyFrom(ctx context.Context) string {
	if k, ok := ctx.Value(routeKey{}).(string); ok && k != "" {
		return k
	}
	return uuid.NewString()
}

// Invoke runs function of overlay name under its budget. timeout, when
// positive and tighter, replaces the manifest timeout. Calls go through the
// overlay's circuit breaker and, during a rollout, the canary split.
func (r *Runtime) Invoke(ctx context.Context, name, function string, input []byte, timeout time.Duration) Result {
	// 1. Route
	inst, variant, err := r.route(ctx, name)
	if err != nil {
		return failed(err, Metrics{})
	}
	impl := inst.implementation()
	budget := inst.desc.SandboxBudget()
	if timeout > 0 && timeout < budget.Timeout {
		budget.Timeout = timeout
	}

	// 2. Execute under the breaker
	var (
		out     []byte
		metrics sandbox.Metrics
	)
	start := r.clock()
	err = r.breakers.Execute(ctx, "overlay:"+inst.desc.Key(), func(ctx context.Context) error {
		gate := sandbox.NewGate(name, inst.granted, sandbox.NewMeter(budget.ComputeUnits), sandbox.Services{
			Store:      r.store,
			Publisher:  r.bus,
			Subscriber: r.bus,
			Logger:     r.logger,
		})
		var runErr error
		out, metrics, runErr = sandbox.Run(ctx, executor{impl}, gate, budget, function, input)
		return runErr
	})
	elapsed := r.clock().Sub(start)
	if metrics.Duration == 0 {
		metrics.Duration = elapsed
	}

	// 3. Feed health, canary and anomaly signals
	inst.recordInvocation(metrics.Duration, err)
	if c, ok := r.canaries.Get(name); ok && c.Snapshot().Status == supervisor.CanaryRunning {
		c.Record(variant, metrics.Duration, err)
	}
	if r.observer != nil {
		r.observer.InvocationFinished(name, function, variant.String(), metrics.Duration, err)
	}
	if r.cfg.ReportLatency && r.sup != nil {
		r.sup.Observe(ctx, name, "latency_ms", float64(metrics.Duration.Microseconds())/1000)
	}

	m := Metrics{Metrics: metrics, Version: inst.desc.Version, Variant: variant.String()}
	if err != nil {
		r.logger.Debug("overlay invocation failed", "overlay", name, "function", function, "error", err)
		return failed(err, m)
	}
	return Result{Success: true, Output: out, Metrics: m}
}

func failed(err error, m Metrics) Result {
	return Result{Error: err.Error(), ErrorCode: resultCode(err), Err: err, Metrics: m}
}

func resultCode(err error) string {
	var v *sandbox.Violation
	if errors.As(err, &v) {
		return v.Code
	}
	var capErr *sandbox.CapabilityError
	if errors.As(err, &capErr) {
		return "ERR_CAPABILITY_DENIED"
	}
	var p *sandbox.PanicError
	if errors.As(err, &p) {
		return "ERR_OVERLAY_PANIC"
	}
	if code := ErrorCode(err); code != "" {
		return code
	}
	if errors.Is(err, ErrUnknownOverlay) {
		return "ERR_UNKNOWN_OVERLAY"
	}
	return "ERR_OVERLAY_FAILED"
}

func (r *Runtime) route(ctx context.Context, name string) (*Instance, supervisor.Variant, error) {
	inst, ok := r.reg.Get(name)
	if !ok {
		return nil, supervisor.VariantStable, fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	switch st := inst.State(); st {
	case StateActive:
	case StateQuarantined:
		reason, _ := inst.quarantineInfo()
		return nil, supervisor.VariantStable, &QuarantinedError{Overlay: name, Reason: reason}
	default:
		return nil, supervisor.VariantStable, &UnavailableError{Overlay: name, State: st}
	}
	if c, ok := r.reg.Canary(name); ok && c.State() == StateActive {
		if r.canaries.Route(name, routeKeyFrom(ctx)) == supervisor.VariantCanary {
			return c, supervisor.VariantCanary, nil
		}
	}
	return inst, supervisor.VariantStable, nil
}

// Manages reports whether name is an overlay held by the registry.
func (r *Runtime) Manages(name string) bool {
	_, ok := r.reg.Get(name)
	return ok
}

// Quarantine removes name from routing and pipeline invocation. It reports
// false when the overlay already was quarantined. Under SuspendDependents the
// overlays that hard-depend on it follow.
func (r *Runtime) Quarantine(ctx context.Context, name, reason string) (bool, error) {
	inst, ok := r.reg.Get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	changed, err := r.quarantine(ctx, inst, reason, "")
	if err != nil || !changed {
		return changed, err
	}
	if r.cfg.Suspend == SuspendDependents {
		r.suspendDependents(ctx, name)
	}
	return true, nil
}

func (r *Runtime) quarantine(ctx context.Context, inst *Instance, reason, by string) (bool, error) {
	if inst.State() == StateQuarantined {
		return false, nil
	}
	if err := r.reg.Transition(ctx, inst, StateQuarantined, reason); err != nil {
		return false, err
	}
	inst.mu.Lock()
	inst.suspendedBy = by
	inst.mu.Unlock()
	r.unsubscribe(inst.Name())
	r.logger.Warn("overlay quarantined", "overlay", inst.Name(), "reason", reason, "suspended_by", by)
	return true, nil
}

func (r *Runtime) suspendDependents(ctx context.Context, name string) {
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range r.reg.Dependents(cur) {
			if dep.State() != StateActive {
				continue
			}
			changed, err := r.quarantine(ctx, dep, "hard dependency "+cur+" quarantined", cur)
			if err != nil {
				r.logger.Error("suspend dependent failed", "overlay", dep.Name(), "error", err)
				continue
			}
			if changed {
				queue = append(queue, dep.Name())
			}
		}
	}
}

// Release re-admits a quarantined overlay through Initializing, then the
// dependents it suspended. It returns every overlay brought back.
func (r *Runtime) Release(ctx context.Context, name string) ([]string, error) {
	inst, ok := r.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	return r.release(ctx, inst, "released")
}

func (r *Runtime) release(ctx context.Context, inst *Instance, reason string) ([]string, error) {
	if st := inst.State(); st != StateQuarantined {
		return nil, &TransitionError{Overlay: inst.Name(), From: st, To: StateInitializing}
	}
	for _, h := range inst.desc.HardDependencies {
		dep, ok := r.reg.Get(h)
		if !ok || dep.State() != StateActive {
			return nil, fmt.Errorf("release %s: hard dependency %s is not active", inst.Name(), h)
		}
	}
	inst.mu.Lock()
	inst.health.ConsecutiveFailures = 0
	inst.mu.Unlock()
	if err := r.initialize(ctx, inst, reason); err != nil {
		return nil, err
	}
	if err := r.subscribe(inst); err != nil {
		r.fail(ctx, inst, err)
		return nil, err
	}
	if err := r.recorder.Record(ctx, audit.KindQuarantine, "released", inst.Name(), map[string]any{"reason": reason}); err != nil {
		r.logger.Error("audit record failed", "overlay", inst.Name(), "error", err)
	}
	r.logger.Info("overlay re-admitted", "overlay", inst.Name(), "reason", reason)

	released := []string{inst.Name()}
	for _, dep := range r.reg.Dependents(inst.Name()) {
		if _, by := dep.quarantineInfo(); by != inst.Name() || dep.State() != StateQuarantined {
			continue
		}
		more, err := r.release(ctx, dep, "hard dependency "+inst.Name()+" released")
		if err != nil {
			r.logger.Warn("dependent stays quarantined", "overlay", dep.Name(), "error", err)
			continue
		}
		released = append(released, more...)
	}
	return released, nil
}

// RecoverDue re-admits overlays whose cooldown has passed. It does nothing
// under RecoveryManual. Overlays suspended by a dependency wait for it.
func (r *Runtime) RecoverDue(ctx context.Context) []string {
	if r.cfg.Recovery != RecoveryAutomatic {
		return nil
	}
	now := r.clock()
	var out []string
	for _, name := range r.reg.Names() {
		inst, ok := r.reg.Get(name)
		if !ok || inst.State() != StateQuarantined {
			continue
		}
		inst.mu.Lock()
		due := inst.suspendedBy == "" && now.Sub(inst.since) >= r.cfg.Cooldown
		inst.mu.Unlock()
		if !due {
			continue
		}
		released, err := r.release(ctx, inst, "cooldown elapsed")
		if err != nil {
			r.logger.Warn("automatic recovery failed", "overlay", name, "error", err)
			continue
		}
		out = append(out, released...)
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// escalate quarantines through the supervisor when present so canaries roll
// back and alerts go out.
func (r *Runtime) escalate(ctx context.Context, name, reason string) error {
	if r.sup != nil {
		return r.sup.Quarantine(ctx, name, reason)
	}
	_, err := r.Quarantine(ctx, name, reason)
	return err
}

// StartCanary deploys d beside the stable version of the same overlay and
// starts a traffic-split rollout. A nil cfg uses the supervisor defaults.
func (r *Runtime) StartCanary(ctx context.Context, tc trust.Context, d *Descriptor, cfg *supervisor.CanaryConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	stable, ok := r.reg.Get(d.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOverlay, d.Name)
	}
	if st := stable.State(); st != StateActive {
		return &UnavailableError{Overlay: d.Name, State: st}
	}
	if !tc.Allows(d.MinTrust) {
		return invalid(d.Name, "min_trust", "requires trust %d, loader has %d", d.MinTrust, tc.Score)
	}
	live := r.reg.Versions()
	delete(live, d.Name)
	if plan := Resolve([]*Descriptor{d}, live); plan.Failed[d.Name] != nil {
		return plan.Failed[d.Name]
	}

	rc := supervisor.DefaultCanaryConfig()
	if r.sup != nil {
		rc = r.sup.CanaryDefaults()
	}
	if cfg != nil {
		rc = *cfg
	}
	if err := rc.Validate(); err != nil {
		return err
	}

	inst := newInstance(d, d.CapabilitySet().Intersect(tc.Capabilities), r.clock())
	if err := r.start(ctx, inst); err != nil {
		return err
	}
	if err := r.reg.setCanary(inst); err != nil {
		r.retire(ctx, inst, "canary rejected")
		return err
	}
	if _, err := r.canaries.Start(d.Name, stable.desc.Version, d.Version, rc); err != nil {
		r.reg.dropCanary(d.Name)
		r.retire(ctx, inst, "canary rejected")
		return err
	}
	r.logger.Info("canary started", "overlay", d.Name, "old", stable.desc.Version, "new", d.Version, "percent", rc.InitialPercent)
	return nil
}

func (r *Runtime) canaryDecision(ev supervisor.CanaryEvent) {
	ctx := context.Background()
	name := ev.Rollout.OverlayID
	switch ev.Decision {
	case supervisor.DecisionPromote:
		old, promoted := r.reg.promote(name)
		if promoted == nil {
			return
		}
		r.unsubscribe(name)
		if err := r.subscribe(promoted); err != nil {
			r.logger.Error("promoted overlay subscribe failed", "overlay", name, "error", err)
		}
		if old != nil {
			r.retire(ctx, old, "superseded by "+promoted.desc.Version)
		}
	case supervisor.DecisionRollback:
		if c := r.reg.dropCanary(name); c != nil {
			r.retire(ctx, c, "canary rolled back: "+string(ev.Rollout.RollbackReason))
		}
	}
}

// retire walks inst down to Terminated and releases its module.
func (r *Runtime) retire(ctx context.Context, inst *Instance, reason string) {
	steps := []State{StateDraining, StateDeactivating, StateTerminated}
	if inst.State() != StateActive {
		steps = steps[1:]
	}
	for _, to := range steps {
		if to == StateTerminated {
			if impl := inst.implementation(); impl != nil {
				if err := impl.Cleanup(ctx); err != nil {
					r.logger.Warn("overlay cleanup failed", "overlay", inst.Name(), "error", err)
				}
			}
		}
		if err := r.reg.Transition(ctx, inst, to, reason); err != nil {
			r.logger.Warn("retire transition", "overlay", inst.Name(), "error", err)
			return
		}
	}
}

// Shutdown drains and terminates name and any canary beside it.
func (r *Runtime) Shutdown(ctx context.Context, name string) error {
	inst, ok := r.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	if inst.State().Terminal() {
		return nil
	}
	r.unsubscribe(name)
	if c := r.reg.dropCanary(name); c != nil {
		r.retire(ctx, c, "shutdown")
	}
	r.canaries.Remove(name)
	r.retire(ctx, inst, "shutdown")
	return nil
}

// Close shuts every overlay down, dependents before their dependencies.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	order := slices.Clone(r.order)
	r.order = nil
	r.mu.Unlock()

	seen := make(map[string]bool, len(order))
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := r.Shutdown(ctx, name); err != nil && !errors.Is(err, ErrUnknownOverlay) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

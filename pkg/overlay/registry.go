package overlay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// Health is the rolling health of one instance.
type Health struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Invocations         int64         `json:"invocations"`
	Failures            int64         `json:"failures"`
	MeanLatency         time.Duration `json:"mean_latency"`
	LastError           string        `json:"last_error,omitempty"`
	LastProbe           time.Time     `json:"last_probe,omitzero"`
}

// latencyAlpha weights the newest sample in the latency moving average.
const latencyAlpha = 0.2

// Instance is a loaded descriptor plus its mutable lifecycle state. State
// changes are serialised by the instance lock.
type Instance struct {
	desc    *Descriptor
	granted trust.CapabilitySet
	impl    Overlay

	mu               sync.Mutex
	state            State
	health           Health
	since            time.Time
	quarantineReason string
	suspendedBy      string
}

func newInstance(d *Descriptor, granted trust.CapabilitySet, now time.Time) *Instance {
	return &Instance{desc: d, granted: granted, state: StateDiscovered, since: now}
}

func (i *Instance) Descriptor() *Descriptor          { return i.desc }
func (i *Instance) Name() string                     { return i.desc.Name }
func (i *Instance) Granted() trust.CapabilitySet     { return i.granted }
func (i *Instance) setImpl(o Overlay)                { i.mu.Lock(); i.impl = o; i.mu.Unlock() }
func (i *Instance) implementation() Overlay          { i.mu.Lock(); defer i.mu.Unlock(); return i.impl }
func (i *Instance) quarantineInfo() (string, string) { i.mu.Lock(); defer i.mu.Unlock(); return i.quarantineReason, i.suspendedBy }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Health returns a copy of the rolling health metrics.
func (i *Instance) Health() Health {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health
}

func (i *Instance) recordInvocation(d time.Duration, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.health.Invocations++
	if i.health.MeanLatency == 0 {
		i.health.MeanLatency = d
	} else {
		i.health.MeanLatency = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(i.health.MeanLatency))
	}
	if err != nil {
		i.health.Failures++
		i.health.LastError = err.Error()
	}
}

// recordProbe updates the probe streak and returns the consecutive failures.
func (i *Instance) recordProbe(at time.Time, err error) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.health.LastProbe = at
	if err == nil {
		i.health.ConsecutiveFailures = 0
		return 0
	}
	i.health.ConsecutiveFailures++
	i.health.LastError = err.Error()
	return i.health.ConsecutiveFailures
}

// Info is a JSON-friendly view of an instance.
type Info struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Variant          string    `json:"variant"`
	State            State     `json:"state"`
	Since            time.Time `json:"since"`
	Health           Health    `json:"health"`
	Capabilities     []string  `json:"capabilities"`
	Subscriptions    []string  `json:"subscriptions,omitempty"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	SuspendedBy      string    `json:"suspended_by,omitempty"`
}

func (i *Instance) info(variant string) Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	caps := make([]string, 0, len(i.granted))
	for _, c := range i.granted.Slice() {
		caps = append(caps, string(c))
	}
	var subs []string
	for _, s := range i.desc.Subscriptions {
		subs = append(subs, s.Type)
	}
	return Info{
		Name:             i.desc.Name,
		Version:          i.desc.Version,
		Variant:          variant,
		State:            i.state,
		Since:            i.since,
		Health:           i.health,
		Capabilities:     caps,
		Subscriptions:    subs,
		QuarantineReason: i.quarantineReason,
		SuspendedBy:      i.suspendedBy,
	}
}

type slot struct {
	stable *Instance
	canary *Instance
}

// Registry is the explicit handle over every overlay instance. It holds one
// stable and at most one canary instance per name and serves as the bus
// gatekeeper: only Active stable instances are routable.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot

	recorder audit.Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryAudit(r audit.Recorder) RegistryOption {
	return func(reg *Registry) { reg.recorder = r }
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(reg *Registry) { reg.logger = l }
}

func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(reg *Registry) { reg.clock = clock }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		slots:    make(map[string]*slot),
		recorder: audit.Nop{},
		logger:   slog.Default().With("component", "overlay_registry"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// put installs inst as the stable instance of its name, replacing a dead one.
func (r *Registry) put(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[inst.Name()]; ok && s.stable != nil {
		switch s.stable.State() {
		case StateTerminated, StateFailed:
		default:
			return &ValidationError{Overlay: inst.Name(), Message: "name in use", Err: ErrAlreadyLoaded}
		}
	}
	r.slots[inst.Name()] = &slot{stable: inst}
	return nil
}

func (r *Registry) setCanary(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[inst.Name()]
	if !ok || s.stable == nil {
		return ErrUnknownOverlay
	}
	if s.canary != nil {
		return &ValidationError{Overlay: inst.Name(), Message: "canary already deployed"}
	}
	s.canary = inst
	return nil
}

// promote makes the canary stable and returns the previous stable instance.
func (r *Registry) promote(name string) (old, promoted *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok || s.canary == nil {
		return nil, nil
	}
	old, s.stable, s.canary = s.stable, s.canary, nil
	return old, s.stable
}

func (r *Registry) dropCanary(name string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		return nil
	}
	c := s.canary
	s.canary = nil
	return c
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	delete(r.slots, name)
	r.mu.Unlock()
}

// Get returns the stable instance of name.
func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[name]
	if !ok || s.stable == nil {
		return nil, false
	}
	return s.stable, true
}

// Canary returns the canary instance of name, if one is deployed.
func (r *Registry) Canary(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[name]
	if !ok || s.canary == nil {
		return nil, false
	}
	return s.canary, true
}

// Names lists registered overlay names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.slots))
	for name := range r.slots {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Instances returns every stable and canary instance, ordered by name.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []*Instance
	for _, name := range names {
		s := r.slots[name]
		if s.stable != nil {
			out = append(out, s.stable)
		}
		if s.canary != nil {
			out = append(out, s.canary)
		}
	}
	return out
}

// List describes every instance.
func (r *Registry) List() []Info {
	r.mu.RLock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	slots := make(map[string]slot, len(r.slots))
	for name, s := range r.slots {
		slots[name] = *s
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		s := slots[name]
		if s.stable != nil {
			out = append(out, s.stable.info("stable"))
		}
		if s.canary != nil {
			out = append(out, s.canary.info("canary"))
		}
	}
	return out
}

// Routable implements eventbus.Gatekeeper.
func (r *Registry) Routable(subscriber string) bool {
	inst, ok := r.Get(subscriber)
	return ok && inst.State() == StateActive
}

// Dependents returns the overlays that list name under hard_dependencies.
func (r *Registry) Dependents(name string) []*Instance {
	var out []*Instance
	for _, inst := range r.Instances() {
		if inst.desc.IsHardDependency(name) {
			out = append(out, inst)
		}
	}
	return out
}

// Versions maps each live stable overlay to its version.
func (r *Registry) Versions() map[string]*Descriptor {
	out := make(map[string]*Descriptor)
	for _, name := range r.Names() {
		inst, ok := r.Get(name)
		if !ok {
			continue
		}
		switch inst.State() {
		case StateTerminated, StateFailed:
			continue
		}
		out[name] = inst.desc
	}
	return out
}

// Transition moves inst to state to under its lock and audits the change.
func (r *Registry) Transition(ctx context.Context, inst *Instance, to State, reason string) error {
	inst.mu.Lock()
	from := inst.state
	if !CanTransition(from, to) {
		inst.mu.Unlock()
		return &TransitionError{Overlay: inst.Name(), From: from, To: to}
	}
	inst.state = to
	inst.since = r.clock()
	switch to {
	case StateQuarantined:
		inst.quarantineReason = reason
	case StateInitializing, StateActive:
		inst.quarantineReason = ""
		inst.suspendedBy = ""
	}
	inst.mu.Unlock()

	r.logger.Info("overlay transition", "overlay", inst.Name(), "version", inst.desc.Version,
		"from", from.String(), "to", to.String(), "reason", reason)
	data := map[string]any{"from": from.String(), "to": to.String(), "version": inst.desc.Version}
	if reason != "" {
		data["reason"] = reason
	}
	if err := r.recorder.Record(ctx, audit.KindLifecycle, to.String(), inst.Name(), data); err != nil {
		r.logger.Error("audit record failed", "overlay", inst.Name(), "error", err)
	}
	return nil
}

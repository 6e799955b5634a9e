package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
)

// Alert event types published on the bus.
const (
	EventBreakerTransition = "supervisor.breaker.transition"
	EventCanaryDecision    = "supervisor.canary.decision"
	EventAnomaly           = "supervisor.anomaly"
	EventQuarantine        = "supervisor.quarantine"
)

const alertSource = "supervisor"

// AlertPublisher is the slice of the event bus the supervisor uses.
type AlertPublisher interface {
	PublishFrom(ctx context.Context, source, eventType string, payload map[string]any) error
}

// Quarantiner removes overlays from service. The overlay runtime implements it.
// Quarantine reports false when name was already quarantined.
type Quarantiner interface {
	Quarantine(ctx context.Context, name, reason string) (bool, error)
	Manages(name string) bool
}

// Recoverer re-admits quarantined overlays whose cooldown has passed.
type Recoverer interface {
	RecoverDue(ctx context.Context) []string
}

// Config groups supervisor settings.
type Config struct {
	Breaker BreakerConfig    `json:"breaker" yaml:"breaker"`
	Canary  CanaryConfig     `json:"canary" yaml:"canary"`
	Anomaly AnomalyConfig    `json:"anomaly" yaml:"anomaly"`
	Rules   []EscalationRule `json:"rules" yaml:"rules"`
	// CanarySchedule and RecoverySchedule are cron specs.
	CanarySchedule   string `json:"canary_schedule" yaml:"canary_schedule"`
	RecoverySchedule string `json:"recovery_schedule" yaml:"recovery_schedule"`
	// CallerCooldown releases quarantined callers automatically; zero keeps
	// them quarantined until ReleaseCaller.
	CallerCooldown time.Duration `json:"caller_cooldown" yaml:"caller_cooldown"`
}

// DefaultConfig returns the standard supervisor settings.
func DefaultConfig() Config {
	return Config{
		Breaker:          DefaultBreakerConfig(),
		Canary:           DefaultCanaryConfig(),
		Anomaly:          DefaultAnomalyConfig(),
		CanarySchedule:   "@every 30s",
		RecoverySchedule: "@every 10s",
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithQuarantiner(q Quarantiner) Option    { return func(s *Supervisor) { s.quarantiner = q } }
func WithRecoverer(r Recoverer) Option        { return func(s *Supervisor) { s.recoverer = r } }
func WithAlerts(p AlertPublisher) Option      { return func(s *Supervisor) { s.alerts = p } }
func WithAudit(r audit.Recorder) Option       { return func(s *Supervisor) { s.recorder = r } }
func WithLogger(l *slog.Logger) Option        { return func(s *Supervisor) { s.logger = l } }
func WithClock(clock func() time.Time) Option { return func(s *Supervisor) { s.clock = clock } }

// Supervisor owns breakers, canaries and the anomaly detector, and turns
// their signals into alerts and quarantines.
type Supervisor struct {
	cfg         Config
	breakers    *Breakers
	canaries    *Canaries
	detector    *Detector
	rules       []compiledRule
	quarantiner Quarantiner
	recoverer   Recoverer
	alerts      AlertPublisher
	recorder    audit.Recorder
	logger      *slog.Logger
	clock       func() time.Time

	mu        sync.Mutex
	callers   map[string]time.Time
	cron      *cron.Cron
	listeners []func(CanaryEvent)
}

// New builds a supervisor. Schedules are not started until Start.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.CanarySchedule == "" {
		cfg.CanarySchedule = DefaultConfig().CanarySchedule
	}
	if cfg.RecoverySchedule == "" {
		cfg.RecoverySchedule = DefaultConfig().RecoverySchedule
	}
	s := &Supervisor{
		cfg:      cfg,
		rules:    rules,
		recorder: audit.Nop{},
		logger:   slog.Default().With("component", "supervisor"),
		clock:    time.Now,
		callers:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breakers = NewBreakers(cfg.Breaker).WithClock(s.clock).OnTransition(s.breakerTransition)
	s.canaries = NewCanaries().WithClock(s.clock).OnDecision(s.canaryDecision)
	s.detector = NewDetector(cfg.Anomaly).WithClock(s.clock)
	return s, nil
}

func (s *Supervisor) Breakers() *Breakers { return s.breakers }
func (s *Supervisor) Canaries() *Canaries { return s.canaries }
func (s *Supervisor) Detector() *Detector { return s.detector }

// CanaryDefaults returns the configured rollout thresholds.
func (s *Supervisor) CanaryDefaults() CanaryConfig { return s.cfg.Canary }

// SetQuarantiner attaches the quarantine target after construction, for
// composition roots where the runtime is built after the supervisor.
func (s *Supervisor) SetQuarantiner(q Quarantiner, r Recoverer) {
	s.mu.Lock()
	s.quarantiner, s.recoverer = q, r
	s.mu.Unlock()
}

// OnCanaryDecision registers fn to run after every advance, promote and
// rollback, including rollbacks forced by a quarantine.
func (s *Supervisor) OnCanaryDecision(fn func(CanaryEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start schedules canary evaluation and quarantine recovery.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	base := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.cfg.CanarySchedule, func() { s.EvaluateCanaries(base) }); err != nil {
		return fmt.Errorf("canary schedule %q: %w", s.cfg.CanarySchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.RecoverySchedule, func() { s.Recover(base) }); err != nil {
		return fmt.Errorf("recovery schedule %q: %w", s.cfg.RecoverySchedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("supervisor started", "canary_schedule", s.cfg.CanarySchedule, "recovery_schedule", s.cfg.RecoverySchedule)
	return nil
}

// Stop halts the schedules and waits for running jobs, up to ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EvaluateCanaries runs one canary evaluation cycle.
func (s *Supervisor) EvaluateCanaries(_ context.Context) map[string]Decision {
	return s.canaries.EvaluateAll()
}

// Recover runs one recovery sweep over quarantined overlays and callers.
func (s *Supervisor) Recover(ctx context.Context) []string {
	var released []string
	s.mu.Lock()
	r := s.recoverer
	if s.cfg.CallerCooldown > 0 {
		now := s.clock()
		for id, at := range s.callers {
			if now.Sub(at) >= s.cfg.CallerCooldown {
				delete(s.callers, id)
				released = append(released, id)
			}
		}
	}
	s.mu.Unlock()
	for _, id := range released {
		s.logger.Info("caller released", "caller", id)
		s.record(ctx, audit.KindQuarantine, "caller_released", id, nil)
	}
	if r != nil {
		released = append(released, r.RecoverDue(ctx)...)
	}
	sort.Strings(released)
	return released
}

// Observe scores one metric sample for entity and escalates when the
// severity reaches high or an escalation rule matches.
func (s *Supervisor) Observe(ctx context.Context, entity, metric string, value float64) Assessment {
	a := s.detector.Observe(entity, metric, value)

	if c, ok := s.canaries.Get(entity); ok && a.Score > 0 {
		c.ReportAnomaly(a.Score)
	}

	quarantine := a.Severity.Escalates()
	alert := a.Severity >= SeverityMedium
	var matched []string
	for _, r := range s.rules {
		ok, err := r.match(a)
		if err != nil {
			s.logger.Warn("escalation rule failed", "rule", r.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, r.Name)
		alert = true
		if r.Action == ActionQuarantine {
			quarantine = true
		}
	}

	if alert {
		s.publish(ctx, EventAnomaly, map[string]any{
			"entity":   a.Entity,
			"metric":   a.Metric,
			"value":    a.Value,
			"score":    a.Score,
			"severity": a.Severity.String(),
			"rules":    matched,
		})
	}
	if quarantine {
		reason := fmt.Sprintf("anomaly %s on %s (score %.2f)", a.Severity, a.Metric, a.Score)
		if len(matched) > 0 {
			reason = fmt.Sprintf("%s, rules %v", reason, matched)
		}
		if err := s.Quarantine(ctx, entity, reason); err != nil {
			s.logger.Error("auto-quarantine failed", "entity", entity, "error", err)
		}
	}
	return a
}

// Quarantine isolates entity: overlays go through the runtime, anything else
// is treated as a caller identity and refused admission.
func (s *Supervisor) Quarantine(ctx context.Context, entity, reason string) error {
	s.mu.Lock()
	q := s.quarantiner
	s.mu.Unlock()

	if q != nil && q.Manages(entity) {
		changed, err := q.Quarantine(ctx, entity, reason)
		if err != nil || !changed {
			return err
		}
		if c, ok := s.canaries.Get(entity); ok && c.Snapshot().Status == CanaryRunning {
			c.Rollback(RollbackAnomaly)
			s.canaryDecision(CanaryEvent{Decision: DecisionRollback, Rollout: c.Snapshot()})
		}
	} else {
		s.mu.Lock()
		if _, already := s.callers[entity]; already {
			s.mu.Unlock()
			return nil
		}
		s.callers[entity] = s.clock()
		s.mu.Unlock()
	}

	s.logger.Warn("entity quarantined", "entity", entity, "reason", reason)
	s.record(ctx, audit.KindQuarantine, "quarantined", entity, map[string]any{"reason": reason})
	s.publish(ctx, EventQuarantine, map[string]any{"entity": entity, "reason": reason})
	return nil
}

// CallerQuarantined reports whether a caller identity is quarantined.
func (s *Supervisor) CallerQuarantined(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.callers[id]
	return ok
}

// ReleaseCaller lifts a caller quarantine.
func (s *Supervisor) ReleaseCaller(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.callers[id]
	delete(s.callers, id)
	s.mu.Unlock()
	if ok {
		s.record(ctx, audit.KindQuarantine, "caller_released", id, nil)
	}
	return ok
}

// QuarantinedCallers lists quarantined caller identities.
func (s *Supervisor) QuarantinedCallers() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.callers))
	for id := range s.callers {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Supervisor) breakerTransition(dep string, from, to BreakerState, at time.Time) {
	ctx := context.Background()
	s.logger.Info("breaker transition", "dependency", dep, "from", from.String(), "to", to.String())
	data := map[string]any{"from": from.String(), "to": to.String(), "at": at.UTC().Format(time.RFC3339Nano)}
	s.record(ctx, audit.KindBreaker, to.String(), dep, data)
	alert := maps.Clone(data)
	alert["dependency"] = dep
	s.publish(ctx, EventBreakerTransition, alert)
}

func (s *Supervisor) canaryDecision(ev CanaryEvent) {
	ctx := context.Background()
	r := ev.Rollout
	if ev.Decision == DecisionRollback {
		s.logger.Warn("canary rolled back", "overlay", r.OverlayID, "version", r.NewVersion,
			"reason", string(r.RollbackReason), "error_rate", r.ErrorRate, "latency_ratio", r.LatencyRatio)
	} else {
		s.logger.Info("canary "+string(ev.Decision), "overlay", r.OverlayID, "version", r.NewVersion, "percent", r.Percent)
	}
	data := map[string]any{
		"decision":        string(ev.Decision),
		"old_version":     r.OldVersion,
		"new_version":     r.NewVersion,
		"percent":         r.Percent,
		"error_rate":      r.ErrorRate,
		"latency_ratio":   r.LatencyRatio,
		"rollback_reason": string(r.RollbackReason),
	}
	s.record(ctx, audit.KindCanary, string(ev.Decision), r.OverlayID, data)
	alert := maps.Clone(data)
	alert["overlay"] = r.OverlayID
	s.publish(ctx, EventCanaryDecision, alert)

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Supervisor) publish(ctx context.Context, eventType string, payload map[string]any) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.PublishFrom(ctx, alertSource, eventType, payload); err != nil {
		s.logger.Warn("alert publish failed", "type", eventType, "error", err)
	}
}

func (s *Supervisor) record(ctx context.Context, kind audit.Kind, action, subject string, data map[string]any) {
	if err := s.recorder.Record(ctx, kind, action, subject, data); err != nil {
		s.logger.Error("audit record failed", "action", action, "subject", subject, "error", err)
	}
}

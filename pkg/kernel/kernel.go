// Package kernel is the composition root. It owns the overlay registry and
// wires the event bus, supervisor, overlay runtime and pipeline orchestrator
// around it from a single configuration.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/knowledge"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/observability"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// Option customises kernel construction.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	recorder  audit.Recorder
	dlq       eventbus.DeadLetterStore
	store     knowledge.Store
	artifacts artifacts.Store
	telemetry *observability.Provider
	admission pipeline.Admission
	clock     func() time.Time
	natives   map[string]overlay.Factory
}

// WithLogger sets the base logger; components derive theirs from it.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithAudit replaces the configured audit sink.
func WithAudit(r audit.Recorder) Option { return func(o *options) { o.recorder = r } }

// WithDeadLetterStore replaces the configured dead-letter store.
func WithDeadLetterStore(s eventbus.DeadLetterStore) Option { return func(o *options) { o.dlq = s } }

// WithKnowledge sets the knowledge store reached through host functions.
func WithKnowledge(s knowledge.Store) Option { return func(o *options) { o.store = s } }

// WithArtifacts replaces the configured module binary store.
func WithArtifacts(s artifacts.Store) Option { return func(o *options) { o.artifacts = s } }

// WithTelemetry attaches metrics and tracing.
func WithTelemetry(p *observability.Provider) Option { return func(o *options) { o.telemetry = p } }

// WithAdmission replaces the configured admission limiter.
func WithAdmission(a pipeline.Admission) Option { return func(o *options) { o.admission = a } }

// WithClock overrides time for every component.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// WithNative registers a compiled-in overlay implementation under entry.
func WithNative(entry string, f overlay.Factory) Option {
	return func(o *options) {
		if o.natives == nil {
			o.natives = make(map[string]overlay.Factory)
		}
		o.natives[entry] = f
	}
}

// Kernel holds the running components.
type Kernel struct {
	cfg          *config.Config
	registry     *overlay.Registry
	bus          *eventbus.Bus
	supervisor   *supervisor.Supervisor
	runtime      *overlay.Runtime
	monitor      *overlay.HealthMonitor
	watcher      *overlay.ManifestWatcher
	orchestrator *pipeline.Orchestrator
	recorder     audit.Recorder
	telemetry    *observability.Provider
	logger       *slog.Logger
	closers      []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Kernel, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	k := &Kernel{cfg: cfg, logger: o.logger.With("component", "kernel"), telemetry: o.telemetry}
	defer func() {
		if err != nil {
			k.closeResources()
		}
	}()

	k.recorder = o.recorder
	if k.recorder == nil {
		rec, closer, aerr := openAudit(ctx, cfg.Audit)
		if aerr != nil {
			return nil, aerr
		}
		k.recorder = rec
		k.addCloser(closer)
	}

	dlq := o.dlq
	if dlq == nil {
		store, closer, derr := openDeadLetters(ctx, cfg.DeadLetter)
		if derr != nil {
			return nil, derr
		}
		dlq = store
		k.addCloser(closer)
	}

	bins := o.artifacts
	if bins == nil {
		if bins, err = artifacts.New(ctx, cfg.ArtifactStore()); err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		if c, ok := bins.(io.Closer); ok {
			k.addCloser(c)
		}
	}

	store := o.store
	if store == nil {
		store = knowledge.NewMemoryStore()
	}

	k.registry = overlay.NewRegistry(
		overlay.WithRegistryAudit(k.recorder),
		overlay.WithRegistryLogger(o.logger.With("component", "overlay_registry")),
		overlay.WithRegistryClock(o.clock),
	)

	busOpts := []eventbus.Option{
		eventbus.WithGatekeeper(k.registry),
		eventbus.WithDeadLetterStore(dlq),
		eventbus.WithAudit(k.recorder),
		eventbus.WithLogger(o.logger.With("component", "eventbus")),
		eventbus.WithClock(o.clock),
	}
	if o.telemetry != nil {
		busOpts = append(busOpts, eventbus.WithObserver(o.telemetry))
	}
	k.bus = eventbus.New(cfg.EventBus(), busOpts...)

	k.supervisor, err = supervisor.New(cfg.SupervisorSettings(),
		supervisor.WithAlerts(k.bus),
		supervisor.WithAudit(k.recorder),
		supervisor.WithLogger(o.logger.With("component", "supervisor")),
		supervisor.WithClock(o.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	rtCfg := cfg.Runtime()
	if err := rtCfg.Validate(); err != nil {
		return nil, err
	}
	modules := overlay.NewModules(bins)
	for entry, f := range o.natives {
		modules.RegisterNative(entry, f)
	}
	rtOpts := []overlay.Option{
		overlay.WithBus(k.bus),
		overlay.WithSupervisor(k.supervisor),
		overlay.WithKnowledge(store),
		overlay.WithAudit(k.recorder),
		overlay.WithLogger(o.logger.With("component", "overlay_runtime")),
		overlay.WithClock(o.clock),
	}
	if o.telemetry != nil {
		rtOpts = append(rtOpts, overlay.WithObserver(o.telemetry))
	}
	k.runtime = overlay.NewRuntime(rtCfg, k.registry, modules, rtOpts...)
	k.monitor = overlay.NewHealthMonitor(k.runtime)
	if cfg.Overlays.Watch && cfg.Overlays.ManifestDir != "" {
		k.watcher = overlay.NewManifestWatcher(k.runtime, cfg.Overlays.ManifestDir, cfg.LoaderContext())
	}

	admission := o.admission
	if admission == nil {
		admission = newAdmission(cfg)
		if c, ok := admission.(io.Closer); ok {
			k.addCloser(c)
		}
	}
	pcfg, err := cfg.Orchestrator()
	if err != nil {
		return nil, err
	}
	handlers := pipeline.NewOverlayHandlers(k.runtime, k.bus).WithSupermajority(cfg.Pipeline.Supermajority)
	pipeOpts := []pipeline.Option{
		pipeline.WithPublisher(k.bus),
		pipeline.WithAdmission(admission),
		pipeline.WithCallerGuard(k.supervisor),
		pipeline.WithAudit(k.recorder),
		pipeline.WithLogger(o.logger.With("component", "pipeline")),
		pipeline.WithClock(o.clock),
		pipeline.WithDefaultHandlers(handlers),
	}
	if o.telemetry != nil {
		pipeOpts = append(pipeOpts, pipeline.WithObserver(o.telemetry))
	}
	if k.orchestrator, err = pipeline.New(pcfg, pipeOpts...); err != nil {
		return nil, err
	}
	return k, nil
}

func newAdmission(cfg *config.Config) pipeline.Admission {
	if cfg.Pipeline.RedisAddr != "" {
		return pipeline.NewRedisAdmission(cfg.Pipeline.RedisAddr, cfg.Pipeline.RedisPassword, cfg.Pipeline.RedisDB, cfg.Admission())
	}
	return pipeline.NewLocalAdmission(cfg.Admission())
}

func (k *Kernel) addCloser(c io.Closer) {
	if c != nil {
		k.closers = append(k.closers, c)
	}
}

func (k *Kernel) Registry() *overlay.Registry { return k.registry }
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }
func (k *Kernel) Supervisor() *supervisor.Supervisor { return k.supervisor }
func (k *Kernel) Runtime() *overlay.Runtime { return k.runtime }
func (k *Kernel) Monitor() *overlay.HealthMonitor { return k.monitor }
func (k *Kernel) Orchestrator() *pipeline.Orchestrator { return k.orchestrator }
func (k *Kernel) Telemetry() *observability.Provider { return k.telemetry }
func (k *Kernel) Config() *config.Config { return k.cfg }

// Start loads the manifests on disk and starts health probing, supervisor
// sweeps and, when configured, the manifest watcher. Overlays that fail to
// load are reported in the returned Report without aborting start.
func (k *Kernel) Start(ctx context.Context) (overlay.Report, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return overlay.Report{}, errors.New("kernel: closed")
	}
	if k.started {
		return overlay.Report{}, nil
	}

	report, err := k.loadManifests(ctx)
	if err != nil {
		return report, err
	}
	k.monitor.Start(ctx)
	if err := k.supervisor.Start(ctx); err != nil {
		return report, err
	}
	if k.watcher != nil {
		if err := k.watcher.Start(ctx); err != nil {
			return report, fmt.Errorf("manifest watcher: %w", err)
		}
	}
	k.started = true
	k.logger.Info("kernel started",
		"activated", len(report.Activated),
		"failed", len(report.Failed),
		"manifest_dir", k.cfg.Overlays.ManifestDir,
	)
	return report, nil
}

func (k *Kernel) loadManifests(ctx context.Context) (overlay.Report, error) {
	dir := k.cfg.Overlays.ManifestDir
	if dir == "" {
		return overlay.Report{}, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		k.logger.Warn("manifest directory missing, starting without overlays", "dir", dir)
		return overlay.Report{}, nil
	}
	descs, derr := overlay.Discover(dir)
	if derr != nil {
		// Malformed manifests are skipped; the rest still load.
		k.logger.Warn("manifest discovery reported errors", "dir", dir, "error", derr)
	}
	if len(descs) == 0 {
		return overlay.Report{}, nil
	}
	report, lerr := k.runtime.Load(ctx, k.cfg.LoaderContext(), descs...)
	for name, ferr := range report.Failed {
		k.logger.Warn("overlay not activated", "overlay", name, "error", ferr)
	}
	if lerr != nil && len(report.Activated) == 0 && len(report.Failed) == 0 {
		return report, lerr
	}
	return report, nil
}

// Load activates descriptors under tc.
func (k *Kernel) Load(ctx context.Context, tc trust.Context, descs ...*overlay.Descriptor) (overlay.Report, error) {
	return k.runtime.Load(ctx, tc, descs...)
}

// Submit runs one operation through the pipeline.
func (k *Kernel) Submit(ctx context.Context, operation string, payload map[string]any, tc trust.Context, opts ...pipeline.SubmitOption) (*pipeline.Result, error) {
	return k.orchestrator.Submit(ctx, operation, payload, tc, opts...)
}

// Close stops every component in reverse dependency order: intake first,
// then overlays, then the bus, then the stores.
func (k *Kernel) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	var errs []error
	if k.watcher != nil {
		errs = append(errs, k.watcher.Stop())
	}
	errs = append(errs,
		k.orchestrator.Close(ctx),
		k.monitor.Stop(ctx),
		k.supervisor.Stop(ctx),
		k.runtime.Close(ctx),
		k.bus.Close(ctx),
	)
	errs = append(errs, k.closeResources())
	if k.telemetry != nil {
		errs = append(errs, k.telemetry.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		k.logger.Error("kernel shutdown incomplete", "error", err)
	} else {
		k.logger.Info("kernel stopped")
	}
	return err
}

func (k *Kernel) closeResources() error {
	var errs []error
	for _, c := range slices.Backward(k.closers) {
		errs = append(errs, c.Close())
	}
	k.closers = nil
	return errors.Join(errs...)
}

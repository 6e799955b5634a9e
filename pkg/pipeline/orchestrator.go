package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

var tracer = otel.Tracer("forge/pipeline")

const eventSource = "pipeline"

// Event types published on the bus.
const (
	EventStarted        = "pipeline.started"
	EventPhaseCompleted = "pipeline.phase_completed"
	EventPhaseFailed    = "pipeline.phase_failed"
	EventCompleted      = "pipeline.completed"
	EventFailed         = "pipeline.failed"
	EventSettled        = "pipeline.settled"
)

// Config holds the phase table and background bookkeeping.
type Config struct {
	Phases map[Phase]Spec `json:"phases" yaml:"phases"`
	// Budget is handed to every operation's Context.
	Budget sandbox.Budget `json:"budget" yaml:"budget"`
	// BackgroundRetention is how long finished background results stay
	// available through Background.
	BackgroundRetention time.Duration `json:"background_retention" yaml:"background_retention"`
}

func DefaultConfig() Config {
	return Config{
		Phases:              DefaultSpecs(),
		Budget:              sandbox.DefaultBudget(),
		BackgroundRetention: 10 * time.Minute,
	}
}

func (c Config) Validate() error {
	for _, p := range Phases() {
		s, ok := c.Phases[p]
		if !ok {
			return fmt.Errorf("pipeline: phase %s not configured", p)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("pipeline: phase %s timeout must not be negative", p)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("pipeline: phase %s max_retries must not be negative", p)
		}
	}
	if c.BackgroundRetention < 0 {
		return errors.New("pipeline: background_retention must not be negative")
	}
	return nil
}

// Publisher sends phase-transition events; *eventbus.Bus satisfies it.
type Publisher interface {
	PublishFrom(ctx context.Context, source, eventType string, payload map[string]any) error
}

// CallerGuard reports callers the supervisor has isolated.
type CallerGuard interface {
	CallerQuarantined(id string) bool
}

// Observer receives phase and pipeline timings.
type Observer interface {
	PhaseFinished(operation string, p Phase, status Status, d time.Duration)
	PipelineFinished(operation string, success bool, d time.Duration)
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option              { return func(o *Orchestrator) { o.publisher = p } }
func WithAdmission(a Admission) Option              { return func(o *Orchestrator) { o.admission = a } }
func WithCallerGuard(g CallerGuard) Option          { return func(o *Orchestrator) { o.guard = g } }
func WithAudit(r audit.Recorder) Option             { return func(o *Orchestrator) { o.recorder = r } }
func WithObserver(obs Observer) Option              { return func(o *Orchestrator) { o.observer = obs } }
func WithLogger(l *slog.Logger) Option              { return func(o *Orchestrator) { o.logger = l } }
func WithClock(clock func() time.Time) Option       { return func(o *Orchestrator) { o.clock = clock } }
func WithDefaultHandlers(h *OverlayHandlers) Option { return func(o *Orchestrator) { o.fallback = h.Handler } }

// SubmitOption tunes one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	correlationID string
}

// WithCorrelationID links the operation to an existing correlation id so it
// can be cancelled with Cancel.
func WithCorrelationID(id string) SubmitOption {
	return func(s *submitOptions) { s.correlationID = id }
}

// Result is what the caller gets back. On failure FailingPhase names the
// required phase that stopped the run and Phases holds the partial results.
type Result struct {
	PipelineID    string                `json:"pipeline_id"`
	CorrelationID string                `json:"correlation_id"`
	Operation     string                `json:"operation"`
	Success       bool                  `json:"success"`
	Output        any                   `json:"output,omitempty"`
	FailingPhase  string                `json:"failing_phase,omitempty"`
	Error         string                `json:"error,omitempty"`
	Err           error                 `json:"-"`
	Phases        map[Phase]PhaseResult `json:"phases"`
	Data          map[string]any        `json:"data,omitempty"`
	Duration      time.Duration         `json:"duration"`
}

// BackgroundResult reports the fire-and-forget phases of a finished pipeline.
type BackgroundResult struct {
	PipelineID string                `json:"pipeline_id"`
	Done       bool                  `json:"done"`
	Phases     map[Phase]PhaseResult `json:"phases"`
	FinishedAt time.Time             `json:"finished_at,omitzero"`
}

type backgroundRun struct {
	mu     sync.Mutex
	result BackgroundResult
}

// Orchestrator runs operations through the seven phases.
type Orchestrator struct {
	cfg       Config
	publisher Publisher
	admission Admission
	guard     CallerGuard
	recorder  audit.Recorder
	observer  Observer
	logger    *slog.Logger
	clock     func() time.Time
	fallback  func(Phase) Handler

	mu       sync.RWMutex
	handlers map[string]map[Phase]Handler
	inflight map[string]map[string]context.CancelFunc

	bgMu       sync.Mutex
	background map[string]*backgroundRun

	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		recorder:   audit.Nop{},
		logger:     slog.Default().With("component", "pipeline"),
		clock:      time.Now,
		handlers:   make(map[string]map[Phase]Handler),
		inflight:   make(map[string]map[string]context.CancelFunc),
		background: make(map[string]*backgroundRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Register sets the handler for one phase of operation, overriding the
// default handler for that phase.
func (o *Orchestrator) Register(operation string, p Phase, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers[operation] == nil {
		o.handlers[operation] = make(map[Phase]Handler)
	}
	o.handlers[operation][p] = h
}

// Operations lists the operation types with registered handlers.
func (o *Orchestrator) Operations() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.handlers))
	for op := range o.handlers {
		out = append(out, op)
	}
	return out
}

// plan picks a handler per phase. A phase with neither a registered nor a
// default handler passes through with no output.
func (o *Orchestrator) plan(operation string) (map[Phase]Handler, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	registered, known := o.handlers[operation]
	if !known && o.fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	out := make(map[Phase]Handler, 7)
	for _, p := range Phases() {
		if h, ok := registered[p]; ok {
			out[p] = h
		} else if o.fallback != nil {
			out[p] = o.fallback(p)
		}
	}
	return out, nil
}

// Submit runs operation to the end of Execution and returns. Propagation and
// Settlement continue in the background; see Background. A required phase
// failure returns the partial result together with a *PhaseError.
func (o *Orchestrator) Submit(ctx context.Context, operation string, payload map[string]any, tc trust.Context, opts ...SubmitOption) (*Result, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	so := submitOptions{}
	for _, opt := range opts {
		opt(&so)
	}
	if so.correlationID == "" {
		so.correlationID = uuid.NewString()
	}

	// 1. Admission
	if o.guard != nil && o.guard.CallerQuarantined(tc.ActorID) {
		return nil, ErrCallerQuarantined
	}
	if o.admission != nil {
		ok, err := o.admission.Allow(ctx, tc.ActorID)
		if err != nil {
			return nil, fmt.Errorf("admission: %w", err)
		}
		if !ok {
			return nil, ErrRateLimited
		}
	}
	handlers, err := o.plan(operation)
	if err != nil {
		return nil, err
	}

	pc := newContext(uuid.NewString(), so.correlationID, operation, tc, o.cfg.Budget, payload)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(pc, cancel)
	defer o.untrack(pc)

	ctx, span := tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(
		attribute.String("pipeline.id", pc.PipelineID),
		attribute.String("pipeline.operation", operation),
		attribute.String("pipeline.correlation_id", pc.CorrelationID),
		attribute.String("pipeline.actor", tc.ActorID),
	))
	defer span.End()

	start := o.clock()
	o.logger.Debug("pipeline started", "pipeline_id", pc.PipelineID, "operation", operation, "correlation_id", pc.CorrelationID)
	o.publish(ctx, EventStarted, pc, nil)

	// 2. Group A: concurrent, joined at the barrier
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []Phase{PhaseIngestion, PhaseAnalysis, PhaseValidation} {
		g.Go(func() error { return o.runPhase(gctx, pc, p, handlers[p]) })
	}
	if err := g.Wait(); err != nil {
		return o.fail(ctx, span, pc, start, err)
	}

	// 3. Group B: sequential
	for _, p := range []Phase{PhaseConsensus, PhaseExecution} {
		if err := o.runPhase(ctx, pc, p, handlers[p]); err != nil {
			return o.fail(ctx, span, pc, start, err)
		}
	}

	// 4. Group C: dispatched, not awaited
	res := o.result(pc, start)
	res.Success = true
	if r, ok := pc.Result(PhaseExecution); ok {
		res.Output = r.Output
	}
	o.dispatch(ctx, pc, handlers)

	span.SetStatus(codes.Ok, "")
	o.publish(ctx, EventCompleted, pc, nil)
	o.record(ctx, "completed", pc, nil)
	if o.observer != nil {
		o.observer.PipelineFinished(operation, true, res.Duration)
	}
	o.logger.Info("pipeline completed", "pipeline_id", pc.PipelineID, "operation", operation, "duration", res.Duration)
	return res, nil
}

func (o *Orchestrator) result(pc *Context, start time.Time) *Result {
	return &Result{
		PipelineID:    pc.PipelineID,
		CorrelationID: pc.CorrelationID,
		Operation:     pc.Operation,
		Phases:        pc.Results(),
		Data:          pc.Data(),
		Duration:      o.clock().Sub(start),
	}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, pc *Context, start time.Time, err error) (*Result, error) {
	var perr *PhaseError
	if !errors.As(err, &perr) {
		perr = &PhaseError{Required: true, Cause: err}
	}
	for _, p := range Phases() {
		if _, ok := pc.Result(p); !ok {
			pc.record(PhaseResult{Phase: p, Status: StatusSkipped})
		}
	}
	res := o.result(pc, start)
	res.FailingPhase = perr.Phase.String()
	res.Error = perr.Error()
	res.Err = perr

	span.RecordError(perr)
	span.SetStatus(codes.Error, res.FailingPhase)
	o.publish(ctx, EventFailed, pc, map[string]any{"failing_phase": res.FailingPhase, "error": res.Error})
	o.record(ctx, "failed", pc, map[string]any{"failing_phase": res.FailingPhase, "error": res.Error})
	if o.observer != nil {
		o.observer.PipelineFinished(pc.Operation, false, res.Duration)
	}
	o.logger.Warn("pipeline failed", "pipeline_id", pc.PipelineID, "operation", pc.Operation, "phase", res.FailingPhase, "error", perr.Cause)
	return res, perr
}

// runPhase executes p with its timeout and retries, records the result and
// returns a *PhaseError only when a required phase failed.
func (o *Orchestrator) runPhase(ctx context.Context, pc *Context, p Phase, h Handler) error {
	spec := o.cfg.Phases[p]
	ctx, span := tracer.Start(ctx, "pipeline.phase."+strings.ToLower(p.String()), trace.WithAttributes(
		attribute.String("pipeline.id", pc.PipelineID),
		attribute.String("pipeline.phase", p.String()),
		attribute.Bool("pipeline.phase.required", spec.Required),
	))
	defer span.End()

	start := o.clock()
	res := PhaseResult{Phase: p}
	var err error
	for attempt := 0; attempt <= spec.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		res.Attempts++
		var out any
		out, err = o.call(ctx, spec.Timeout, pc, h)
		if err == nil {
			res.Output = out
			break
		}
		if errors.Is(err, ErrConsensusRejected) {
			res.Output = out
			break
		}
		if attempt < spec.MaxRetries {
			o.logger.Debug("phase retry", "pipeline_id", pc.PipelineID, "phase", p, "attempt", res.Attempts, "error", err)
		}
	}
	res.Duration = o.clock().Sub(start)

	switch {
	case err == nil:
		res.Status = StatusSucceeded
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Error = err.Error()
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	pc.record(res)
	if o.observer != nil {
		o.observer.PhaseFinished(pc.Operation, p, res.Status, res.Duration)
	}

	if err == nil {
		o.publish(ctx, EventPhaseCompleted, pc, map[string]any{"phase": p.String(), "attempts": res.Attempts})
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(res.Status))
	o.publish(ctx, EventPhaseFailed, pc, map[string]any{"phase": p.String(), "required": spec.Required, "error": res.Error})
	if !spec.Required {
		o.logger.Warn("optional phase failed", "pipeline_id", pc.PipelineID, "phase", p, "error", err)
		return nil
	}
	return &PhaseError{Phase: p, Required: true, Cause: err}
}

// call runs one attempt under the phase timeout. Handler panics become errors.
func (o *Orchestrator) call(ctx context.Context, timeout time.Duration, pc *Context, h Handler) (out any, err error) {
	if h == nil {
		return nil, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &sandbox.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	out, err = h(ctx, pc)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}

// dispatch starts Propagation and Settlement detached from the caller's
// cancellation.
func (o *Orchestrator) dispatch(ctx context.Context, pc *Context, handlers map[Phase]Handler) {
	run := &backgroundRun{result: BackgroundResult{PipelineID: pc.PipelineID, Phases: make(map[Phase]PhaseResult)}}
	o.bgMu.Lock()
	o.pruneBackground()
	o.background[pc.PipelineID] = run
	o.bgMu.Unlock()

	bctx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		var wg sync.WaitGroup
		for _, p := range []Phase{PhasePropagation, PhaseSettlement} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := o.runPhase(bctx, pc, p, handlers[p]); err != nil {
					o.logger.Error("background phase failed", "pipeline_id", pc.PipelineID, "phase", p, "error", err)
				}
			}()
		}
		wg.Wait()

		run.mu.Lock()
		for _, p := range []Phase{PhasePropagation, PhaseSettlement} {
			if r, ok := pc.Result(p); ok {
				run.result.Phases[p] = r
			}
		}
		run.result.Done = true
		run.result.FinishedAt = o.clock()
		run.mu.Unlock()
		o.publish(bctx, EventSettled, pc, nil)
	}()
}

func (o *Orchestrator) pruneBackground() {
	if o.cfg.BackgroundRetention <= 0 {
		return
	}
	cutoff := o.clock().Add(-o.cfg.BackgroundRetention)
	for id, run := range o.background {
		run.mu.Lock()
		stale := run.result.Done && run.result.FinishedAt.Before(cutoff)
		run.mu.Unlock()
		if stale {
			delete(o.background, id)
		}
	}
}

// Background returns the state of a pipeline's fire-and-forget phases.
func (o *Orchestrator) Background(pipelineID string) (BackgroundResult, bool) {
	o.bgMu.Lock()
	run, ok := o.background[pipelineID]
	o.bgMu.Unlock()
	if !ok {
		return BackgroundResult{}, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := run.result
	out.Phases = make(map[Phase]PhaseResult, len(run.result.Phases))
	for p, r := range run.result.Phases {
		out.Phases[p] = r
	}
	return out, true
}

func (o *Orchestrator) track(pc *Context, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[pc.CorrelationID] == nil {
		o.inflight[pc.CorrelationID] = make(map[string]context.CancelFunc)
	}
	o.inflight[pc.CorrelationID][pc.PipelineID] = cancel
}

func (o *Orchestrator) untrack(pc *Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight[pc.CorrelationID], pc.PipelineID)
	if len(o.inflight[pc.CorrelationID]) == 0 {
		delete(o.inflight, pc.CorrelationID)
	}
}

// Cancel stops every in-flight pipeline with the correlation id and returns
// how many were signalled. Background phases already dispatched keep running.
func (o *Orchestrator) Cancel(correlationID string) int {
	o.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(o.inflight[correlationID]))
	for _, c := range o.inflight[correlationID] {
		cancels = append(cancels, c)
	}
	o.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		o.logger.Info("pipeline cancelled", "correlation_id", correlationID, "count", len(cancels))
	}
	return len(cancels)
}

// InFlight returns the number of running pipelines.
func (o *Orchestrator) InFlight() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, m := range o.inflight {
		n += len(m)
	}
	return n
}

// Close refuses new submissions and waits for background phases, up to ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Store(true)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, pc *Context, extra map[string]any) {
	if o.publisher == nil {
		return
	}
	payload := map[string]any{
		"pipeline_id":    pc.PipelineID,
		"correlation_id": pc.CorrelationID,
		"operation":      pc.Operation,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.publisher.PublishFrom(ctx, eventSource, eventType, payload); err != nil {
		o.logger.Debug("pipeline event not published", "type", eventType, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, action string, pc *Context, extra map[string]any) {
	data := map[string]any{"operation": pc.Operation, "correlation_id": pc.CorrelationID, "actor": pc.Trust.ActorID}
	for k, v := range extra {
		data[k] = v
	}
	if err := o.recorder.Record(context.WithoutCancel(ctx), audit.KindPipeline, action, pc.PipelineID, data); err != nil {
		o.logger.Error("audit record failed", "pipeline_id", pc.PipelineID, "error", err)
	}
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
)

// Kernel-specific semantic convention attributes.
var (
	AttrEventType   = attribute.Key("forge.event.type")
	AttrOutcome     = attribute.Key("forge.outcome")
	AttrDropReason  = attribute.Key("forge.drop.reason")
	AttrSubscriber  = attribute.Key("forge.subscriber")
	AttrOverlay     = attribute.Key("forge.overlay.name")
	AttrFunction    = attribute.Key("forge.overlay.function")
	AttrVariant     = attribute.Key("forge.overlay.variant")
	AttrViolation   = attribute.Key("forge.sandbox.violation")
	AttrOperation   = attribute.Key("forge.pipeline.operation")
	AttrPhase       = attribute.Key("forge.pipeline.phase")
	AttrPhaseStatus = attribute.Key("forge.pipeline.phase_status")
	AttrRoute       = attribute.Key("http.route")
	AttrStatusCode  = attribute.Key("http.response.status_code")
	AttrErrorType   = attribute.Key("error.type")
)

// Outcomes recorded on forge.bus.events.
const (
	OutcomePublished    = "published"
	OutcomeDelivered    = "delivered"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDropped      = "dropped"
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type instruments struct {
	requests         metric.Int64Counter
	requestLatency   metric.Float64Histogram
	errors           metric.Int64Counter
	inFlight         metric.Int64UpDownCounter
	busEvents        metric.Int64Counter
	busDelivery      metric.Float64Histogram
	invocations      metric.Int64Counter
	invocationTime   metric.Float64Histogram
	violations       metric.Int64Counter
	phaseTime        metric.Float64Histogram
	pipelineTime     metric.Float64Histogram
	pipelineOutcomes metric.Int64Counter
}

func newInstruments(m metric.Meter) (instruments, error) {
	var in instruments
	counters := []struct {
		dst              *metric.Int64Counter
		name, desc, unit string
	}{
		{&in.requests, "forge.api.requests", "API requests by route and status", "{request}"},
		{&in.errors, "forge.errors", "Failed tracked operations by error type", "{error}"},
		{&in.busEvents, "forge.bus.events", "Events by bus outcome", "{event}"},
		{&in.invocations, "forge.overlay.invocations", "Overlay invocations by outcome", "{invocation}"},
		{&in.violations, "forge.sandbox.violations", "Invocations aborted by a sandbox limit", "{violation}"},
		{&in.pipelineOutcomes, "forge.pipeline.operations", "Pipeline operations by outcome", "{operation}"},
	}
	for _, c := range counters {
		v, err := m.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return in, fmt.Errorf("%s: %w", c.name, err)
		}
		*c.dst = v
	}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
	}{
		{&in.requestLatency, "forge.api.duration", "API request latency"},
		{&in.busDelivery, "forge.bus.delivery.duration", "Handler delivery latency including retries"},
		{&in.invocationTime, "forge.overlay.invocation.duration", "Overlay invocation latency"},
		{&in.phaseTime, "forge.pipeline.phase.duration", "Pipeline phase latency"},
		{&in.pipelineTime, "forge.pipeline.duration", "Caller-visible pipeline latency"},
	}
	for _, h := range histograms {
		v, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return in, fmt.Errorf("%s: %w", h.name, err)
		}
		*h.dst = v
	}

	var err error
	in.inFlight, err = m.Int64UpDownCounter("forge.operations.in_flight",
		metric.WithDescription("Tracked operations currently running"),
		metric.WithUnit("{operation}"),
	)
	return in, err
}

func (p *Provider) countEvent(evt eventbus.Event, outcome string, extra ...attribute.KeyValue) {
	if !p.enabled {
		return
	}
	attrs := append([]attribute.KeyValue{AttrEventType.String(evt.Type), AttrOutcome.String(outcome)}, extra...)
	p.inst.busEvents.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// EventPublished implements eventbus.Observer.
func (p *Provider) EventPublished(evt eventbus.Event) {
	p.countEvent(evt, OutcomePublished)
}

// EventDelivered implements eventbus.Observer.
func (p *Provider) EventDelivered(evt eventbus.Event, subscriber string, d time.Duration) {
	p.countEvent(evt, OutcomeDelivered)
	if p.enabled {
		p.inst.busDelivery.Record(context.Background(), d.Seconds(), metric.WithAttributes(
			AttrEventType.String(evt.Type),
			AttrSubscriber.String(subscriber),
		))
	}
}

// EventDeadLettered implements eventbus.Observer.
func (p *Provider) EventDeadLettered(dl eventbus.DeadLetter) {
	p.countEvent(dl.Event, OutcomeDeadLettered, AttrSubscriber.String(dl.Subscriber))
}

// EventDropped implements eventbus.Observer.
func (p *Provider) EventDropped(evt eventbus.Event, subscriber string, reason eventbus.DropReason) {
	p.countEvent(evt, OutcomeDropped, AttrDropReason.String(string(reason)))
}

// InvocationFinished implements overlay.Observer.
func (p *Provider) InvocationFinished(overlay, function, variant string, d time.Duration, err error) {
	if !p.enabled {
		return
	}
	ctx := context.Background()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	attrs := []attribute.KeyValue{
		AttrOverlay.String(overlay),
		AttrFunction.String(function),
		AttrVariant.String(variant),
	}
	p.inst.invocations.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrOutcome.String(outcome))...))
	p.inst.invocationTime.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))

	var v *sandbox.Violation
	if errors.As(err, &v) {
		p.inst.violations.Add(ctx, 1, metric.WithAttributes(AttrOverlay.String(overlay), AttrViolation.String(v.Code)))
	}
}

// PhaseFinished implements pipeline.Observer.
func (p *Provider) PhaseFinished(operation string, phase pipeline.Phase, status pipeline.Status, d time.Duration) {
	if !p.enabled {
		return
	}
	p.inst.phaseTime.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		AttrOperation.String(operation),
		AttrPhase.String(phase.String()),
		AttrPhaseStatus.String(string(status)),
	))
}

// PipelineFinished implements pipeline.Observer.
func (p *Provider) PipelineFinished(operation string, success bool, d time.Duration) {
	if !p.enabled {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	ctx := context.Background()
	p.inst.pipelineTime.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOperation.String(operation)))
	p.inst.pipelineOutcomes.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(operation),
		AttrOutcome.String(outcome),
	))
}

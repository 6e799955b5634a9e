// Package observability wires OpenTelemetry tracing and metrics for the
// kernel. A Provider exports over OTLP/gRPC, optionally serves a Prometheus
// scrape endpoint, and implements the bus, runtime and pipeline observer
// hooks. With both exporters disabled every recording method is a no-op.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "forge.kernel"

// Config selects exporters and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64 // head sampling ratio for root spans
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool // OTLP export
	Insecure       bool
	Prometheus     bool // pull reader behind MetricsHandler
}

// DefaultConfig exports nothing; the endpoint points at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "forged",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the SDK providers and the kernel's instruments.
type Provider struct {
	cfg     *Config
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	tracer  trace.Tracer
	scrape  http.Handler
	inst    instruments
	enabled bool
	logger  *slog.Logger
}

// New builds a provider and installs it as the global tracer and meter
// provider. A nil config means DefaultConfig.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		cfg:    cfg,
		tracer: otel.Tracer(scope),
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled && !cfg.Prometheus {
		p.logger.DebugContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	if cfg.Enabled {
		exp, err := otlptracegrpc.New(ctx, traceOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		p.tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
			sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		)
		otel.SetTracerProvider(p.tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		p.tracer = p.tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	}

	readers, err := p.metricReaders(ctx)
	if err != nil {
		_ = p.shutdownTraces(ctx)
		return nil, err
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	p.mp = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.mp)

	meter := p.mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.inst, err = newInstruments(meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}
	p.enabled = true

	p.logger.InfoContext(ctx, "telemetry started",
		"service", cfg.ServiceName,
		"otlp", cfg.Enabled,
		"otlp_endpoint", cfg.OTLPEndpoint,
		"prometheus", cfg.Prometheus,
	)
	return p, nil
}

func traceOptions(cfg *Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (p *Provider) metricReaders(ctx context.Context) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader
	if p.cfg.Enabled {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
		if p.cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		interval := p.cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)))
	}
	if p.cfg.Prometheus {
		// Own registry per provider: tests and restarts build several.
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
		p.scrape = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return readers, nil
}

func (p *Provider) shutdownTraces(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.shutdownTraces(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider: %w", err))
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer is the kernel's tracer; the global no-op tracer when export is off.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// MetricsHandler serves the Prometheus exposition, or is nil.
func (p *Provider) MetricsHandler() http.Handler { return p.scrape }

// RecordRequest counts one API request.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.enabled {
		p.inst.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records API request latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.enabled {
		p.inst.requestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordError counts a failure by its Go type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if !p.enabled || err == nil {
		return
	}
	attrs = append(attrs[:len(attrs):len(attrs)], AttrErrorType.String(fmt.Sprintf("%T", err)))
	p.inst.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Track opens a span and marks an operation in flight. The returned func
// ends both and records err, if any.
func (p *Provider) Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if p.enabled {
		p.inst.inFlight.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.enabled {
			p.inst.inFlight.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

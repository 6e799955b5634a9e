package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/observability"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/retry"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// SlogLevel maps log.level to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Observability returns the telemetry provider settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.Telemetry.Environment
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Enabled = c.Telemetry.Enabled
	oc.Insecure = c.Telemetry.Insecure
	oc.Prometheus = c.Telemetry.Prometheus
	return oc
}

// LoaderContext is the trust context manifests on disk are loaded under.
func (c *Config) LoaderContext() trust.Context {
	return trust.Context{
		ActorID:      "manifest-loader",
		Score:        trust.Level(c.Trust.LoaderTrust),
		Capabilities: trust.AllCapabilities(),
	}
}

// EventBus returns the bus delivery settings.
func (c *Config) EventBus() eventbus.Config {
	bc := eventbus.DefaultConfig()
	bc.HandlerTimeout = c.Bus.HandlerTimeout
	bc.Retry = retry.Policy{
		BaseDelay:  c.Bus.BackoffBase,
		MaxDelay:   c.Bus.BackoffMax,
		MaxJitter:  bc.Retry.MaxJitter,
		MaxRetries: c.Bus.MaxRetries,
	}
	bc.BufferSize = c.Bus.BufferSize
	if c.Bus.Workers > 0 {
		bc.Workers = c.Bus.Workers
	}
	bc.MaxHops = c.Bus.MaxHops
	if c.Bus.CompletionWindow > 0 {
		bc.CompletionWindow = c.Bus.CompletionWindow
	}
	if c.Bus.Retention > 0 {
		bc.Retention = c.Bus.Retention
	}
	return bc
}

// Runtime returns the overlay runtime settings.
func (c *Config) Runtime() overlay.Config {
	return overlay.Config{
		HealthInterval:   c.Overlays.HealthInterval,
		ProbeTimeout:     c.Overlays.ProbeTimeout,
		FailureThreshold: c.Overlays.FailureThreshold,
		Recovery:         overlay.RecoveryMode(c.Overlays.Recovery),
		Cooldown:         c.Overlays.Cooldown,
		Suspend:          overlay.SuspendPolicy(c.Overlays.Suspend),
		ReportLatency:    c.Overlays.ReportLatency,
	}
}

// SupervisorSettings returns breaker, canary and anomaly settings.
func (c *Config) SupervisorSettings() supervisor.Config {
	rules := make([]supervisor.EscalationRule, 0, len(c.Supervisor.Rules))
	for _, r := range c.Supervisor.Rules {
		rules = append(rules, supervisor.EscalationRule{Name: r.Name, Expr: r.Expr, Action: supervisor.Action(r.Action)})
	}
	return supervisor.Config{
		Breaker: supervisor.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			FailureRate:      c.Breaker.FailureRate,
			MinRequests:      c.Breaker.MinRequests,
			Window:           c.Breaker.Window,
			RecoveryTimeout:  c.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		},
		Canary: supervisor.CanaryConfig{
			Strategy:        supervisor.Strategy(c.Canary.Strategy),
			InitialPercent:  c.Canary.InitialPercent,
			StepPercent:     c.Canary.StepPercent,
			MinRequests:     c.Canary.MinRequests,
			MaxErrorRate:    c.Canary.MaxErrorRate,
			MaxLatencyRatio: c.Canary.MaxLatencyRatio,
			MaxAnomalyScore: c.Canary.MaxAnomalyScore,
		},
		Anomaly: supervisor.AnomalyConfig{
			WindowSize:  c.Anomaly.WindowSize,
			MinSamples:  c.Anomaly.MinSamples,
			MaxZ:        c.Anomaly.MaxZ,
			EWMAAlpha:   c.Anomaly.EWMAAlpha,
			StatWeight:  c.Anomaly.StatWeight,
			ModelWeight: c.Anomaly.ModelWeight,
			Medium:      c.Anomaly.Medium,
			High:        c.Anomaly.High,
			Critical:    c.Anomaly.Critical,
		},
		Rules:            rules,
		CanarySchedule:   c.Supervisor.CanarySchedule,
		RecoverySchedule: c.Supervisor.RecoverySchedule,
		CallerCooldown:   c.Supervisor.CallerCooldown,
	}
}

// Orchestrator returns the phase table and operation budget.
func (c *Config) Orchestrator() (pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	pc.Budget = sandbox.Budget{
		ComputeUnits: c.Pipeline.ComputeUnits,
		MemoryBytes:  c.Pipeline.MemoryBytes,
		Timeout:      c.Pipeline.Timeout,
	}.WithDefaults()
	if c.Pipeline.BackgroundRetention > 0 {
		pc.BackgroundRetention = c.Pipeline.BackgroundRetention
	}
	for name, override := range c.Pipeline.Phases {
		p, err := pipeline.ParsePhase(name)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("pipeline.phases: %w", err)
		}
		spec := pc.Phases[p]
		if override.Required != nil {
			spec.Required = *override.Required
		}
		if override.Timeout > 0 {
			spec.Timeout = override.Timeout
		}
		if override.MaxRetries != nil {
			spec.MaxRetries = *override.MaxRetries
		}
		pc.Phases[p] = spec
	}
	return pc, pc.Validate()
}

// Admission returns the per-caller admission policy.
func (c *Config) Admission() pipeline.Policy {
	return pipeline.Policy{RatePerSecond: c.Pipeline.AdmissionRate, Burst: c.Pipeline.AdmissionBurst}
}

// ArtifactStore returns the module binary store options.
func (c *Config) ArtifactStore() artifacts.Options {
	return artifacts.Options{
		Backend: artifacts.Backend(c.Artifacts.Backend),
		DataDir: c.Artifacts.DataDir,
		S3: artifacts.S3Options{
			Bucket:   c.Artifacts.S3Bucket,
			Region:   c.Artifacts.S3Region,
			Endpoint: c.Artifacts.S3Endpoint,
			Prefix:   c.Artifacts.S3Prefix,
		},
		GCS: artifacts.GCSOptions{Bucket: c.Artifacts.GCSBucket, Prefix: c.Artifacts.GCSPrefix},
	}
}

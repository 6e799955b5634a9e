// Package config loads kernel configuration from a YAML or TOML file and
// applies FORGE_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server" json:"server"`
	Log        LogConfig        `yaml:"log" toml:"log" json:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	Trust      TrustConfig      `yaml:"trust" toml:"trust" json:"trust"`
	Bus        BusConfig        `yaml:"bus" toml:"bus" json:"bus"`
	Overlays   OverlaysConfig   `yaml:"overlays" toml:"overlays" json:"overlays"`
	Breaker    BreakerConfig    `yaml:"breaker" toml:"breaker" json:"breaker"`
	Canary     CanaryConfig     `yaml:"canary" toml:"canary" json:"canary"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" toml:"anomaly" json:"anomaly"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor" json:"supervisor"`
	Pipeline   PipelineConfig   `yaml:"pipeline" toml:"pipeline" json:"pipeline"`
	Audit      AuditConfig      `yaml:"audit" toml:"audit" json:"audit"`
	DeadLetter DeadLetterConfig `yaml:"deadletter" toml:"deadletter" json:"deadletter"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" toml:"artifacts" json:"artifacts"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
	// RatePerIP limits API requests per client address; zero disables it.
	RatePerIP float64 `yaml:"rate_per_ip" toml:"rate_per_ip" json:"rate_per_ip"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst" json:"rate_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"` // "json" | "text"
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure" json:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Prometheus  bool    `yaml:"prometheus" toml:"prometheus" json:"prometheus"`
	Environment string  `yaml:"environment" toml:"environment" json:"environment"`
}

type TrustConfig struct {
	Issuer string `yaml:"issuer" toml:"issuer" json:"issuer"`
	// Key is the HMAC secret shared with the trust service.
	Key string `yaml:"key" toml:"key" json:"-"`
	// LoaderTrust is the trust level granted to manifests discovered on disk.
	LoaderTrust int `yaml:"loader_trust" toml:"loader_trust" json:"loader_trust"`
}

type BusConfig struct {
	HandlerTimeout   time.Duration `yaml:"handler_timeout" toml:"handler_timeout" json:"handler_timeout"`
	MaxRetries       int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base" toml:"backoff_base" json:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max" toml:"backoff_max" json:"backoff_max"`
	BufferSize       int           `yaml:"buffer_size" toml:"buffer_size" json:"buffer_size"`
	Workers          int           `yaml:"workers" toml:"workers" json:"workers"`
	MaxHops          int           `yaml:"max_hops" toml:"max_hops" json:"max_hops"`
	CompletionWindow time.Duration `yaml:"completion_window" toml:"completion_window" json:"completion_window"`
	Retention        time.Duration `yaml:"retention" toml:"retention" json:"retention"`
}

type OverlaysConfig struct {
	ManifestDir      string        `yaml:"manifest_dir" toml:"manifest_dir" json:"manifest_dir"`
	Watch            bool          `yaml:"watch" toml:"watch" json:"watch"`
	HealthInterval   time.Duration `yaml:"health_interval" toml:"health_interval" json:"health_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	Recovery         string        `yaml:"recovery" toml:"recovery" json:"recovery"` // "manual" | "automatic"
	Cooldown         time.Duration `yaml:"cooldown" toml:"cooldown" json:"cooldown"`
	Suspend          string        `yaml:"suspend" toml:"suspend" json:"suspend"` // "none" | "dependents"
	ReportLatency    bool          `yaml:"report_latency" toml:"report_latency" json:"report_latency"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	FailureRate      float64       `yaml:"failure_rate" toml:"failure_rate" json:"failure_rate"`
	MinRequests      int           `yaml:"min_requests" toml:"min_requests" json:"min_requests"`
	Window           time.Duration `yaml:"window" toml:"window" json:"window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" toml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" toml:"half_open_max_calls" json:"half_open_max_calls"`
	SuccessThreshold int           `yaml:"success_threshold" toml:"success_threshold" json:"success_threshold"`
}

type CanaryConfig struct {
	Strategy        string  `yaml:"strategy" toml:"strategy" json:"strategy"`
	InitialPercent  float64 `yaml:"initial_percent" toml:"initial_percent" json:"initial_percent"`
	StepPercent     float64 `yaml:"step_percent" toml:"step_percent" json:"step_percent"`
	MinRequests     int     `yaml:"min_requests" toml:"min_requests" json:"min_requests"`
	MaxErrorRate    float64 `yaml:"max_error_rate" toml:"max_error_rate" json:"max_error_rate"`
	MaxLatencyRatio float64 `yaml:"max_latency_ratio" toml:"max_latency_ratio" json:"max_latency_ratio"`
	MaxAnomalyScore float64 `yaml:"max_anomaly_score" toml:"max_anomaly_score" json:"max_anomaly_score"`
}

type AnomalyConfig struct {
	WindowSize  int     `yaml:"window_size" toml:"window_size" json:"window_size"`
	MinSamples  int     `yaml:"min_samples" toml:"min_samples" json:"min_samples"`
	MaxZ        float64 `yaml:"max_z" toml:"max_z" json:"max_z"`
	EWMAAlpha   float64 `yaml:"ewma_alpha" toml:"ewma_alpha" json:"ewma_alpha"`
	StatWeight  float64 `yaml:"stat_weight" toml:"stat_weight" json:"stat_weight"`
	ModelWeight float64 `yaml:"model_weight" toml:"model_weight" json:"model_weight"`
	Medium      float64 `yaml:"medium" toml:"medium" json:"medium"`
	High        float64 `yaml:"high" toml:"high" json:"high"`
	Critical    float64 `yaml:"critical" toml:"critical" json:"critical"`
}

// RuleConfig is a CEL escalation rule evaluated on anomaly assessments.
type RuleConfig struct {
	Name   string `yaml:"name" toml:"name" json:"name"`
	Expr   string `yaml:"expr" toml:"expr" json:"expr"`
	Action string `yaml:"action" toml:"action" json:"action"`
}

type SupervisorConfig struct {
	CanarySchedule   string        `yaml:"canary_schedule" toml:"canary_schedule" json:"canary_schedule"`
	RecoverySchedule string        `yaml:"recovery_schedule" toml:"recovery_schedule" json:"recovery_schedule"`
	CallerCooldown   time.Duration `yaml:"caller_cooldown" toml:"caller_cooldown" json:"caller_cooldown"`
	Rules            []RuleConfig  `yaml:"rules" toml:"rules" json:"rules"`
}

// PhaseConfig overrides one pipeline phase; nil fields keep the default.
type PhaseConfig struct {
	Required   *bool         `yaml:"required" toml:"required" json:"required,omitempty"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout" json:"timeout,omitempty"`
	MaxRetries *int          `yaml:"max_retries" toml:"max_retries" json:"max_retries,omitempty"`
}

type PipelineConfig struct {
	// Phases is keyed by phase name, e.g. "Validation".
	Phases              map[string]PhaseConfig `yaml:"phases" toml:"phases" json:"phases,omitempty"`
	ComputeUnits        uint64                 `yaml:"compute_units" toml:"compute_units" json:"compute_units"`
	MemoryBytes         int64                  `yaml:"memory_bytes" toml:"memory_bytes" json:"memory_bytes"`
	Timeout             time.Duration          `yaml:"timeout" toml:"timeout" json:"timeout"`
	BackgroundRetention time.Duration          `yaml:"background_retention" toml:"background_retention" json:"background_retention"`
	Supermajority       float64                `yaml:"supermajority" toml:"supermajority" json:"supermajority"`
	AdmissionRate       float64                `yaml:"admission_rate" toml:"admission_rate" json:"admission_rate"`
	AdmissionBurst      int                    `yaml:"admission_burst" toml:"admission_burst" json:"admission_burst"`
	// RedisAddr switches admission control to the shared Redis limiter.
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db" json:"redis_db,omitempty"`
}

type AuditConfig struct {
	Sink string `yaml:"sink" toml:"sink" json:"sink"` // "stdout" | "jsonl" | "sqlite" | "postgres" | "none"
	Path string `yaml:"path" toml:"path" json:"path,omitempty"`
	DSN  string `yaml:"dsn" toml:"dsn" json:"-"`
}

type DeadLetterConfig struct {
	Store         string `yaml:"store" toml:"store" json:"store"` // "memory" | "sqlite" | "redis"
	Path          string `yaml:"path" toml:"path" json:"path,omitempty"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db" json:"redis_db,omitempty"`
}

type ArtifactsConfig struct {
	Backend    string `yaml:"backend" toml:"backend" json:"backend"` // "fs" | "memory" | "s3" | "gcs"
	DataDir    string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
	S3Bucket   string `yaml:"s3_bucket" toml:"s3_bucket" json:"s3_bucket,omitempty"`
	S3Region   string `yaml:"s3_region" toml:"s3_region" json:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint" toml:"s3_endpoint" json:"s3_endpoint,omitempty"`
	S3Prefix   string `yaml:"s3_prefix" toml:"s3_prefix" json:"s3_prefix,omitempty"`
	GCSBucket  string `yaml:"gcs_bucket" toml:"gcs_bucket" json:"gcs_bucket,omitempty"`
	GCSPrefix  string `yaml:"gcs_prefix" toml:"gcs_prefix" json:"gcs_prefix,omitempty"`
}

// Default returns the documented kernel defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RatePerIP:       20,
			RateBurst:       40,
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4317", SampleRate: 1.0, Environment: "development"},
		Trust:     TrustConfig{Issuer: "forge-trust", LoaderTrust: 60},
		Bus: BusConfig{
			HandlerTimeout:   30 * time.Second,
			MaxRetries:       3,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			BufferSize:       64,
			Workers:          4,
			MaxHops:          5,
			CompletionWindow: 2 * time.Second,
			Retention:        5 * time.Minute,
		},
		Overlays: OverlaysConfig{
			ManifestDir:      "overlays",
			HealthInterval:   10 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 3,
			Recovery:         "manual",
			Cooldown:         5 * time.Minute,
			Suspend:          "none",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			FailureRate:      0.5,
			MinRequests:      10,
			Window:           time.Minute,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 3,
			SuccessThreshold: 2,
		},
		Canary: CanaryConfig{
			Strategy:        "linear",
			InitialPercent:  5,
			StepPercent:     10,
			MinRequests:     100,
			MaxErrorRate:    0.01,
			MaxLatencyRatio: 1.5,
			MaxAnomalyScore: 0.9,
		},
		Anomaly: AnomalyConfig{
			WindowSize:  100,
			MinSamples:  10,
			MaxZ:        4,
			EWMAAlpha:   0.2,
			StatWeight:  1,
			ModelWeight: 0.9,
			Medium:      0.5,
			High:        0.7,
			Critical:    0.9,
		},
		Supervisor: SupervisorConfig{
			CanarySchedule:   "@every 30s",
			RecoverySchedule: "@every 10s",
		},
		Pipeline: PipelineConfig{
			ComputeUnits:        100_000,
			MemoryBytes:         16 * 1024 * 1024,
			Timeout:             5 * time.Second,
			BackgroundRetention: 10 * time.Minute,
			Supermajority:       0.8,
			AdmissionRate:       50,
			AdmissionBurst:      100,
		},
		Audit:      AuditConfig{Sink: "stdout"},
		DeadLetter: DeadLetterConfig{Store: "memory"},
		Artifacts:  ArtifactsConfig{Backend: "fs", DataDir: "data"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}
	return nil
}

// applyEnv applies the FORGE_* overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FORGE_SERVER_ADDR", &c.Server.Addr)
	str("FORGE_LOG_LEVEL", &c.Log.Level)
	str("FORGE_LOG_FORMAT", &c.Log.Format)
	boolean("FORGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("FORGE_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	boolean("FORGE_OTLP_INSECURE", &c.Telemetry.Insecure)
	boolean("FORGE_PROMETHEUS", &c.Telemetry.Prometheus)
	str("FORGE_ENVIRONMENT", &c.Telemetry.Environment)
	str("FORGE_TRUST_ISSUER", &c.Trust.Issuer)
	str("FORGE_TRUST_KEY", &c.Trust.Key)
	integer("FORGE_LOADER_TRUST", &c.Trust.LoaderTrust)
	duration("FORGE_HANDLER_TIMEOUT", &c.Bus.HandlerTimeout)
	integer("FORGE_CASCADE_MAX_HOPS", &c.Bus.MaxHops)
	str("FORGE_MANIFEST_DIR", &c.Overlays.ManifestDir)
	boolean("FORGE_MANIFEST_WATCH", &c.Overlays.Watch)
	duration("FORGE_HEALTH_INTERVAL", &c.Overlays.HealthInterval)
	str("FORGE_QUARANTINE_RECOVERY", &c.Overlays.Recovery)
	duration("FORGE_QUARANTINE_COOLDOWN", &c.Overlays.Cooldown)
	str("FORGE_SUSPEND_POLICY", &c.Overlays.Suspend)
	str("FORGE_REDIS_ADDR", &c.Pipeline.RedisAddr)
	str("FORGE_AUDIT_SINK", &c.Audit.Sink)
	str("FORGE_AUDIT_PATH", &c.Audit.Path)
	str("FORGE_AUDIT_DSN", &c.Audit.DSN)
	str("FORGE_DEADLETTER_STORE", &c.DeadLetter.Store)
	str("FORGE_DEADLETTER_PATH", &c.DeadLetter.Path)
	str("FORGE_DEADLETTER_REDIS_ADDR", &c.DeadLetter.RedisAddr)
	str("FORGE_ARTIFACTS_BACKEND", &c.Artifacts.Backend)
	str("FORGE_DATA_DIR", &c.Artifacts.DataDir)
	str("FORGE_S3_BUCKET", &c.Artifacts.S3Bucket)
	str("FORGE_S3_REGION", &c.Artifacts.S3Region)
	str("FORGE_S3_ENDPOINT", &c.Artifacts.S3Endpoint)
	str("FORGE_GCS_BUCKET", &c.Artifacts.GCSBucket)

	return errors.Join(errs...)
}

// Validate rejects values no component could run with. Component-level
// threshold checks happen again when the kernel builds each component.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Addr != "", "server.addr is required")
	check(oneOf(c.Log.Format, "json", "text"), "log.format must be json or text, got %q", c.Log.Format)
	check(oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"), "log.level %q is not a level", c.Log.Level)
	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be within [0,1]")
	check(c.Trust.LoaderTrust >= 0 && c.Trust.LoaderTrust <= 100, "trust.loader_trust must be within [0,100]")
	check(c.Bus.HandlerTimeout > 0, "bus.handler_timeout must be positive")
	check(c.Bus.MaxRetries >= 0, "bus.max_retries must not be negative")
	check(c.Bus.MaxHops >= 1, "bus.max_hops must be at least 1")
	check(c.Bus.BufferSize >= 1, "bus.buffer_size must be at least 1")
	check(oneOf(c.Overlays.Recovery, "manual", "automatic"), "overlays.recovery must be manual or automatic, got %q", c.Overlays.Recovery)
	check(oneOf(c.Overlays.Suspend, "none", "dependents"), "overlays.suspend must be none or dependents, got %q", c.Overlays.Suspend)
	check(c.Pipeline.Supermajority > 0.5 && c.Pipeline.Supermajority <= 1, "pipeline.supermajority must be within (0.5,1]")
	check(oneOf(c.Audit.Sink, "stdout", "jsonl", "sqlite", "postgres", "none"), "audit.sink %q is not supported", c.Audit.Sink)
	check(c.Audit.Sink != "postgres" || c.Audit.DSN != "", "audit.dsn is required for the postgres sink")
	check(oneOf(c.DeadLetter.Store, "memory", "sqlite", "redis"), "deadletter.store %q is not supported", c.DeadLetter.Store)
	check(c.DeadLetter.Store != "redis" || c.DeadLetter.RedisAddr != "", "deadletter.redis_addr is required for the redis store")
	check(oneOf(c.Artifacts.Backend, "fs", "memory", "s3", "gcs"), "artifacts.backend %q is not supported", c.Artifacts.Backend)
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

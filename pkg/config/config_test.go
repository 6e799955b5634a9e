package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	bus := cfg.EventBus()
	assert.Equal(t, 30*time.Second, bus.HandlerTimeout)
	assert.Equal(t, 3, bus.Retry.MaxRetries)
	assert.Equal(t, 4, bus.Retry.Attempts())
	assert.Equal(t, time.Second, bus.Retry.BaseDelay)
	assert.Equal(t, 5, bus.MaxHops)

	rt := cfg.Runtime()
	assert.Equal(t, 3, rt.FailureThreshold)
	assert.Equal(t, overlay.RecoveryManual, rt.Recovery)
	assert.NoError(t, rt.Validate())

	sup := cfg.SupervisorSettings()
	assert.NoError(t, sup.Breaker.Validate())
	assert.NoError(t, sup.Canary.Validate())
	assert.NoError(t, sup.Anomaly.Validate())
	assert.Equal(t, supervisor.StrategyLinear, sup.Canary.Strategy)

	pc, err := cfg.Orchestrator()
	require.NoError(t, err)
	assert.True(t, pc.Phases[pipeline.PhaseValidation].Required)
	assert.False(t, pc.Phases[pipeline.PhaseSettlement].Required)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "forge.yaml", `
server:
  addr: ":9090"
bus:
  handler_timeout: 5s
  max_hops: 4
  max_retries: 1
overlays:
  recovery: automatic
  cooldown: 1m
  suspend: dependents
pipeline:
  phases:
    analysis:
      required: false
      timeout: 2s
supervisor:
  rules:
    - name: latency
      expr: metric == "latency" && score > 0.8
      action: quarantine
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.EventBus().HandlerTimeout)
	assert.Equal(t, 4, cfg.EventBus().MaxHops)
	assert.Equal(t, 2, cfg.EventBus().Retry.Attempts())
	assert.Equal(t, overlay.RecoveryAutomatic, cfg.Runtime().Recovery)
	assert.Equal(t, overlay.SuspendDependents, cfg.Runtime().Suspend)
	assert.Equal(t, time.Minute, cfg.Runtime().Cooldown)

	pc, err := cfg.Orchestrator()
	require.NoError(t, err)
	analysis := pc.Phases[pipeline.PhaseAnalysis]
	assert.False(t, analysis.Required)
	assert.Equal(t, 2*time.Second, analysis.Timeout)
	assert.Equal(t, 1, analysis.MaxRetries)

	rules := cfg.SupervisorSettings().Rules
	require.Len(t, rules, 1)
	assert.Equal(t, supervisor.ActionQuarantine, rules[0].Action)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "forge.toml", `
[log]
level = "debug"
format = "text"

[breaker]
failure_threshold = 5
failure_rate = 0.25
min_requests = 20
window = "2m"
recovery_timeout = "10s"
half_open_max_calls = 4
success_threshold = 3

[deadletter]
store = "sqlite"
path = "dlq.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Log.Format)
	b := cfg.SupervisorSettings().Breaker
	assert.Equal(t, 5, b.FailureThreshold)
	assert.Equal(t, 2*time.Minute, b.Window)
	assert.Equal(t, 10*time.Second, b.RecoveryTimeout)
	assert.NoError(t, b.Validate())
	assert.Equal(t, "sqlite", cfg.DeadLetter.Store)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_SERVER_ADDR", ":7070")
	t.Setenv("FORGE_QUARANTINE_RECOVERY", "automatic")
	t.Setenv("FORGE_HANDLER_TIMEOUT", "45s")
	t.Setenv("FORGE_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "automatic", cfg.Overlays.Recovery)
	assert.Equal(t, 45*time.Second, cfg.Bus.HandlerTimeout)
	assert.True(t, cfg.Observability("test").Enabled)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("FORGE_HANDLER_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORGE_HANDLER_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"recovery", func(c *Config) { c.Overlays.Recovery = "sometimes" }},
		{"suspend", func(c *Config) { c.Overlays.Suspend = "cascade" }},
		{"hops", func(c *Config) { c.Bus.MaxHops = 0 }},
		{"postgres without dsn", func(c *Config) { c.Audit.Sink = "postgres" }},
		{"redis dlq without addr", func(c *Config) { c.DeadLetter.Store = "redis" }},
		{"supermajority", func(c *Config) { c.Pipeline.Supermajority = 0.4 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestUnknownPhaseOverride(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Phases = map[string]PhaseConfig{"teardown": {}}
	_, err := cfg.Orchestrator()
	assert.Error(t, err)
}

func TestUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "forge.ini", "addr=:1")
	_, err := Load(path)
	assert.Error(t, err)
}

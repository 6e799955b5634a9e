package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

const executorManifest = `
name: executor
version: 1.0.0
min_trust: 40
subscriptions:
  - type: pipeline.phase.execution
module:
  kind: native
`

const brokenManifest = `
name: broken
version: not-a-version
module:
  kind: native
`

func okOverlay() overlay.Factory {
	return func(*overlay.Descriptor) (overlay.Overlay, error) {
		return &overlay.Native{Funcs: map[string]sandbox.NativeFunc{
			"execute": func(context.Context, *sandbox.Gate, []byte) ([]byte, error) {
				return []byte(`{"ok":true}`), nil
			},
		}}, nil
	}
}

func testConfig(t *testing.T, manifests map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, body := range manifests {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	cfg := config.Default()
	cfg.Overlays.ManifestDir = dir
	cfg.Audit.Sink = "none"
	cfg.Artifacts.DataDir = t.TempDir()
	return cfg
}

func newKernel(t *testing.T, cfg *config.Config, opts ...Option) (*Kernel, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	opts = append([]Option{
		WithAudit(audit.NewLogger(sink)),
		WithArtifacts(artifacts.NewMemoryStore()),
		WithNative("executor", okOverlay()),
	}, opts...)
	k, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Close(ctx)
	})
	return k, sink
}

func TestKernel_StartLoadsManifests(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"executor.yaml": executorManifest,
		"broken.yaml":   brokenManifest,
	})
	k, sink := newKernel(t, cfg)

	report, err := k.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"executor"}, report.Activated)

	inst, ok := k.Registry().Get("executor")
	require.True(t, ok)
	assert.Equal(t, overlay.StateActive, inst.State())
	assert.Equal(t, []string{"executor"}, k.Bus().Routes(pipeline.PhaseExecution.Topic()))
	assert.NotEmpty(t, sink.Actions(audit.KindLifecycle))

	// Starting twice is a no-op.
	again, err := k.Start(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Activated)
}

func TestKernel_StartWithoutManifestDir(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Overlays.ManifestDir = filepath.Join(t.TempDir(), "missing")
	k, _ := newKernel(t, cfg)

	report, err := k.Start(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Activated)
	assert.Empty(t, k.Registry().List())
}

func TestKernel_SubmitRunsOverlayPhases(t *testing.T) {
	cfg := testConfig(t, map[string]string{"executor.yaml": executorManifest})
	k, _ := newKernel(t, cfg)
	_, err := k.Start(context.Background())
	require.NoError(t, err)

	res, err := k.Submit(context.Background(), "capsule.create", map[string]any{"title": "x"}, trust.SystemContext())
	require.NoError(t, err)
	assert.True(t, res.Success)

	exec := res.Phases[pipeline.PhaseExecution]
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
	assert.Equal(t, map[string]any{"executor": map[string]any{"ok": true}}, exec.Output)
}

func TestKernel_HealthReflectsQuarantine(t *testing.T) {
	cfg := testConfig(t, map[string]string{"executor.yaml": executorManifest})
	k, _ := newKernel(t, cfg)

	before := k.Health(context.Background())
	assert.False(t, before.Ready)
	assert.Equal(t, StatusUnhealthy, before.Components["kernel"].Status)

	_, err := k.Start(context.Background())
	require.NoError(t, err)

	h := k.Health(context.Background())
	assert.True(t, h.Ready)
	assert.Equal(t, StatusHealthy, h.Status)

	ok, err := k.Runtime().Quarantine(context.Background(), "executor", "test")
	require.NoError(t, err)
	require.True(t, ok)

	h = k.Health(context.Background())
	assert.True(t, h.Ready)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusDegraded, h.Components["overlays"].Status)
	assert.Equal(t, []string{"executor"}, h.Components["overlays"].Details["quarantined"])

	released, err := k.Runtime().Release(context.Background(), "executor")
	require.NoError(t, err)
	assert.Equal(t, []string{"executor"}, released)
	assert.Equal(t, StatusHealthy, k.Health(context.Background()).Components["overlays"].Status)
}

func TestKernel_DeadLetterStoreIsShared(t *testing.T) {
	dlq := eventbus.NewMemoryDeadLetterStore()
	k, _ := newKernel(t, testConfig(t, nil), WithDeadLetterStore(dlq))
	assert.Same(t, dlq, k.Bus().DeadLetters())
}

func TestKernel_CloseStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t, map[string]string{"executor.yaml": executorManifest})
	cfg.Overlays.Watch = true
	sink := audit.NewMemorySink()
	k, err := New(context.Background(), cfg,
		WithAudit(audit.NewLogger(sink)),
		WithArtifacts(artifacts.NewMemoryStore()),
		WithNative("executor", okOverlay()),
	)
	require.NoError(t, err)
	_, err = k.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Close(ctx))
	require.NoError(t, k.Close(ctx))

	_, err = k.Submit(context.Background(), "capsule.create", nil, trust.SystemContext())
	assert.ErrorIs(t, err, pipeline.ErrClosed)
	assert.False(t, k.Health(context.Background()).Ready)

	_, err = k.Start(context.Background())
	assert.Error(t, err)
}

func TestOpenAudit(t *testing.T) {
	rec, closer, err := openAudit(context.Background(), config.AuditConfig{Sink: "none"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, audit.Nop{}, rec)

	path := filepath.Join(t.TempDir(), "audit.db")
	rec, closer, err = openAudit(context.Background(), config.AuditConfig{Sink: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), audit.KindLifecycle, "Active", "executor", nil))
	require.NoError(t, closer.Close())

	// Reopening resumes the chain from the stored tail.
	rec, closer, err = openAudit(context.Background(), config.AuditConfig{Sink: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), audit.KindLifecycle, "Draining", "executor", nil))
	require.NoError(t, closer.Close())

	_, _, err = openAudit(context.Background(), config.AuditConfig{Sink: "kafka"})
	assert.Error(t, err)
}

func TestOpenDeadLetters(t *testing.T) {
	store, closer, err := openDeadLetters(context.Background(), config.DeadLetterConfig{Store: "memory"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &eventbus.MemoryDeadLetterStore{}, store)

	store, closer, err = openDeadLetters(context.Background(), config.DeadLetterConfig{
		Store: "sqlite",
		Path:  filepath.Join(t.TempDir(), "dlq.db"),
	})
	require.NoError(t, err)
	list, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, closer.Close())

	_, _, err = openDeadLetters(context.Background(), config.DeadLetterConfig{Store: "etcd"})
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/api"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/kernel"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

func manifest(name string, deps ...string) string {
	body := "name: " + name + "\nversion: 1.0.0\nmin_trust: 40\nmodule:\n  kind: native\n"
	if len(deps) > 0 {
		body += "dependencies:\n"
		for _, d := range deps {
			body += "  - " + d + "\n"
		}
	}
	return body
}

func writeManifests(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "validate", "version", "health", "overlays", "deadletters"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "forged dev")

	code, out, _ = run("version", "--format", "json")
	assert.Equal(t, 0, code)
	assert.JSONEq(t, `{"version":"dev","commit":"none"}`, out)

	code, _, errOut := run("version", "--format", "yaml")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid format")
}

func TestValidate(t *testing.T) {
	dir := writeManifests(t, map[string]string{
		"a.yaml": manifest("a"),
		"b.yaml": manifest("b", "a@^1.0"),
	})

	code, out, _ := run("validate", dir)
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "load order: [a b]")

	code, out, _ = run("validate", "--format", "json", filepath.Join(dir, "b.yaml"))
	assert.Equal(t, 1, code)
	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.Len(t, report.Manifests, 1)
	assert.Equal(t, overlay.ErrCodeValidation, report.Manifests[0].Code)

	code, _, _ = run("validate", "--standalone", filepath.Join(dir, "b.yaml"))
	assert.Equal(t, 0, code)
}

func TestValidateReportsCyclesAndSchemaErrors(t *testing.T) {
	dir := writeManifests(t, map[string]string{
		"x.yaml":   manifest("x", "y"),
		"y.yaml":   manifest("y", "x"),
		"bad.json": `{"name":"bad","version":"1.0.0","module":{"kind":"python"}}`,
	})

	code, out, _ := run("validate", "--format", "json", dir)
	assert.Equal(t, 1, code)
	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Manifests, 3)

	codes := make(map[string]string)
	for _, m := range report.Manifests {
		assert.False(t, m.Valid, m.Path)
		codes[filepath.Base(m.Path)] = m.Code
	}
	assert.Equal(t, overlay.ErrCodeCycle, codes["x.yaml"])
	assert.Equal(t, overlay.ErrCodeCycle, codes["y.yaml"])
	assert.Equal(t, overlay.ErrCodeValidation, codes["bad.json"])
}

func TestValidateMissingPath(t *testing.T) {
	code, _, errOut := run("validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func startServer(t *testing.T) (string, *kernel.Kernel) {
	t.Helper()
	cfg := config.Default()
	cfg.Overlays.ManifestDir = writeManifests(t, map[string]string{"worker.yaml": manifest("worker")})
	k, err := kernel.New(context.Background(), cfg,
		kernel.WithAudit(audit.Nop{}),
		kernel.WithArtifacts(artifacts.NewMemoryStore()),
		kernel.WithNative("worker", func(*overlay.Descriptor) (overlay.Overlay, error) {
			return &overlay.Native{Funcs: map[string]sandbox.NativeFunc{
				"execute": func(context.Context, *sandbox.Gate, []byte) ([]byte, error) { return nil, nil },
			}}, nil
		}),
	)
	require.NoError(t, err)
	_, err = k.Start(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(k, api.WithOperatorTrust(0)))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Close(ctx)
	})
	return srv.URL, k
}

func TestOperatorCommands(t *testing.T) {
	url, _ := startServer(t)

	code, out, errOut := run("health", "--server", url)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "status: healthy ready: true")

	code, out, errOut = run("overlays", "list", "--server", url)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "Active")

	code, _, errOut = run("overlays", "release", "worker", "--server", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Conflict")

	code, out, errOut = run("deadletters", "list", "--server", url, "--format", "json")
	assert.Equal(t, 0, code, errOut)
	assert.JSONEq(t, `[]`, out)

	code, _, errOut = run("deadletters", "requeue", "missing", "--server", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Not Found")
}

func TestOverlaysCanary(t *testing.T) {
	url, k := startServer(t)

	code, _, errOut := run("overlays", "canary", "worker", "100", "--server", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Not Found")

	stable, ok := k.Registry().Get("worker")
	require.True(t, ok)
	next := *stable.Descriptor()
	next.Version = "1.1.0"
	cfg := supervisor.DefaultCanaryConfig()
	cfg.Strategy = supervisor.StrategyManual
	require.NoError(t, k.Runtime().StartCanary(context.Background(), trust.SystemContext(), &next, &cfg))

	code, _, _ = run("overlays", "canary", "worker", "half", "--server", url)
	assert.Equal(t, 1, code)

	code, out, errOut := run("overlays", "canary", "worker", "25", "--server", url)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "worker 1.0.0 -> 1.1.0 at 25%: advance")

	code, out, errOut = run("overlays", "canary", "worker", "100", "--server", url)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "promote")

	inst, ok := k.Registry().Get("worker")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", inst.Descriptor().Version)
}

package overlay

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

const scorerManifest = `
name: scorer
version: 1.2.0
description: scores incoming insights
capabilities: [storage.read, event.publish]
subscriptions:
  - type: insight.*
    filter: payload.confidence > 0.5
dependencies: [embedder@^2.0, ledger]
hard_dependencies: [embedder]
min_trust: 60
budget:
  compute_units: 5000
  memory_bytes: 8388608
  timeout: 2s
module:
  kind: native
  entry: scorer-v1
functions: [execute, health]
`

func TestDecode_YAML(t *testing.T) {
	d, err := Decode([]byte(scorerManifest))
	require.NoError(t, err)

	assert.Equal(t, "scorer", d.Name)
	assert.Equal(t, "1.2.0", d.SemVer().String())
	assert.True(t, d.CapabilitySet().Has(trust.CapEventPublish))
	assert.Equal(t, []eventbus.Subscription{{Type: "insight.*", Filter: "payload.confidence > 0.5"}}, d.Subscriptions)
	assert.Equal(t, trust.LevelStandard, d.MinTrust)
	assert.Equal(t, 2*time.Second, d.SandboxBudget().Timeout)
	assert.Equal(t, uint64(5000), d.SandboxBudget().ComputeUnits)
	assert.Equal(t, "scorer-v1", d.EntryName())
	assert.True(t, d.IsHardDependency("embedder"))
	assert.False(t, d.IsHardDependency("ledger"))
	assert.Equal(t, "scorer@1.2.0", d.Key())

	deps, err := d.Deps()
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "embedder", deps[0].Name)
	assert.True(t, deps[0].Satisfied(mustVersion(t, "2.3.0")))
	assert.False(t, deps[0].Satisfied(mustVersion(t, "3.0.0")))
	assert.Nil(t, deps[1].Constraint)
}

func TestDecode_JSONAndDefaults(t *testing.T) {
	d, err := Decode([]byte(`{"name":"tiny","version":"0.1.0","module":{"kind":"native"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultFunction}, d.FunctionNames())
	assert.Equal(t, "tiny", d.EntryName())
	assert.Nil(t, d.Capabilities)
	assert.Positive(t, d.SandboxBudget().ComputeUnits)
}

func TestDecode_Rejects(t *testing.T) {
	digest := artifacts.Digest([]byte("module"))
	cases := map[string]string{
		"not yaml":          "name: [",
		"empty":             "",
		"unknown field":     `{"name":"a","version":"1.0.0","module":{"kind":"native"},"color":"red"}`,
		"missing module":    `{"name":"a","version":"1.0.0"}`,
		"bad kind":          `{"name":"a","version":"1.0.0","module":{"kind":"python"}}`,
		"bad name":          `{"name":"Bad Name","version":"1.0.0","module":{"kind":"native"}}`,
		"bad version":       `{"name":"a","version":"one","module":{"kind":"native"}}`,
		"bad capability":    `{"name":"a","version":"1.0.0","module":{"kind":"native"},"capabilities":["root"]}`,
		"trust too high":    `{"name":"a","version":"1.0.0","module":{"kind":"native"},"min_trust":101}`,
		"bad filter":        `{"name":"a","version":"1.0.0","module":{"kind":"native"},"subscriptions":[{"type":"x","filter":"payload.n +"}]}`,
		"self dependency":   `{"name":"a","version":"1.0.0","module":{"kind":"native"},"dependencies":["a"]}`,
		"bad constraint":    `{"name":"a","version":"1.0.0","module":{"kind":"native"},"dependencies":["b@>>1"]}`,
		"undeclared hard":   `{"name":"a","version":"1.0.0","module":{"kind":"native"},"hard_dependencies":["b"]}`,
		"wasm without hash": `{"name":"a","version":"1.0.0","module":{"kind":"wasm"}}`,
		"native with hash":  `{"name":"a","version":"1.0.0","module":{"kind":"native","hash":"` + digest + `"}}`,
		"bad timeout":       `{"name":"a","version":"1.0.0","module":{"kind":"native"},"budget":{"timeout":"soon"}}`,
		"no execute":        `{"name":"a","version":"1.0.0","module":{"kind":"native"},"functions":["run"],"subscriptions":[{"type":"x"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			require.Error(t, err)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "want ValidationError, got %T", err)
			assert.Equal(t, ErrCodeValidation, ErrorCode(err))
		})
	}
}

func TestDecode_WasmDigest(t *testing.T) {
	digest := artifacts.Digest([]byte("module"))
	d, err := Decode([]byte(`{"name":"w","version":"1.0.0","module":{"kind":"wasm","hash":"` + digest + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, digest, d.Module.Hash)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	d, err := Decode([]byte(scorerManifest))
	require.NoError(t, err)

	out, err := Encode(d)
	require.NoError(t, err)
	assert.Contains(t, string(out), "timeout: 2s")

	again, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("b.yaml", `{"name":"b","version":"1.0.0","module":{"kind":"native"}}`)
	write("a.json", `{"name":"a","version":"1.0.0","module":{"kind":"native"}}`)
	write("broken.yml", `{"name":"x"}`)
	write("notes.txt", "ignored")

	descs, err := Discover(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken.yml"))
	require.Len(t, descs, 2)
	assert.Equal(t, "a", descs[0].Name)
	assert.Equal(t, "b", descs[1].Name)

	_, err = Discover(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

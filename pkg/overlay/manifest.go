// Package overlay is the overlay runtime: manifest discovery and validation,
// dependency resolution, the lifecycle state machine, the explicit registry
// handle, sandboxed invocation, health monitoring and quarantine.
package overlay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// DefaultFunction is invoked for bus deliveries and when a manifest lists no
// functions.
const DefaultFunction = "execute"

// ModuleKind selects the executor for an overlay.
type ModuleKind string

const (
	ModuleWasm   ModuleKind = "wasm"
	ModuleNative ModuleKind = "native"
)

// Duration is a time.Duration that encodes as "1m30s" in manifests.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Budget is the manifest form of a sandbox budget.
type Budget struct {
	ComputeUnits uint64   `json:"compute_units,omitempty" yaml:"compute_units,omitempty"`
	MemoryBytes  int64    `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Module locates the executable code of an overlay. Wasm modules are addressed
// by content digest; native modules by the entry they were registered under.
type Module struct {
	Kind  ModuleKind `json:"kind" yaml:"kind"`
	Hash  string     `json:"hash,omitempty" yaml:"hash,omitempty"`
	Entry string     `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// Descriptor is a parsed overlay manifest. It is immutable once loaded.
type Descriptor struct {
	Name             string                  `json:"name" yaml:"name"`
	Version          string                  `json:"version" yaml:"version"`
	Description      string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities     []string                `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Subscriptions    []eventbus.Subscription `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`
	Dependencies     []string                `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	HardDependencies []string                `json:"hard_dependencies,omitempty" yaml:"hard_dependencies,omitempty"`
	MinTrust         trust.Level             `json:"min_trust" yaml:"min_trust"`
	Budget           Budget                  `json:"budget,omitempty" yaml:"budget,omitempty"`
	Module           Module                  `json:"module" yaml:"module"`
	Functions        []string                `json:"functions,omitempty" yaml:"functions,omitempty"`
	Reentrant        bool                    `json:"reentrant,omitempty" yaml:"reentrant,omitempty"`
}

// Dependency is a parsed "name" or "name@constraint" entry.
type Dependency struct {
	Name       string
	Constraint *semver.Constraints
}

// Satisfied reports whether v meets the constraint. No constraint accepts any
// version.
func (d Dependency) Satisfied(v *semver.Version) bool {
	return d.Constraint == nil || d.Constraint.Check(v)
}

func (d Dependency) String() string {
	if d.Constraint == nil {
		return d.Name
	}
	return d.Name + "@" + d.Constraint.String()
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,62}$`)

const manifestSchemaURL = "https://forge.schemas.local/overlay/manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "version", "module"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
    "subscriptions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "filter": {"type": "string"}
        }
      }
    },
    "dependencies": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "hard_dependencies": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "min_trust": {"type": "integer", "minimum": 0, "maximum": 100},
    "budget": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "compute_units": {"type": "integer", "minimum": 0},
        "memory_bytes": {"type": "integer", "minimum": 0},
        "timeout": {"type": "string"}
      }
    },
    "module": {
      "type": "object",
      "additionalProperties": false,
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["wasm", "native"]},
        "hash": {"type": "string"},
        "entry": {"type": "string"}
      }
    },
    "functions": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "reentrant": {"type": "boolean"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchemaCompiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return schema, schemaErr
}

// Decode parses a YAML or JSON manifest, checks it against the manifest schema
// and validates its semantics.
func Decode(data []byte) (*Descriptor, error) {
	// 1. YAML is a superset of JSON; normalise to a JSON document
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Message: "manifest is not valid YAML or JSON", Err: err}
	}
	if raw == nil {
		return nil, &ValidationError{Message: "manifest is empty"}
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Message: "manifest cannot be represented as JSON", Err: err}
	}

	// 2. Schema
	sch, err := manifestSchemaCompiled()
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, &ValidationError{Message: "manifest decode failed", Err: err}
	}
	if err := sch.Validate(generic); err != nil {
		return nil, &ValidationError{Overlay: nameOf(generic), Message: "schema validation failed", Err: err}
	}

	// 3. Typed decode
	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, &ValidationError{Overlay: nameOf(generic), Message: "manifest decode failed", Err: err}
	}
	d.normalize()

	// 4. Semantics
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Encode renders d as YAML. Decode(Encode(d)) yields an identical descriptor.
func Encode(d *Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func nameOf(doc any) string {
	if m, ok := doc.(map[string]any); ok {
		if s, ok := m["name"].(string); ok {
			return s
		}
	}
	return ""
}

func (d *Descriptor) normalize() {
	d.Name = norm.NFC.String(d.Name)
	for i := range d.Subscriptions {
		d.Subscriptions[i].Type = norm.NFC.String(d.Subscriptions[i].Type)
	}
	emptyToNil := func(s []string) []string {
		if len(s) == 0 {
			return nil
		}
		return s
	}
	d.Capabilities = emptyToNil(d.Capabilities)
	d.Dependencies = emptyToNil(d.Dependencies)
	d.HardDependencies = emptyToNil(d.HardDependencies)
	d.Functions = emptyToNil(d.Functions)
	if len(d.Subscriptions) == 0 {
		d.Subscriptions = nil
	}
}

// Validate checks the semantic rules the schema cannot express.
func (d *Descriptor) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return invalid(d.Name, "name", "must match %s", namePattern)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return &ValidationError{Overlay: d.Name, Field: "version", Message: "not a semantic version", Err: err}
	}
	if !d.MinTrust.Valid() {
		return invalid(d.Name, "min_trust", "%d outside [0, 100]", d.MinTrust)
	}
	for _, c := range d.Capabilities {
		if _, err := trust.ParseCapability(c); err != nil {
			return &ValidationError{Overlay: d.Name, Field: "capabilities", Message: "unknown capability", Err: err}
		}
	}
	for _, s := range d.Subscriptions {
		if strings.TrimSpace(s.Type) == "" {
			return invalid(d.Name, "subscriptions", "empty event type")
		}
		if _, err := eventbus.CompileFilter(s.Filter); err != nil {
			return &ValidationError{Overlay: d.Name, Field: "subscriptions", Message: "invalid filter", Err: err}
		}
	}

	if len(d.Subscriptions) > 0 && !slices.Contains(d.FunctionNames(), DefaultFunction) {
		return invalid(d.Name, "functions", "subscribed overlays must export %q", DefaultFunction)
	}

	deps, err := d.Deps()
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if dep.Name == d.Name {
			return invalid(d.Name, "dependencies", "overlay depends on itself")
		}
		if names[dep.Name] {
			return invalid(d.Name, "dependencies", "%s listed twice", dep.Name)
		}
		names[dep.Name] = true
	}
	for _, h := range d.HardDependencies {
		if !names[h] {
			return invalid(d.Name, "hard_dependencies", "%s is not a declared dependency", h)
		}
	}

	if d.Budget.Timeout < 0 {
		return invalid(d.Name, "budget.timeout", "negative timeout")
	}
	switch d.Module.Kind {
	case ModuleWasm:
		if _, err := artifacts.ParseDigest(d.Module.Hash); err != nil {
			return &ValidationError{Overlay: d.Name, Field: "module.hash", Message: "wasm modules need a content digest", Err: err}
		}
	case ModuleNative:
		if d.Module.Hash != "" {
			return invalid(d.Name, "module.hash", "native modules are not content addressed")
		}
	default:
		return invalid(d.Name, "module.kind", "unknown kind %q", d.Module.Kind)
	}
	return nil
}

// Deps parses the dependency list.
func (d *Descriptor) Deps() ([]Dependency, error) {
	out := make([]Dependency, 0, len(d.Dependencies))
	for _, raw := range d.Dependencies {
		name, constraint, hasConstraint := strings.Cut(raw, "@")
		dep := Dependency{Name: norm.NFC.String(name)}
		if !namePattern.MatchString(dep.Name) {
			return nil, invalid(d.Name, "dependencies", "bad dependency name %q", name)
		}
		if hasConstraint {
			c, err := semver.NewConstraint(constraint)
			if err != nil {
				return nil, &ValidationError{Overlay: d.Name, Field: "dependencies", Message: "bad version constraint for " + name, Err: err}
			}
			dep.Constraint = c
		}
		out = append(out, dep)
	}
	return out, nil
}

// SemVer returns the parsed version. Validated descriptors never fail.
func (d *Descriptor) SemVer() *semver.Version {
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return semver.New(0, 0, 0, "", "")
	}
	return v
}

// CapabilitySet returns the declared capabilities.
func (d *Descriptor) CapabilitySet() trust.CapabilitySet {
	caps := make([]trust.Capability, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps = append(caps, trust.Capability(c))
	}
	return trust.NewCapabilitySet(caps...)
}

// SandboxBudget converts the manifest budget, filling defaults.
func (d *Descriptor) SandboxBudget() sandbox.Budget {
	return sandbox.Budget{
		ComputeUnits: d.Budget.ComputeUnits,
		MemoryBytes:  d.Budget.MemoryBytes,
		Timeout:      time.Duration(d.Budget.Timeout),
	}.WithDefaults()
}

// FunctionNames returns the declared functions, defaulting to execute.
func (d *Descriptor) FunctionNames() []string {
	if len(d.Functions) == 0 {
		return []string{DefaultFunction}
	}
	return slices.Clone(d.Functions)
}

// IsHardDependency reports whether name is listed under hard_dependencies.
func (d *Descriptor) IsHardDependency(name string) bool {
	return slices.Contains(d.HardDependencies, name)
}

// EntryName is the native registration key, defaulting to the overlay name.
func (d *Descriptor) EntryName() string {
	if d.Module.Entry != "" {
		return d.Module.Entry
	}
	return d.Name
}

// Key identifies a descriptor version, e.g. "scorer@1.2.0".
func (d *Descriptor) Key() string { return d.Name + "@" + d.Version }

package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
)

// HealthFunction is the optional exported function used as a health probe.
const HealthFunction = "health"

// Env is handed to an overlay when it initialises.
type Env struct {
	Descriptor *Descriptor
	Logger     *slog.Logger
}

// Overlay is the capability-set interface every overlay variant implements.
// Execute receives the gate of the current invocation; all side effects go
// through it.
type Overlay interface {
	Initialize(ctx context.Context, env Env) error
	Execute(ctx context.Context, gate *sandbox.Gate, function string, input []byte) ([]byte, error)
	HealthCheck(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Functions() []string
}

// executor adapts an Overlay to sandbox.Executor so sandbox.Run can meter it.
type executor struct{ o Overlay }

func (e executor) Invoke(ctx context.Context, gate *sandbox.Gate, function string, input []byte) ([]byte, error) {
	return e.o.Execute(ctx, gate, function, input)
}

func (e executor) Close(context.Context) error { return nil }

// WasmOverlay runs a compiled WebAssembly module. The health probe calls the
// guest's "health" export when present, under a small budget and no grants.
type WasmOverlay struct {
	exec   *sandbox.WasmExecutor
	budget sandbox.Budget
}

// NewWasmOverlay compiles bin under budget.
func NewWasmOverlay(ctx context.Context, bin []byte, budget sandbox.Budget) (*WasmOverlay, error) {
	exec, err := sandbox.NewWasmExecutor(ctx, bin, budget)
	if err != nil {
		return nil, err
	}
	return &WasmOverlay{exec: exec, budget: budget.WithDefaults()}, nil
}

func (w *WasmOverlay) Initialize(context.Context, Env) error { return nil }

func (w *WasmOverlay) Execute(ctx context.Context, gate *sandbox.Gate, function string, input []byte) ([]byte, error) {
	return w.exec.Invoke(ctx, gate, function, input)
}

func (w *WasmOverlay) HealthCheck(ctx context.Context) error {
	if !slices.Contains(w.exec.Functions(), HealthFunction) {
		return nil
	}
	gate := sandbox.NewGate("health", nil, sandbox.NewMeter(w.budget.ComputeUnits), sandbox.Services{})
	_, _, err := sandbox.Run(ctx, w.exec, gate, w.budget, HealthFunction, nil)
	return err
}

func (w *WasmOverlay) Cleanup(ctx context.Context) error { return w.exec.Close(ctx) }

func (w *WasmOverlay) Functions() []string { return w.exec.Functions() }

// Native is an overlay compiled into the host binary. Only Funcs is required.
type Native struct {
	Funcs  map[string]sandbox.NativeFunc
	Init   func(ctx context.Context, env Env) error
	Health func(ctx context.Context) error
	Clean  func(ctx context.Context) error

	once sync.Once
	exec *sandbox.NativeExecutor
}

func (n *Native) executor() *sandbox.NativeExecutor {
	n.once.Do(func() { n.exec = sandbox.NewNativeExecutor(n.Funcs) })
	return n.exec
}

func (n *Native) Initialize(ctx context.Context, env Env) error {
	if n.Init == nil {
		return nil
	}
	return n.Init(ctx, env)
}

func (n *Native) Execute(ctx context.Context, gate *sandbox.Gate, function string, input []byte) ([]byte, error) {
	return n.executor().Invoke(ctx, gate, function, input)
}

func (n *Native) HealthCheck(ctx context.Context) error {
	if n.Health == nil {
		return nil
	}
	return n.Health(ctx)
}

func (n *Native) Cleanup(ctx context.Context) error {
	if n.Clean == nil {
		return nil
	}
	return n.Clean(ctx)
}

func (n *Native) Functions() []string { return n.executor().Functions() }

// Factory builds a fresh native overlay for a descriptor.
type Factory func(d *Descriptor) (Overlay, error)

// Modules builds overlay implementations: wasm from the artifact store,
// native from registered factories.
type Modules struct {
	store artifacts.Store

	mu      sync.RWMutex
	natives map[string]Factory
}

// NewModules returns a module source. store may be nil when only native
// overlays are used.
func NewModules(store artifacts.Store) *Modules {
	return &Modules{store: store, natives: make(map[string]Factory)}
}

// RegisterNative binds entry to a factory.
func (m *Modules) RegisterNative(entry string, f Factory) {
	m.mu.Lock()
	m.natives[entry] = f
	m.mu.Unlock()
}

// Build instantiates the module of d and checks it exports every declared
// function.
func (m *Modules) Build(ctx context.Context, d *Descriptor) (Overlay, error) {
	var (
		o   Overlay
		err error
	)
	switch d.Module.Kind {
	case ModuleWasm:
		if m.store == nil {
			return nil, errors.New("no artifact store configured for wasm overlays")
		}
		bin, ferr := artifacts.Fetch(ctx, m.store, d.Module.Hash)
		if ferr != nil {
			return nil, fmt.Errorf("fetch module %s: %w", d.Module.Hash, ferr)
		}
		o, err = NewWasmOverlay(ctx, bin, d.SandboxBudget())
	case ModuleNative:
		m.mu.RLock()
		f, ok := m.natives[d.EntryName()]
		m.mu.RUnlock()
		if !ok {
			return nil, invalid(d.Name, "module.entry", "no native overlay registered as %q", d.EntryName())
		}
		o, err = f(d)
	default:
		return nil, invalid(d.Name, "module.kind", "unknown kind %q", d.Module.Kind)
	}
	if err != nil {
		return nil, err
	}

	exported := o.Functions()
	for _, fn := range d.FunctionNames() {
		if !slices.Contains(exported, fn) {
			_ = o.Cleanup(ctx)
			return nil, invalid(d.Name, "functions", "module does not export %q", fn)
		}
	}
	return o, nil
}

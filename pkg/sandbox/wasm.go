package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/knowledge"
)

// HostModule is the import namespace of the capability-gated host functions.
//
// Guest ABI:
//
//	export memory
//	export alloc(size i32) i32
//	export <function>(ptr i32, len i32) i64   ;; returns ptr<<32 | len of the output
//
// Host imports (module "forge"):
//
//	storage_read(id_ptr, id_len i32) i64          ;; JSON item, 0 when missing
//	storage_write(item_ptr, item_len i32) i32      ;; 0 ok, 1 error
//	storage_query(req_ptr, req_len i32) i64        ;; {"vector":[...],"k":n} -> JSON matches
//	event_publish(type_ptr, type_len, payload_ptr, payload_len i32) i32
//	event_subscribe(type_ptr, type_len i32) i32
//	log(ptr, len i32)
const HostModule = "forge"

type gateKey struct{}

func withGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, gateKey{}, g)
}

func gateFrom(ctx context.Context) *Gate {
	g, _ := ctx.Value(gateKey{}).(*Gate)
	return g
}

// WasmExecutor runs one compiled overlay module. Each invocation gets a fresh
// instance so no guest state leaks between calls.
type WasmExecutor struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	budget   Budget
	once     sync.Once
}

// NewWasmExecutor compiles bin under budget's memory ceiling. A module whose
// declared memory exceeds the ceiling fails with ERR_COMPUTE_MEMORY_EXHAUSTED.
func NewWasmExecutor(ctx context.Context, bin []byte, budget Budget) (*WasmExecutor, error) {
	budget = budget.WithDefaults()

	// 1. Runtime with memory ceiling and context-driven termination
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(budget.MemoryPages()).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	// 2. Host functions
	if err := instantiateHost(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// 3. Compile with a metering listener on guest functions
	compileCtx := experimental.WithFunctionListenerFactory(ctx, experimental.FunctionListenerFactoryFunc(meterListener))
	compiled, err := r.CompileModule(compileCtx, bin)
	if err != nil {
		_ = r.Close(ctx)
		if isMemoryLimitError(err) {
			return nil, &Violation{
				Code:     ErrComputeMemoryExhausted,
				Message:  fmt.Sprintf("module memory exceeds limit: %v", err),
				Limit:    budget.MemoryBytes,
				Consumed: -1,
			}
		}
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	return &WasmExecutor{runtime: r, compiled: compiled, budget: budget}, nil
}

// Functions lists the guest's exported functions other than alloc.
func (e *WasmExecutor) Functions() []string {
	var out []string
	for name := range e.compiled.ExportedFunctions() {
		if name != "alloc" {
			out = append(out, name)
		}
	}
	return out
}

func (e *WasmExecutor) Invoke(ctx context.Context, gate *Gate, function string, input []byte) ([]byte, error) {
	ctx = withGate(ctx, gate)

	// 1. Fresh instance, no start functions, no WASI
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()

	fn := mod.ExportedFunction(function)
	if fn == nil {
		return nil, fmt.Errorf("function %q not exported", function)
	}

	// 2. Copy input into guest memory
	ptr, err := writeGuest(ctx, mod, input)
	if err != nil {
		return nil, err
	}

	// 3. Call and read the packed result
	res, err := fn.Call(ctx, uint64(ptr>>32), uint64(uint32(ptr))) //nolint:gosec // packed ptr/len
	if err != nil {
		return nil, fmt.Errorf("wasm call %s: %w", function, err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("wasm call %s: expected one i64 result", function)
	}
	outPtr, outLen := uint32(res[0]>>32), uint32(res[0]) //nolint:gosec // unpack
	if outLen == 0 {
		return nil, nil
	}
	if outLen > OutputMaxBytes {
		return nil, &Violation{Code: ErrComputeOutputExhausted, Message: "output size exceeds limit",
			Limit: OutputMaxBytes, Consumed: int64(outLen)}
	}
	return readGuest(mod, outPtr, outLen)
}

// Close releases the runtime and compiled module.
func (e *WasmExecutor) Close(ctx context.Context) error {
	var err error
	e.once.Do(func() { err = e.runtime.Close(ctx) })
	return err
}

// meterListener debits one trivial op per guest function entry. Exhaustion
// trips the gate, which cancels the invocation context; the runtime then
// terminates the guest at its next check point.
func meterListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		return nil
	}
	return experimental.FunctionListenerFunc(func(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
		if g := gateFrom(ctx); g != nil {
			_ = g.Charge(OpTrivial)
		}
	})
}

func isMemoryLimitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "over limit of") && strings.Contains(msg, "pages")
}

func readGuest(m api.Module, ptr, n uint32) ([]byte, error) {
	view, ok := m.Memory().Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("guest range [%d, %d) out of bounds", ptr, uint64(ptr)+uint64(n))
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

// writeGuest copies data into memory obtained from the guest's alloc and
// returns ptr<<32 | len.
func writeGuest(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := m.ExportedFunction("alloc")
	if alloc == nil {
		return 0, errors.New("module does not export alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(res[0]) //nolint:gosec // i32 result
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest alloc returned out of bounds pointer %d", ptr)
	}
	return uint64(ptr)<<32 | uint64(len(data)), nil
}

// abort unwinds the guest when the gate refused a call. The gate already holds
// the error; the panic is recovered by the runtime and surfaces from Call.
func abort(err error) {
	panic(err)
}

func hostGate(ctx context.Context) *Gate {
	g := gateFrom(ctx)
	if g == nil {
		abort(errors.New("host call outside of an invocation"))
	}
	return g
}

func mustRead(m api.Module, ptr, n uint32) []byte {
	b, err := readGuest(m, ptr, n)
	if err != nil {
		abort(err)
	}
	return b
}

func reply(ctx context.Context, m api.Module, v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	packed, err := writeGuest(ctx, m, b)
	if err != nil {
		abort(err)
	}
	return packed
}

func isGateError(err error) bool {
	var v *Violation
	var c *CapabilityError
	return errors.As(err, &v) || errors.As(err, &c)
}

func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, idPtr, idLen uint32) uint64 {
			g := hostGate(ctx)
			item, err := g.StorageRead(ctx, string(mustRead(m, idPtr, idLen)))
			if err != nil {
				if isGateError(err) {
					abort(err)
				}
				return 0
			}
			return reply(ctx, m, item)
		}).Export("storage_read").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) uint32 {
			g := hostGate(ctx)
			var item knowledge.Item
			if err := json.Unmarshal(mustRead(m, ptr, n), &item); err != nil {
				return 1
			}
			if err := g.StorageWrite(ctx, item); err != nil {
				if isGateError(err) {
					abort(err)
				}
				return 1
			}
			return 0
		}).Export("storage_write").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) uint64 {
			g := hostGate(ctx)
			var req struct {
				Vector []float64 `json:"vector"`
				K      int       `json:"k"`
			}
			if err := json.Unmarshal(mustRead(m, ptr, n), &req); err != nil {
				return 0
			}
			matches, err := g.StorageQuery(ctx, req.Vector, req.K)
			if err != nil {
				if isGateError(err) {
					abort(err)
				}
				return 0
			}
			return reply(ctx, m, matches)
		}).Export("storage_query").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, typePtr, typeLen, payloadPtr, payloadLen uint32) uint32 {
			g := hostGate(ctx)
			eventType := string(mustRead(m, typePtr, typeLen))
			var payload map[string]any
			if payloadLen > 0 {
				if err := json.Unmarshal(mustRead(m, payloadPtr, payloadLen), &payload); err != nil {
					return 1
				}
			}
			if err := g.Publish(ctx, eventType, payload); err != nil {
				if isGateError(err) {
					abort(err)
				}
				return 1
			}
			return 0
		}).Export("event_publish").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, typePtr, typeLen uint32) uint32 {
			g := hostGate(ctx)
			if err := g.Subscribe(ctx, string(mustRead(m, typePtr, typeLen))); err != nil {
				if isGateError(err) {
					abort(err)
				}
				return 1
			}
			return 0
		}).Export("event_subscribe").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) {
			g := hostGate(ctx)
			if err := g.Log(string(mustRead(m, ptr, n))); err != nil {
				abort(err)
			}
		}).Export("log").
		Instantiate(ctx)
	return err
}

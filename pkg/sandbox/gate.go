package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/knowledge"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// CapabilityError is returned when an overlay calls a host function it was not
// granted. The invocation is aborted.
type CapabilityError struct {
	Overlay    string           `json:"overlay"`
	Function   string           `json:"function"`
	Capability trust.Capability `json:"capability"`
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("ERR_CAPABILITY_DENIED: overlay %s called %s without %s", e.Overlay, e.Function, e.Capability)
}

// Publisher publishes events on behalf of an overlay.
type Publisher interface {
	PublishFrom(ctx context.Context, source, eventType string, payload map[string]any) error
}

// Subscriber registers additional event types for an overlay at runtime.
type Subscriber interface {
	SubscribeType(ctx context.Context, overlay, eventType string) error
}

// Services are the kernel collaborators host functions delegate to.
// Any field may be nil; the corresponding host call then fails.
type Services struct {
	Store      knowledge.Store
	Publisher  Publisher
	Subscriber Subscriber
	Logger     *slog.Logger
}

// Gate mediates every host call of a single invocation: capability check,
// compute-unit debit, then delegation. After the first violation the gate is
// tripped and all further calls fail, so late calls from a timed-out
// invocation cannot reach host state.
type Gate struct {
	overlay string
	caps    trust.CapabilitySet
	meter   *Meter
	svc     Services
	logger  *slog.Logger

	mu      sync.Mutex
	err     error
	closed  bool
	onTrip  context.CancelFunc
	records []HostCall
}

// HostCall records one host function call for metrics and debugging.
type HostCall struct {
	Function string `json:"function"`
	Allowed  bool   `json:"allowed"`
}

// NewGate creates the gate for one invocation.
func NewGate(overlay string, caps trust.CapabilitySet, meter *Meter, svc Services) *Gate {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		overlay: overlay,
		caps:    caps,
		meter:   meter,
		svc:     svc,
		logger:  logger.With("component", "sandbox", "overlay", overlay),
	}
}

// Meter returns the invocation's compute meter.
func (g *Gate) Meter() *Meter { return g.meter }

// Overlay returns the name of the calling overlay.
func (g *Gate) Overlay() string { return g.overlay }

// Err returns the first violation recorded, if any.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Calls returns the host calls made so far.
func (g *Gate) Calls() []HostCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]HostCall, len(g.records))
	copy(out, g.records)
	return out
}

func (g *Gate) setCancel(cancel context.CancelFunc) {
	g.mu.Lock()
	g.onTrip = cancel
	g.mu.Unlock()
}

// close rejects every later call.
func (g *Gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// trip records err as the invocation's violation and cancels it.
func (g *Gate) trip(err error) error {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	first := g.err
	cancel := g.onTrip
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return first
}

// Charge debits op without a capability check. Used for guest-internal work.
func (g *Gate) Charge(op Op) error {
	if err := g.Err(); err != nil {
		return err
	}
	if err := g.meter.Debit(op); err != nil {
		return g.trip(err)
	}
	return nil
}

func (g *Gate) admit(fn string, capability trust.Capability, op Op) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("host call %s after invocation ended", fn)
	}
	allowed := capability == "" || g.caps.Has(capability)
	g.records = append(g.records, HostCall{Function: fn, Allowed: allowed})
	g.mu.Unlock()

	if !allowed {
		g.logger.Warn("capability denied", "function", fn, "capability", capability)
		return g.trip(&CapabilityError{Overlay: g.overlay, Function: fn, Capability: capability})
	}
	if err := g.meter.Debit(op); err != nil {
		return g.trip(err)
	}
	return nil
}

// StorageRead reads a knowledge item by id.
func (g *Gate) StorageRead(ctx context.Context, id string) (knowledge.Item, error) {
	if err := g.admit("storage_read", trust.CapStorageRead, OpStorageRead); err != nil {
		return knowledge.Item{}, err
	}
	if g.svc.Store == nil {
		return knowledge.Item{}, fmt.Errorf("knowledge store not configured")
	}
	return g.svc.Store.Get(ctx, id)
}

// StorageWrite writes a knowledge item.
func (g *Gate) StorageWrite(ctx context.Context, item knowledge.Item) error {
	if err := g.admit("storage_write", trust.CapStorageWrite, OpStorageWrite); err != nil {
		return err
	}
	if g.svc.Store == nil {
		return fmt.Errorf("knowledge store not configured")
	}
	return g.svc.Store.Put(ctx, item)
}

// StorageQuery runs a vector-similarity query.
func (g *Gate) StorageQuery(ctx context.Context, vector []float64, k int) ([]knowledge.Match, error) {
	if err := g.admit("storage_query", trust.CapStorageQuery, OpStorageQuery); err != nil {
		return nil, err
	}
	if g.svc.Store == nil {
		return nil, fmt.Errorf("knowledge store not configured")
	}
	return g.svc.Store.Query(ctx, vector, k)
}

// Publish emits an event with the overlay as its source.
func (g *Gate) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	if err := g.admit("event_publish", trust.CapEventPublish, OpEventPublish); err != nil {
		return err
	}
	if g.svc.Publisher == nil {
		return fmt.Errorf("event publisher not configured")
	}
	return g.svc.Publisher.PublishFrom(ctx, g.overlay, eventType, payload)
}

// Subscribe adds an event type to the overlay's subscriptions.
func (g *Gate) Subscribe(ctx context.Context, eventType string) error {
	if err := g.admit("event_subscribe", trust.CapEventSubscribe, OpSubscribe); err != nil {
		return err
	}
	if g.svc.Subscriber == nil {
		return fmt.Errorf("event subscriber not configured")
	}
	return g.svc.Subscriber.SubscribeType(ctx, g.overlay, eventType)
}

// Log writes a guest log line. Logging needs no capability but is metered.
func (g *Gate) Log(msg string) error {
	if err := g.admit("log", "", OpTrivial); err != nil {
		return err
	}
	g.logger.Info("overlay log", "msg", msg)
	return nil
}

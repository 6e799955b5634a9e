// Package sandbox executes overlay code under a resource budget: a metered
// compute-unit counter, a memory ceiling and a wall-clock timeout. Overlays
// reach the outside world only through host functions gated by their granted
// capability set.
package sandbox

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Deterministic error codes for sandbox violations.
const (
	ErrComputeUnitsExhausted  = "ERR_COMPUTE_UNITS_EXHAUSTED"
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// OutputMaxBytes caps the size of a single invocation's output.
const OutputMaxBytes = 1024 * 1024

// Op is a category of metered operation.
type Op string

const (
	OpTrivial      Op = "trivial"
	OpStorageRead  Op = "storage_read"
	OpStorageWrite Op = "storage_write"
	OpStorageQuery Op = "storage_query"
	OpEventPublish Op = "event_publish"
	OpSubscribe    Op = "event_subscribe"
	OpNetworkCall  Op = "network_call"
	OpModelInvoke  Op = "model_invocation"
)

var opCosts = map[Op]uint64{
	OpTrivial:      1,
	OpStorageRead:  10,
	OpStorageWrite: 20,
	OpStorageQuery: 25,
	OpEventPublish: 5,
	OpSubscribe:    5,
	OpNetworkCall:  50,
	OpModelInvoke:  100,
}

// Cost returns the compute-unit price of op. Unknown ops cost as much as a
// model invocation.
func Cost(op Op) uint64 {
	if c, ok := opCosts[op]; ok {
		return c
	}
	return opCosts[OpModelInvoke]
}

// Budget bounds a single invocation.
type Budget struct {
	ComputeUnits uint64        `json:"compute_units" yaml:"compute_units"`
	MemoryBytes  int64         `json:"memory_bytes" yaml:"memory_bytes"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultBudget returns a conservative default budget.
func DefaultBudget() Budget {
	return Budget{
		ComputeUnits: 100_000,
		MemoryBytes:  16 * 1024 * 1024,
		Timeout:      5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultBudget.
func (b Budget) WithDefaults() Budget {
	d := DefaultBudget()
	if b.ComputeUnits == 0 {
		b.ComputeUnits = d.ComputeUnits
	}
	if b.MemoryBytes == 0 {
		b.MemoryBytes = d.MemoryBytes
	}
	if b.Timeout == 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// MemoryPages converts the memory ceiling into 64KiB WebAssembly pages.
func (b Budget) MemoryPages() uint32 {
	pages := b.MemoryBytes / 65536
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages) //nolint:gosec // clamped above
}

// Violation is a deterministic, typed error for budget violations.
type Violation struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
}

func (e *Violation) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// Meter is a consumable compute-unit counter. Safe for concurrent use.
type Meter struct {
	limit uint64
	used  atomic.Uint64
}

func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Debit charges op. Once the limit is crossed every further debit fails.
func (m *Meter) Debit(op Op) error {
	cost := Cost(op)
	used := m.used.Add(cost)
	if used > m.limit {
		return &Violation{
			Code:     ErrComputeUnitsExhausted,
			Message:  fmt.Sprintf("compute units exhausted by %s", op),
			Limit:    int64(m.limit), //nolint:gosec // budgets are far below MaxInt64
			Consumed: int64(used),    //nolint:gosec // see above
		}
	}
	return nil
}

// Used returns the units consumed so far.
func (m *Meter) Used() uint64 { return m.used.Load() }

// Remaining returns the units left, zero once exhausted.
func (m *Meter) Remaining() uint64 {
	used := m.used.Load()
	if used >= m.limit {
		return 0
	}
	return m.limit - used
}

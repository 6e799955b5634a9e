// Package audit is the append-only, tamper-evident sink that receives every
// published bus event and every lifecycle, breaker, canary and quarantine
// transition from the kernel.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Kind is the category of an audit entry.
type Kind string

const (
	KindEvent      Kind = "EVENT"
	KindLifecycle  Kind = "LIFECYCLE"
	KindBreaker    Kind = "BREAKER"
	KindCanary     Kind = "CANARY"
	KindQuarantine Kind = "QUARANTINE"
	KindDeadLetter Kind = "DEADLETTER"
	KindPipeline   Kind = "PIPELINE"
)

// GenesisHash is the PrevHash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single hash-chained audit record.
type Entry struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Recorder is what kernel components depend on.
type Recorder interface {
	Record(ctx context.Context, kind Kind, action, subject string, data map[string]any) error
}

// Sink persists chained entries. Append is called in sequence order.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Logger chains entries and forwards them to a Sink.
type Logger struct {
	mu     sync.Mutex
	sink   Sink
	seq    uint64
	prev   string
	clock  func() time.Time
	logger *slog.Logger
}

// NewLogger creates a Logger that appends to sink.
func NewLogger(sink Sink) *Logger {
	return &Logger{
		sink:   sink,
		prev:   GenesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides clock for testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Resume continues an existing chain from the last persisted entry.
func (l *Logger) Resume(last Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = last.Seq
	l.prev = last.Hash
}

// Record appends a new entry to the chain.
func (l *Logger) Record(ctx context.Context, kind Kind, action, subject string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		ID:        uuid.NewString(),
		Kind:      kind,
		Action:    action,
		Subject:   subject,
		Timestamp: l.clock().UTC(),
		Data:      data,
		PrevHash:  l.prev,
	}
	h, err := HashEntry(e)
	if err != nil {
		return err
	}
	e.Hash = h

	if err := l.sink.Append(ctx, e); err != nil {
		l.logger.Error("audit append failed", "seq", e.Seq, "action", action, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	l.seq = e.Seq
	l.prev = e.Hash
	return nil
}

// Close closes the underlying sink.
func (l *Logger) Close() error {
	return l.sink.Close()
}

// HashEntry returns the chain hash of e: sha256 over the RFC 8785 canonical
// form of every field except Hash.
func HashEntry(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that entries form an unbroken chain starting at genesis.
func Verify(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("audit: entry %d has seq %d", i, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit: entry %d breaks chain: prev_hash %s, want %s", e.Seq, e.PrevHash, prev)
		}
		h, err := HashEntry(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("audit: entry %d hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

// Nop discards everything. Useful when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Kind, string, string, map[string]any) error { return nil }

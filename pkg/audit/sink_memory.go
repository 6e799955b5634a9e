package audit

import (
	"context"
	"sync"
)

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Actions returns the action of each entry of the given kind, in order.
func (s *MemorySink) Actions(kind Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e.Action)
		}
	}
	return out
}

func (s *MemorySink) Close() error { return nil }

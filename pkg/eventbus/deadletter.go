package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeadLetter is an event whose delivery to one subscriber exhausted its retries.
type DeadLetter struct {
	ID            string    `json:"id"`
	Event         Event     `json:"event"`
	Subscriber    string    `json:"subscriber"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DeadLetterStore keeps dead letters for investigation. Entries never expire
// on their own; operators delete or requeue them.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	Get(ctx context.Context, id string) (DeadLetter, error)
	// List returns the newest entries first.
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Delete(ctx context.Context, id string) error
}

// MemoryDeadLetterStore is the default in-process store.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{entries: make(map[string]DeadLetter)}
}

func (s *MemoryDeadLetterStore) Put(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dl.ID] = dl
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return dl, nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	out := make([]DeadLetter, 0, len(s.entries))
	for _, dl := range s.entries {
		out = append(out, dl)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastFailedAt.Equal(out[j].LastFailedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastFailedAt.After(out[j].LastFailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// Package knowledge defines the persistent knowledge store collaborator that
// overlays reach through capability-gated host functions. The kernel never
// embeds storage logic; MemoryStore is the reference implementation used by
// the daemon in development and by tests.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrNotFound is returned when an item id is unknown.
var ErrNotFound = errors.New("knowledge item not found")

// Item is a stored knowledge record.
type Item struct {
	ID        string         `json:"id"`
	Content   map[string]any `json:"content"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// Match is a similarity query hit.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Store is the contract the kernel depends on.
type Store interface {
	Get(ctx context.Context, id string) (Item, error)
	Put(ctx context.Context, item Item) error
	Query(ctx context.Context, vector []float64, k int) ([]Match, error)
}

// MemoryStore keeps items in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it, nil
}

func (s *MemoryStore) Put(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.ID == "" {
		return errors.New("knowledge item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

// Query returns the k items with the highest cosine similarity to vector.
// Items without an embedding of matching dimension are skipped.
func (s *MemoryStore) Query(ctx context.Context, vector []float64, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	matches := make([]Match, 0, len(s.items))
	for id, it := range s.items {
		if len(it.Embedding) != len(vector) || len(vector) == 0 {
			continue
		}
		matches = append(matches, Match{ID: id, Score: cosine(vector, it.Embedding)})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

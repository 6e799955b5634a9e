package eventbus

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxHops bounds every cascade.
const DefaultMaxHops = 5

// CascadeStatus is the state of a cascade chain.
type CascadeStatus string

const (
	CascadeActive    CascadeStatus = "Active"
	CascadeCompleted CascadeStatus = "Completed"
	CascadeAborted   CascadeStatus = "Aborted"
)

// DropReason explains why a cascade delivery was refused.
type DropReason string

const (
	DropNone        DropReason = ""
	DropHopLimit    DropReason = "hop_limit"
	DropVisited     DropReason = "already_visited"
	DropChainClosed DropReason = "chain_aborted"
	DropChainGone   DropReason = "chain_expired"
)

// CascadeChain is a snapshot of one tracked cascade.
type CascadeChain struct {
	ID            string        `json:"id"`
	OriginEventID string        `json:"origin_event_id"`
	Visited       []string      `json:"visited"`
	Hop           int           `json:"hop"`
	MaxHops       int           `json:"max_hops"`
	Status        CascadeStatus `json:"status"`
	Dropped       int           `json:"dropped"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
}

// CascadeStats counts chains by outcome.
type CascadeStats struct {
	Active    int    `json:"active"`
	Completed uint64 `json:"completed"`
	Aborted   uint64 `json:"aborted"`
	Dropped   uint64 `json:"dropped"`
}

type chain struct {
	id           string
	origin       string
	visited      map[string]struct{}
	order        []string
	hop          int
	status       CascadeStatus
	dropped      int
	inflight     int
	startedAt    time.Time
	lastActivity time.Time
	endedAt      time.Time
}

// CascadeTracker enforces the hop limit and the visited set. Admission is
// atomic per chain, so concurrent fan-out can never deliver one cascade to the
// same overlay twice.
type CascadeTracker struct {
	mu        sync.Mutex
	chains    map[string]*chain
	forgotten map[string]time.Time // swept chain id -> last event seen
	maxHops   int
	window    time.Duration
	retention time.Duration
	clock     func() time.Time

	completed uint64
	aborted   uint64
	dropped   uint64

	onEnd func(CascadeChain)
}

// NewCascadeTracker creates a tracker. window is the quiet period after which
// an active chain with nothing in flight is marked Completed; retention is how
// long ended chains stay queryable.
func NewCascadeTracker(maxHops int, window, retention time.Duration) *CascadeTracker {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &CascadeTracker{
		chains:    make(map[string]*chain),
		forgotten: make(map[string]time.Time),
		maxHops:   maxHops,
		window:    window,
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *CascadeTracker) WithClock(clock func() time.Time) *CascadeTracker {
	t.clock = clock
	return t
}

// OnEnd registers a callback for chains reaching Completed or Aborted.
// It runs without the tracker lock held.
func (t *CascadeTracker) OnEnd(fn func(CascadeChain)) {
	t.mu.Lock()
	t.onEnd = fn
	t.mu.Unlock()
}

// MaxHops returns the configured hop limit.
func (t *CascadeTracker) MaxHops() int { return t.maxHops }

// Observe registers evt with its chain, creating the chain when evt is the
// first event seen for its cascade id. The source of the first event is
// recorded as visited. It returns DropHopLimit (and aborts the chain) when evt
// exceeds the hop limit, DropChainClosed for events of an aborted chain and
// DropChainGone for events of a chain already swept away.
func (t *CascadeTracker) Observe(evt Event) DropReason {
	if evt.CascadeID == "" {
		return DropNone
	}
	t.mu.Lock()
	now := t.clock()
	if _, gone := t.forgotten[evt.CascadeID]; gone {
		// Each late event restarts the tombstone's retention.
		t.forgotten[evt.CascadeID] = now
		t.dropped++
		t.mu.Unlock()
		return DropChainGone
	}
	c, ok := t.chains[evt.CascadeID]
	if !ok {
		c = &chain{
			id:        evt.CascadeID,
			origin:    evt.ID,
			visited:   make(map[string]struct{}),
			status:    CascadeActive,
			startedAt: now,
		}
		if evt.Source != "" {
			c.visited[evt.Source] = struct{}{}
			c.order = append(c.order, evt.Source)
		}
		t.chains[evt.CascadeID] = c
	}
	c.lastActivity = now

	switch {
	case c.status == CascadeAborted:
		c.dropped++
		t.dropped++
		t.mu.Unlock()
		return DropChainClosed
	case evt.Hop > t.maxHops:
		c.dropped++
		t.dropped++
		ended := t.end(c, CascadeAborted, now)
		t.mu.Unlock()
		t.notify(ended)
		return DropHopLimit
	}
	if c.status == CascadeCompleted {
		// A late continuation revives the chain.
		c.status = CascadeActive
		c.endedAt = time.Time{}
		t.completed--
	}
	if evt.Hop > c.hop {
		c.hop = evt.Hop
	}
	t.mu.Unlock()
	return DropNone
}

// Admit atomically checks and records delivery of evt to subscriber. On
// success the delivery counts as in flight until Done is called.
func (t *CascadeTracker) Admit(evt Event, subscriber string) DropReason {
	if evt.CascadeID == "" {
		return DropNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chains[evt.CascadeID]
	if !ok {
		t.dropped++
		return DropChainGone
	}
	if c.status == CascadeAborted {
		t.dropped++
		return DropChainClosed
	}
	if evt.Hop > t.maxHops {
		c.dropped++
		t.dropped++
		return DropHopLimit
	}
	if _, seen := c.visited[subscriber]; seen {
		c.dropped++
		t.dropped++
		return DropVisited
	}
	c.visited[subscriber] = struct{}{}
	c.order = append(c.order, subscriber)
	c.inflight++
	c.lastActivity = t.clock()
	return DropNone
}

// Done marks one admitted delivery as finished.
func (t *CascadeTracker) Done(cascadeID string) {
	if cascadeID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.chains[cascadeID]; ok {
		if c.inflight > 0 {
			c.inflight--
		}
		c.lastActivity = t.clock()
	}
}

// Sweep completes quiet chains and forgets ended chains once retention has
// passed since their last event. A forgotten chain leaves a tombstone for
// another retention period so late events cannot start it over.
func (t *CascadeTracker) Sweep() {
	t.mu.Lock()
	now := t.clock()
	var ended []CascadeChain
	for id, c := range t.chains {
		switch c.status {
		case CascadeActive:
			if c.inflight == 0 && now.Sub(c.lastActivity) >= t.window {
				ended = append(ended, t.end(c, CascadeCompleted, now))
			}
		default:
			last := c.endedAt
			if c.lastActivity.After(last) {
				last = c.lastActivity
			}
			if now.Sub(last) >= t.retention {
				delete(t.chains, id)
				t.forgotten[id] = now
			}
		}
	}
	for id, at := range t.forgotten {
		if now.Sub(at) >= t.retention {
			delete(t.forgotten, id)
		}
	}
	t.mu.Unlock()
	for _, c := range ended {
		t.notify(c)
	}
}

// Get returns a snapshot of a chain.
func (t *CascadeTracker) Get(cascadeID string) (CascadeChain, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chains[cascadeID]
	if !ok {
		return CascadeChain{}, false
	}
	return t.snapshot(c), true
}

// List returns snapshots of every tracked chain ordered by start time.
func (t *CascadeTracker) List() []CascadeChain {
	t.mu.Lock()
	out := make([]CascadeChain, 0, len(t.chains))
	for _, c := range t.chains {
		out = append(out, t.snapshot(c))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns chain counters.
func (t *CascadeTracker) Stats() CascadeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := CascadeStats{Completed: t.completed, Aborted: t.aborted, Dropped: t.dropped}
	for _, c := range t.chains {
		if c.status == CascadeActive {
			s.Active++
		}
	}
	return s
}

// end must be called with t.mu held.
func (t *CascadeTracker) end(c *chain, status CascadeStatus, now time.Time) CascadeChain {
	c.status = status
	c.endedAt = now
	if status == CascadeCompleted {
		t.completed++
	} else {
		t.aborted++
	}
	return t.snapshot(c)
}

func (t *CascadeTracker) notify(c CascadeChain) {
	t.mu.Lock()
	fn := t.onEnd
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *CascadeTracker) snapshot(c *chain) CascadeChain {
	return CascadeChain{
		ID:            c.id,
		OriginEventID: c.origin,
		Visited:       append([]string(nil), c.order...),
		Hop:           c.hop,
		MaxHops:       t.maxHops,
		Status:        c.status,
		Dropped:       c.dropped,
		StartedAt:     c.startedAt,
		EndedAt:       c.endedAt,
	}
}

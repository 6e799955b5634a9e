// Package eventbus is the typed publish/subscribe bus overlays communicate
// through. Delivery is concurrent across subscribers, each subscriber owns a
// bounded mailbox, failed handlers are retried and then dead-lettered, and
// causally linked events are tracked as cascades with a hop limit.
package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders events for operators and filters. Delivery order within a
// mailbox is FIFO regardless of priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority accepts the names returned by String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Event is the unit of communication on the bus.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Targets       []string       `json:"targets,omitempty"`
	CascadeID     string         `json:"cascade_id,omitempty"`
	Hop           int            `json:"hop"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and normal priority.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Priority: PriorityNormal,
		Payload:  payload,
		Source:   source,
	}
}

// Derive creates a child event caused by e. The child inherits the
// correlation and cascade ids; inside a cascade the hop count grows by one.
func (e Event) Derive(eventType, source string, payload map[string]any) Event {
	child := NewEvent(eventType, source, payload)
	child.Priority = e.Priority
	child.CorrelationID = e.CorrelationID
	child.CausationID = e.ID
	if e.CascadeID != "" {
		child.CascadeID = e.CascadeID
		child.Hop = e.Hop + 1
	}
	return child
}

// StartCascade marks e as the origin of a new cascade at hop 0.
func (e Event) StartCascade() Event {
	e.CascadeID = uuid.NewString()
	e.Hop = 0
	return e
}

// Targeted reports whether e is point-to-point.
func (e Event) Targeted() bool { return len(e.Targets) > 0 }

// matchesType reports whether eventType matches a subscription pattern.
// A trailing '*' matches any suffix.
func matchesType(eventType, pattern string) bool {
	if eventType == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

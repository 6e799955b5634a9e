// Package trust models the graduated trust scores and capability grants that
// gate which overlays may load and which host functions they may call.
//
// Scores and capability sets are computed by an external trust service; the
// kernel only consumes them.
package trust

import (
	"fmt"
	"sort"
	"strings"
)

// Level is a graduated trust score in the range [0, 100].
type Level int

const (
	LevelQuarantine Level = 0
	LevelSandbox    Level = 40
	LevelStandard   Level = 60
	LevelTrusted    Level = 80
	LevelCore       Level = 100
)

// String returns the name of the band the level falls into.
func (l Level) String() string {
	switch {
	case l >= LevelCore:
		return "CORE"
	case l >= LevelTrusted:
		return "TRUSTED"
	case l >= LevelStandard:
		return "STANDARD"
	case l >= LevelSandbox:
		return "SANDBOX"
	default:
		return "QUARANTINE"
	}
}

// Valid reports whether the level is inside [0, 100].
func (l Level) Valid() bool {
	return l >= LevelQuarantine && l <= LevelCore
}

// Capability names a host function family an overlay may be granted.
type Capability string

const (
	CapStorageRead    Capability = "storage.read"
	CapStorageWrite   Capability = "storage.write"
	CapStorageQuery   Capability = "storage.query"
	CapEventPublish   Capability = "event.publish"
	CapEventSubscribe Capability = "event.subscribe"
	CapNetworkCall    Capability = "network.call"
	CapModelInvoke    Capability = "model.invoke"
)

var knownCapabilities = map[Capability]struct{}{
	CapStorageRead:    {},
	CapStorageWrite:   {},
	CapStorageQuery:   {},
	CapEventPublish:   {},
	CapEventSubscribe: {},
	CapNetworkCall:    {},
	CapModelInvoke:    {},
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownCapabilities[c]; !ok {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// CapabilitySet is an unordered set of granted capabilities.
// The zero value is an empty set that denies everything.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// AllCapabilities returns a set with every known capability.
func AllCapabilities() CapabilitySet {
	s := make(CapabilitySet, len(knownCapabilities))
	for c := range knownCapabilities {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is granted.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if other.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// Missing returns the required capabilities that are not in the set, sorted.
func (s CapabilitySet) Missing(required []Capability) []Capability {
	var missing []Capability
	for _, c := range required {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Slice returns the set as a sorted slice.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Context is the trust context supplied by the authentication service for a
// caller: who they are, how trusted they are and what they were granted.
type Context struct {
	ActorID      string        `json:"actor_id"`
	Score        Level         `json:"score"`
	Capabilities CapabilitySet `json:"-"`
}

// Allows reports whether the context meets a minimum trust level.
func (c Context) Allows(floor Level) bool {
	return c.Score >= floor
}

// SystemContext is the trust context used for kernel-internal operations.
func SystemContext() Context {
	return Context{
		ActorID:      "system",
		Score:        LevelCore,
		Capabilities: AllCapabilities(),
	}
}

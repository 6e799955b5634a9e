// Package pipeline drives every kernel operation through seven fixed phases.
//
// Ingestion, Analysis and Validation run concurrently and meet at a barrier.
// Consensus and Execution follow one after the other. Propagation and
// Settlement are dispatched in the background once Execution has finished and
// never hold up the caller's result.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Phase names one of the seven pipeline stages.
type Phase int

const (
	PhaseIngestion Phase = iota + 1
	PhaseAnalysis
	PhaseValidation
	PhaseConsensus
	PhaseExecution
	PhasePropagation
	PhaseSettlement
)

var phaseNames = map[Phase]string{
	PhaseIngestion:   "Ingestion",
	PhaseAnalysis:    "Analysis",
	PhaseValidation:  "Validation",
	PhaseConsensus:   "Consensus",
	PhaseExecution:   "Execution",
	PhasePropagation: "Propagation",
	PhaseSettlement:  "Settlement",
}

// Phases lists every phase in execution order.
func Phases() []Phase {
	return []Phase{PhaseIngestion, PhaseAnalysis, PhaseValidation, PhaseConsensus, PhaseExecution, PhasePropagation, PhaseSettlement}
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Topic is the event type an overlay subscribes to in order to take part in
// the phase, e.g. "pipeline.phase.validation".
func (p Phase) Topic() string { return "pipeline.phase." + strings.ToLower(p.String()) }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	for p, n := range phaseNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Group is a concurrency class.
type Group int

const (
	// GroupConcurrent phases run in parallel and join at a barrier.
	GroupConcurrent Group = iota
	// GroupSequential phases run in order after the barrier.
	GroupSequential
	// GroupBackground phases are dispatched and not awaited.
	GroupBackground
)

func (g Group) String() string {
	switch g {
	case GroupConcurrent:
		return "concurrent"
	case GroupSequential:
		return "sequential"
	case GroupBackground:
		return "background"
	default:
		return fmt.Sprintf("Group(%d)", int(g))
	}
}

// Group returns the concurrency class of p.
func (p Phase) Group() Group {
	switch p {
	case PhaseIngestion, PhaseAnalysis, PhaseValidation:
		return GroupConcurrent
	case PhaseConsensus, PhaseExecution:
		return GroupSequential
	default:
		return GroupBackground
	}
}

// Spec configures one phase.
type Spec struct {
	Required   bool          `json:"required" yaml:"required"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

// DefaultSpecs returns the stock phase table: everything up to Execution is
// required and retried once, the background phases are optional.
func DefaultSpecs() map[Phase]Spec {
	return map[Phase]Spec{
		PhaseIngestion:   {Required: true, Timeout: 10 * time.Second, MaxRetries: 1},
		PhaseAnalysis:    {Required: true, Timeout: 30 * time.Second, MaxRetries: 1},
		PhaseValidation:  {Required: true, Timeout: 10 * time.Second, MaxRetries: 1},
		PhaseConsensus:   {Required: true, Timeout: 30 * time.Second, MaxRetries: 1},
		PhaseExecution:   {Required: true, Timeout: 30 * time.Second, MaxRetries: 1},
		PhasePropagation: {Required: false, Timeout: 30 * time.Second, MaxRetries: 0},
		PhaseSettlement:  {Required: false, Timeout: 30 * time.Second, MaxRetries: 0},
	}
}

// Status is the outcome of a phase.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// PhaseResult records how one phase went.
type PhaseResult struct {
	Phase    Phase         `json:"phase"`
	Status   Status        `json:"status"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

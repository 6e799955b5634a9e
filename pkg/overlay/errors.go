package overlay

import (
	"errors"
	"fmt"
	"strings"
)

// Deterministic error codes for runtime failures.
const (
	ErrCodeValidation  = "ERR_OVERLAY_VALIDATION"
	ErrCodeCycle       = "ERR_DEPENDENCY_CYCLE"
	ErrCodeQuarantined = "ERR_OVERLAY_QUARANTINED"
	ErrCodeTransition  = "ERR_INVALID_TRANSITION"
	ErrCodeUnavailable = "ERR_OVERLAY_UNAVAILABLE"
)

var (
	// ErrUnknownOverlay is returned for names the registry does not hold.
	ErrUnknownOverlay = errors.New("unknown overlay")
	// ErrAlreadyLoaded is returned when loading a name that is already live.
	ErrAlreadyLoaded = errors.New("overlay already loaded")
)

// ValidationError reports a malformed manifest or a manifest the loader may
// not accept.
type ValidationError struct {
	Overlay string `json:"overlay"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrCodeValidation)
	b.WriteString(": ")
	if e.Overlay != "" {
		b.WriteString(e.Overlay)
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) Code() string  { return ErrCodeValidation }

func invalid(overlay, field, format string, args ...any) *ValidationError {
	return &ValidationError{Overlay: overlay, Field: field, Message: fmt.Sprintf(format, args...)}
}

// DependencyCycleError is returned for every overlay in the weakly connected
// component of a dependency cycle. None of them is activated.
type DependencyCycleError struct {
	Overlay   string   `json:"overlay"`
	Cycle     []string `json:"cycle"`
	Component []string `json:"component"`
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("%s: %s not loaded, cycle %s", ErrCodeCycle, e.Overlay, strings.Join(e.Cycle, " -> "))
}

func (e *DependencyCycleError) Code() string { return ErrCodeCycle }

// QuarantinedError is returned when invoking an overlay removed from routing.
type QuarantinedError struct {
	Overlay string `json:"overlay"`
	Reason  string `json:"reason"`
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrCodeQuarantined, e.Overlay, e.Reason)
}

func (e *QuarantinedError) Code() string { return ErrCodeQuarantined }

// TransitionError is returned for a lifecycle transition the FSM forbids.
type TransitionError struct {
	Overlay string `json:"overlay"`
	From    State  `json:"from"`
	To      State  `json:"to"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot move from %s to %s", ErrCodeTransition, e.Overlay, e.From, e.To)
}

func (e *TransitionError) Code() string { return ErrCodeTransition }

// UnavailableError is returned when invoking an overlay that is not Active.
type UnavailableError struct {
	Overlay string `json:"overlay"`
	State   State  `json:"state"`
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s is %s", ErrCodeUnavailable, e.Overlay, e.State)
}

func (e *UnavailableError) Code() string { return ErrCodeUnavailable }

// ErrorCode extracts the deterministic code from err, or "" when it has none.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

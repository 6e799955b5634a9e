package pipeline

import (
	"errors"
	"fmt"
)

const (
	ErrCodePhase            = "ERR_PIPELINE_PHASE"
	ErrCodeRateLimited      = "ERR_RATE_LIMITED"
	ErrCodeCallerQuarantine = "ERR_CALLER_QUARANTINED"
)

var (
	// ErrRateLimited is returned when admission control refuses a caller.
	ErrRateLimited = errors.New(ErrCodeRateLimited + ": admission refused")
	// ErrCallerQuarantined is returned for callers the supervisor isolated.
	ErrCallerQuarantined = errors.New(ErrCodeCallerQuarantine + ": caller quarantined")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pipeline orchestrator closed")
	// ErrUnknownOperation is returned when an operation has no handlers and no
	// default handler is configured.
	ErrUnknownOperation = errors.New("unknown operation")
)

// PhaseError reports the phase that stopped a pipeline.
type PhaseError struct {
	Phase    Phase
	Required bool
	Cause    error
}

func (e *PhaseError) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("%s: %s phase %s failed: %v", ErrCodePhase, kind, e.Phase, e.Cause)
}

func (e *PhaseError) Unwrap() error { return e.Cause }
func (e *PhaseError) Code() string  { return ErrCodePhase }

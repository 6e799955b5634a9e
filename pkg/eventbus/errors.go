package eventbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusClosed          = errors.New("event bus closed")
	ErrHandlerNil         = errors.New("event handler cannot be nil")
	ErrSubscriberExists   = errors.New("subscriber already registered")
	ErrUnknownSubscriber  = errors.New("unknown subscriber")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrInvalidEvent       = errors.New("invalid event")
)

// HandlerTimeoutError is returned when a handler does not finish within the
// per-call timeout.
type HandlerTimeoutError struct {
	Subscriber string
	EventID    string
	Timeout    time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s on event %s", e.Subscriber, e.Timeout, e.EventID)
}

// HandlerPanicError wraps a panic recovered from a handler.
type HandlerPanicError struct {
	Subscriber string
	Value      any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Subscriber, e.Value)
}

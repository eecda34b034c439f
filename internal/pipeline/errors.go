package pipeline

import (
	"errors"
	"fmt"

	"github.com/apptrail-sh/bluegreen/internal/store"
	"github.com/apptrail-sh/bluegreen/internal/topology"
)

var (
	// ErrInvalidTransition is returned when the requested stage is not
	// allowed in the current pipeline state. It is never retried.
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	// ErrWaiting is returned while an external deployment is still running.
	// It asks the transport to deliver the same message again later.
	ErrWaiting = errors.New("deployment still in progress")
	// ErrUnknownApplication is returned for messages naming an application
	// that is not configured.
	ErrUnknownApplication = errors.New("unknown application")
	// ErrUnknownCommand is returned for commands missing from the command table.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnsupportedAction is returned for messages with an unknown action.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// ExternalServiceError wraps a failure of a collaborator service.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

func external(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}

// Class tells a transport what to do with a handled message.
type Class int

const (
	// ClassOK acknowledges the message.
	ClassOK Class = iota
	// ClassSkip acknowledges a message that was deliberately not acted on.
	ClassSkip
	// ClassWait redelivers the message after a delay without alerting.
	ClassWait
	// ClassRetry redelivers the message and alerts.
	ClassRetry
	// ClassFatal drops the message and alerts; redelivery cannot succeed.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassSkip:
		return "skip"
	case ClassWait:
		return "wait"
	case ClassRetry:
		return "retry"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Alerts reports whether the class must be surfaced to operators.
func (c Class) Alerts() bool {
	return c == ClassRetry || c == ClassFatal
}

// Redeliver reports whether the transport should deliver the message again.
func (c Class) Redeliver() bool {
	return c == ClassWait || c == ClassRetry
}

// Classify maps a handler result onto a Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOK
	case errors.Is(err, ErrInvalidTransition):
		return ClassSkip
	case errors.Is(err, ErrWaiting):
		return ClassWait
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, topology.ErrTopologyInvariant),
		errors.Is(err, ErrUnknownApplication),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrUnsupportedAction):
		return ClassFatal
	default:
		// lock.ErrLockBusy, store.ErrConcurrencyConflict, store.ErrUnavailable
		// and external service failures are worth another attempt.
		return ClassRetry
	}
}

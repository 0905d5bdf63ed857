package datatask

import (
	"errors"
	"fmt"
)

// ErrDuplicateTask is returned when a task is inserted with an ID that was already used.
var ErrDuplicateTask = errors.New("datatask: duplicate task id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("datatask: unknown state")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("datatask: task not found")

// ErrTaskRunning is returned when an operation is not allowed on a running task.
var ErrTaskRunning = errors.New("datatask: operation not allowed on running task")

// ErrUnknownTaskName is returned by the Registry when no constructor is registered for a task name.
var ErrUnknownTaskName = errors.New("datatask: unknown task name")

// ErrTransport wraps failures of the transport while submitting a task.
var ErrTransport = errors.New("datatask: transport failure")

// ErrPoison is returned by Supplier.Dequeue when the sentinel task is received.
var ErrPoison = errors.New("datatask: poison task received")

// ErrQueueFull is returned when an in-process queue cannot take more tasks.
var ErrQueueFull = errors.New("datatask: queue is full")

// ErrQueueClosed is returned when the transport was closed.
var ErrQueueClosed = errors.New("datatask: queue is closed")

// ErrInvalidEvent is returned for malformed events.
var ErrInvalidEvent = errors.New("datatask: invalid event")

// ErrIllegalTransition is returned when an event would break the state machine.
var ErrIllegalTransition = errors.New("datatask: illegal state transition")

// ErrCancelled is the error a task returns when it stops on a cancel request.
// Use Cancelled to also carry the requeue flag.
var ErrCancelled = errors.New("datatask: task cancelled")

// CancelledError is returned by executables that observed a cancellation.
type CancelledError struct {
	Requeue bool
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("datatask: task cancelled (requeue=%t)", e.Requeue)
}

// Is makes errors.Is(err, ErrCancelled) hold for any *CancelledError.
func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// Cancelled returns a cancellation error carrying the requeue flag.
func Cancelled(requeue bool) error { return &CancelledError{Requeue: requeue} }

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as recoverable. Failed tasks whose error is transient
// are retried when they have retries left.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// TaskError is the serializable description of a task failure.
type TaskError struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Cause     string `json:"cause,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// NewTaskError describes err. The name is the dynamic type of the outermost
// error that is not a transient marker.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	te := &TaskError{Message: err.Error(), Transient: IsTransient(err)}
	inner := err
	if t, ok := err.(transientError); ok {
		inner = t.err
	}
	te.Name = fmt.Sprintf("%T", inner)
	if cause := errors.Unwrap(inner); cause != nil {
		te.Cause = fmt.Sprintf("%T: %s", cause, cause.Error())
	}
	return te
}

func (e *TaskError) Error() string {
	if e.Cause == "" {
		return e.Name + ": " + e.Message
	}
	return e.Name + ": " + e.Message + " (" + e.Cause + ")"
}

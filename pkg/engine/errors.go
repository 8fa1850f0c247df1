// Package engine implements the playbook execution core: planning, host
// scheduling, per-host task dispatch, retry/circuit-breaker handling,
// checkpointing and handler notification.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error for propagation and reporting logic.
type ErrorKind string

const (
	// ErrKindConfig indicates invalid configuration: unknown host group,
	// circular role dependency, checkpoint/playbook mismatch. Fatal before
	// or at batch start.
	ErrKindConfig ErrorKind = "config"

	// ErrKindPlan indicates the planner could not produce an execution plan.
	ErrKindPlan ErrorKind = "plan"

	// ErrKindConnection indicates a transport failure (timeout, auth,
	// unreachable). Per-host and subject to the task's retry policy.
	ErrKindConnection ErrorKind = "connection"

	// ErrKindEval indicates an expression evaluation failure. Never retried:
	// re-evaluating an undefined reference will not resolve itself.
	ErrKindEval ErrorKind = "eval"

	// ErrKindModule indicates a module invocation failure. Subject to retry
	// and circuit breaking.
	ErrKindModule ErrorKind = "module"

	// ErrKindRetryExhausted is the terminal outcome of a retried task whose
	// attempts ran out. Carries the last underlying error.
	ErrKindRetryExhausted ErrorKind = "retry_exhausted"

	// ErrKindCircuitOpen indicates the invocation was skipped because the
	// circuit breaker for this host+task pairing is open.
	ErrKindCircuitOpen ErrorKind = "circuit_open"

	// ErrKindAsyncTimeout indicates an async task exceeded its time budget
	// while being polled.
	ErrKindAsyncTimeout ErrorKind = "async_timeout"

	// ErrKindHandler indicates a notified handler failed, which escalates to
	// a failure of that host's batch.
	ErrKindHandler ErrorKind = "handler"

	// ErrKindCheckpoint indicates checkpoint persistence failed.
	ErrKindCheckpoint ErrorKind = "checkpoint"

	// ErrKindCancelled indicates execution was interrupted by the user.
	ErrKindCancelled ErrorKind = "cancelled"
)

// Error is the classified error used throughout the engine.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Host is the host the error occurred on, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task identity involved, if applicable.
	Task string `json:"task,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Host != "" {
		msg += fmt.Sprintf(" (host=%s", e.Host)
		if e.Task != "" {
			msg += fmt.Sprintf(", task=%s", e.Task)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so callers can use errors.Is with a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithHost attaches host context to the error.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithTask attaches task context to the error.
func (e *Error) WithTask(task string) *Error {
	e.Task = task
	return e
}

// NewError creates a classified engine error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(message string, err error) *Error {
	return NewError(ErrKindConfig, message, err)
}

// NewPlanError creates a planning error.
func NewPlanError(message string, err error) *Error {
	return NewError(ErrKindPlan, message, err)
}

// NewConnectionError creates a transport error.
func NewConnectionError(message string, err error) *Error {
	return NewError(ErrKindConnection, message, err)
}

// NewEvalError creates an expression evaluation error.
func NewEvalError(message string, err error) *Error {
	return NewError(ErrKindEval, message, err)
}

// NewModuleError creates a module invocation error.
func NewModuleError(message string, err error) *Error {
	return NewError(ErrKindModule, message, err)
}

// KindOf returns the classification of err, or an empty kind for errors that
// did not originate in the engine.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error may succeed on retry. Connection and
// module failures are retryable; eval and config failures are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindConnection, ErrKindModule:
		return true
	default:
		return false
	}
}

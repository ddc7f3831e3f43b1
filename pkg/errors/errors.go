// Package errors provides the tagged error taxonomy shared by every
// workflow-core component.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error surfaces components are allowed to
// return. Callers branch on Kind, never on message text.
type Kind string

const (
	// Validation errors are rejected before persistence and are never retried.
	Validation Kind = "validation"
	// Conflict covers mutex violations, illegal status transitions, and
	// optimistic concurrency mismatches. Surfaced to the caller.
	Conflict Kind = "conflict"
	// NotFound covers unknown definitions, instances, or engines.
	NotFound Kind = "not_found"
	// TransientStore covers database connectivity or serialization failures.
	// Retried by the caller of store ops, and by the engine's own
	// retry/backoff for node-level runs.
	TransientStore Kind = "transient_store"
	// ExecutorFailure wraps an executor returning success=false or an error.
	// Executor panics are not recovered. Subject to workflow-level retry up
	// to the instance's maxRetries.
	ExecutorFailure Kind = "executor_failure"
	// Fatal marks an invariant violation. The engine's retry/failure path
	// handles it like any other run error.
	Fatal Kind = "fatal"
)

// WorkflowError is the structured error type returned at every public
// component boundary (C1..C8). Internal helpers should wrap plain errors
// with %w and let the outermost entry point attach a Kind.
type WorkflowError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair of diagnostic context and returns the
// same error for chaining.
func (e *WorkflowError) WithDetail(key string, value any) *WorkflowError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a WorkflowError with no wrapped cause.
func New(kind Kind, message string) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message}
}

// Wrap creates a WorkflowError around an existing error.
func Wrap(kind Kind, message string, err error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is (or wraps) a WorkflowError of the given kind.
func Is(err error, kind Kind) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}

// As extracts a *WorkflowError from err's chain, if present.
func As(err error) (*WorkflowError, bool) {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// Convenience constructors mirroring the kinds enumerated in spec §7.

func ValidationError(message string) *WorkflowError { return New(Validation, message) }

func ConflictError(message string) *WorkflowError { return New(Conflict, message) }

func NotFoundError(resource, id string) *WorkflowError {
	return New(NotFound, fmt.Sprintf("%s not found", resource)).WithDetail("id", id)
}

func TransientStoreError(operation string, err error) *WorkflowError {
	return Wrap(TransientStore, fmt.Sprintf("store operation %q failed", operation), err).
		WithDetail("operation", operation)
}

func ExecutorFailureError(executorName string, err error) *WorkflowError {
	return Wrap(ExecutorFailure, fmt.Sprintf("executor %q failed", executorName), err).
		WithDetail("executor", executorName)
}

func FatalError(message string, err error) *WorkflowError {
	return Wrap(Fatal, message, err)
}

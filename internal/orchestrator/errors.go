package orchestrator

import "net/http"

// ValidationError reports a pipeline or parameter that violates a declared
// constraint, e.g. a missing required input.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string { return e.Path + ": " + e.Reason }

// StatusCode implements the api package's error-to-HTTP mapping.
func (e *ValidationError) StatusCode() int { return http.StatusUnprocessableEntity }

// ConflictError reports an illegal state transition: a claim on a
// non-pending job, a disallowed status transition, or a conflicting
// complete.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func (e *ConflictError) StatusCode() int { return http.StatusConflict }

// NotFoundError reports an unknown pipeline, job, or runner.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.ID }

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// TransientError signals a retryable network or store failure. Callers
// retry with bounded exponential backoff rather than surfacing it.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string { return e.Reason }

func (e *TransientError) StatusCode() int { return http.StatusServiceUnavailable }

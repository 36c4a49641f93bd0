package script

import (
	"fmt"
	"net/http"
)

// ValidationError reports that a pipeline script's structure, or one of its
// declared inputs, violates a closed-set constraint from spec §4.1.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// StatusCode implements the api package's error-to-HTTP mapping.
func (e *ValidationError) StatusCode() int { return http.StatusUnprocessableEntity }

// SandboxViolation records that a script, evaluated in the metadata
// sandbox, referenced a module name reserved for the execution sandbox
// (log, input, output, env, process, container). It always surfaces to
// callers wrapped as a *ValidationError, per spec §7.
type SandboxViolation struct {
	Module string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("module %q is not available in this sandbox", e.Module)
}

// AsValidationError converts a SandboxViolation into the ValidationError
// shape the rest of the system expects; other errors pass through.
func AsValidationError(path string, err error) error {
	if err == nil {
		return nil
	}
	if sv, ok := err.(*SandboxViolation); ok {
		return &ValidationError{Path: path, Reason: sv.Error()}
	}
	if ve, ok := err.(*ValidationError); ok {
		return ve
	}
	return &ValidationError{Path: path, Reason: err.Error()}
}

// StageError records a script-language error raised from within a stage's
// condition or body. It is terminal for the job.
type StageError struct {
	StageName string
	Message   string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.StageName, e.Message)
}

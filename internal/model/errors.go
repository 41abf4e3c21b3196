package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the dispatcher, orchestrator and HTTP layer.
var (
	// ErrDuplicateEvent marks a submission whose idempotency key already committed.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrLockContention marks a submission whose idempotency key is being processed elsewhere.
	ErrLockContention = errors.New("idempotency key in flight")
	// ErrLeaseLost marks an idempotency claim that was taken over after its
	// lease expired; the former owner must not produce side effects.
	ErrLeaseLost = errors.New("idempotency lease lost")
	// ErrClassificationFailure wraps any failure of the intent classifier.
	ErrClassificationFailure = errors.New("classification failed")
	// ErrWorkflowStepFailure wraps a step error that exhausted its retries.
	ErrWorkflowStepFailure = errors.New("workflow step failed")
	// ErrSignalConflict marks a late, duplicate or stale approval signal.
	ErrSignalConflict = errors.New("signal conflict")
	// ErrTimeout marks a workflow whose signal deadline elapsed.
	ErrTimeout = errors.New("signal deadline exceeded")

	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownWorkflow   = errors.New("unknown workflow type")
)

// ValidationError reports a malformed canonical event or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

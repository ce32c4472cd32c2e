package resilience

import (
	"errors"
	"fmt"
)

// Code classifies a scheduling failure. Codes are stable strings exposed to
// callers so the API layer and operators can react without string matching
// on messages.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNoFeasibleCandidate  Code = "NO_FEASIBLE_CANDIDATE"
	CodeInsufficientCapacity Code = "INSUFFICIENT_CAPACITY"
	CodeTimeout              Code = "TIMEOUT"
	CodeInvariantViolation   Code = "INTERNAL_INVARIANT_VIOLATION"
	CodeNotFound             Code = "NOT_FOUND"
)

// SchedulingError is the typed failure returned by the engine. Retryable
// tells the caller whether resubmitting the same request can succeed without
// relaxing constraints.
type SchedulingError struct {
	Code      Code
	Retryable bool
	Message   string
	Err       error
}

func (e *SchedulingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

func Validation(format string, args ...interface{}) *SchedulingError {
	return &SchedulingError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NoFeasibleCandidate(format string, args ...interface{}) *SchedulingError {
	return &SchedulingError{Code: CodeNoFeasibleCandidate, Message: fmt.Sprintf(format, args...)}
}

func InsufficientCapacity(format string, args ...interface{}) *SchedulingError {
	return &SchedulingError{Code: CodeInsufficientCapacity, Retryable: true, Message: fmt.Sprintf(format, args...)}
}

func Timeout(err error) *SchedulingError {
	return &SchedulingError{Code: CodeTimeout, Retryable: true, Message: "evaluation budget exceeded", Err: err}
}

func Invariant(format string, args ...interface{}) *SchedulingError {
	return &SchedulingError{Code: CodeInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) *SchedulingError {
	return &SchedulingError{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// CodeOf extracts the failure code from an error chain. Unknown errors map
// to INTERNAL_INVARIANT_VIOLATION so nothing fails silently.
func CodeOf(err error) Code {
	var se *SchedulingError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInvariantViolation
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	var se *SchedulingError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeNotResumable   = "NOT_RESUMABLE"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeInterpolation  = "INTERPOLATION_ERROR"
	ErrCodeRollback       = "ROLLBACK_FAILED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeCancelled      = "CANCELLED"
)

// TimeoutMarker is the text every per-attempt timeout error carries.
// Failover classifies failures by looking for it.
const TimeoutMarker = "timed out"

// FlowError is the structured error type used across the engine.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsTimeout reports whether err is a per-attempt timeout.
// Matching is on message text so errors raised by external executors count too.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return IsTimeoutMessage(err.Error())
}

// IsTimeoutMessage is IsTimeout for an already-rendered error string.
func IsTimeoutMessage(msg string) bool {
	return strings.Contains(msg, TimeoutMarker)
}

// IsRetryable reports whether another attempt could change the outcome.
// Validation, interpolation, cancellation and open-circuit errors are final.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeInterpolation, ErrCodeCancelled, ErrCodeCircuitOpen, ErrCodeNotFound:
		return false
	default:
		return true
	}
}

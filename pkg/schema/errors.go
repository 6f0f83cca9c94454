package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeParamNotFound   = "PARAM_NOT_FOUND"
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"
	ErrCodeNoDocumentFound = "NO_DOCUMENT_FOUND"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeStepFailed      = "STEP_FAILED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable    = "NON_RETRYABLE"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
)

// FlowError is the structured error type for all flowstep operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
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

// WithStep attaches a step name to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
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

// IsRetryable reports whether the substrate may retry the failed operation.
// Configuration errors, missing data, and explicit cancellation never are:
// retrying cannot fix a malformed payload.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeParamNotFound, ErrCodeUnknownProvider,
		ErrCodeNoDocumentFound, ErrCodeNonRetryable, ErrCodeCancelled,
		ErrCodeNotFound, ErrCodeConflict:
		return false
	}
	return true
}

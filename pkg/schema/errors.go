package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeSchemaValidation    = "SCHEMA_VALIDATION"
	ErrCodeTransientExecution  = "TRANSIENT_EXECUTION"
	ErrCodeClientExecution     = "CLIENT_EXECUTION"
	ErrCodeContractViolation   = "CONTRACT_VIOLATION"
	ErrCodeStateUpdate         = "STATE_UPDATE"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeDecision            = "DECISION_ERROR"
	ErrCodeStore               = "STORE_ERROR"
)

// MeshError is the structured error type for all contextmesh operations.
type MeshError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *MeshError) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("[%s] operation %s: %s", e.Code, e.OperationID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MeshError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error represents a transient condition
// that the invoker's retry policy may re-attempt.
func (e *MeshError) IsRetryable() bool {
	return e.Code == ErrCodeTransientExecution
}

// NewError creates a new MeshError.
func NewError(code, message string) *MeshError {
	return &MeshError{Code: code, Message: message}
}

// NewErrorf creates a new MeshError with a formatted message.
func NewErrorf(code, format string, args ...any) *MeshError {
	return &MeshError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithOperation attaches an operation ID to the error.
func (e *MeshError) WithOperation(operationID string) *MeshError {
	e.OperationID = operationID
	return e
}

// WithCause attaches an underlying cause.
func (e *MeshError) WithCause(err error) *MeshError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MeshError) WithDetails(details map[string]any) *MeshError {
	e.Details = details
	return e
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation and compilation error codes
const (
	ErrUnknownNodeType ErrorCode = "UNKNOWN_NODE_TYPE"
	ErrInvalidConfig   ErrorCode = "INVALID_CONFIG"
	ErrStructural      ErrorCode = "STRUCTURAL_ERROR"
)

// Execution error codes
const (
	ErrNoBranchMatched   ErrorCode = "NO_BRANCH_MATCHED"
	ErrNodeTimeout       ErrorCode = "NODE_TIMEOUT"
	ErrNodeExecution     ErrorCode = "NODE_EXECUTION_ERROR"
	ErrStepLimitExceeded ErrorCode = "STEP_LIMIT_EXCEEDED"
	ErrCheckpointIO      ErrorCode = "CHECKPOINT_IO_ERROR"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
)

// Transport and infrastructure error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
// NodeID names the offending workflow node where one exists, so callers
// (the visual editor in particular) can highlight the failing node.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	NodeID     string    `json:"node_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] node %q: %s: %v", e.Code, e.NodeID, e.Message, e.Cause)
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %q: %s", e.Code, e.NodeID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNodeID sets the offending node id.
func (e *Error) WithNodeID(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetNodeID extracts the offending node id from an error.
func GetNodeID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.NodeID
	}
	return ""
}

// AsError converts any error into a structured *Error, wrapping foreign
// errors under the given fallback code.
func AsError(err error, fallback ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Message: err.Error(), Cause: err}
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Leadflow engine errors.
type ErrorCode string

// Workflow error codes
const (
	WORKFLOW_VALIDATION_FAILED ErrorCode = "WORKFLOW_VALIDATION_FAILED"
	WORKFLOW_EXECUTION_FAILED  ErrorCode = "WORKFLOW_EXECUTION_FAILED"
	WORKFLOW_NOT_FOUND         ErrorCode = "WORKFLOW_NOT_FOUND"
	WORKFLOW_CYCLE_DETECTED    ErrorCode = "WORKFLOW_CYCLE_DETECTED"
)

// Step error codes
const (
	STEP_TYPE_UNKNOWN     ErrorCode = "STEP_TYPE_UNKNOWN"
	STEP_CONFIG_INVALID   ErrorCode = "STEP_CONFIG_INVALID"
	STEP_EXECUTION_FAILED ErrorCode = "STEP_EXECUTION_FAILED"
)

// Tool error codes
const (
	TOOL_TYPE_UNKNOWN       ErrorCode = "TOOL_TYPE_UNKNOWN"
	TOOL_ALREADY_EXISTS     ErrorCode = "TOOL_ALREADY_EXISTS"
	TOOL_CONFIG_INVALID     ErrorCode = "TOOL_CONFIG_INVALID"
	TOOL_EXECUTION_FAILED   ErrorCode = "TOOL_EXECUTION_FAILED"
	TOOL_TEMPLATE_NOT_FOUND ErrorCode = "TOOL_TEMPLATE_NOT_FOUND"
)

// Security error codes
const (
	URL_BLOCKED        ErrorCode = "URL_BLOCKED"
	CONDITION_REJECTED ErrorCode = "CONDITION_REJECTED"
)

// Storage and queue error codes
const (
	STORE_QUERY_FAILED   ErrorCode = "STORE_QUERY_FAILED"
	STORE_NOT_FOUND      ErrorCode = "STORE_NOT_FOUND"
	QUEUE_ITEM_NOT_FOUND ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	QUEUE_CANCEL_REFUSED ErrorCode = "QUEUE_CANCEL_REFUSED"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// LeadflowError represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints: the scheduler and step runner
// inspect Retryable to decide between backoff-and-retry and immediate failure.
type LeadflowError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *LeadflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *LeadflowError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
func (e *LeadflowError) Is(target error) bool {
	var lfErr *LeadflowError
	if errors.As(target, &lfErr) {
		return e.Code == lfErr.Code
	}
	return false
}

// NewError creates a new non-retryable LeadflowError with the given code and message.
func NewError(code ErrorCode, message string) *LeadflowError {
	return &LeadflowError{
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewRetryableError creates a new retryable LeadflowError with the given code and message.
// Use this for transient failures that may succeed on retry (network timeouts,
// upstream 5xx responses).
func NewRetryableError(code ErrorCode, message string) *LeadflowError {
	return &LeadflowError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable LeadflowError that wraps an existing error.
func WrapError(code ErrorCode, message string, cause error) *LeadflowError {
	return &LeadflowError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a new retryable LeadflowError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *LeadflowError {
	return &LeadflowError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err (or any error in its chain) is a LeadflowError
// marked retryable. Errors outside the LeadflowError taxonomy are treated as
// retryable: unknown failures are assumed transient so a run gets its bounded
// retries rather than being dropped on first contact.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var lfErr *LeadflowError
	if errors.As(err, &lfErr) {
		return lfErr.Retryable
	}
	return true
}

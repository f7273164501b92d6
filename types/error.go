package types

import "fmt"

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Admission error codes
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrAuthentication  ErrorCode = "AUTHENTICATION"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrPolicyViolation ErrorCode = "POLICY_VIOLATION"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrOverloaded      ErrorCode = "OVERLOADED"
	ErrMissingContext  ErrorCode = "MISSING_CONTEXT"
)

// Routing / upstream error codes
const (
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrNoNodeOnline        ErrorCode = "NO_NODE_ONLINE"
	ErrKernelNotFound      ErrorCode = "KERNEL_NOT_FOUND"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Federation error codes
const (
	ErrSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	ErrSigningDisabled  ErrorCode = "SIGNING_DISABLED"
	ErrMalformedUpdate  ErrorCode = "MALFORMED_UPDATE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	RuleID     string    `json:"rule_id,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
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

// WithRuleID attaches the content-policy rule that produced the error.
func (e *Error) WithRuleID(id string) *Error {
	e.RuleID = id
	return e
}

// WithRetryAfter sets the Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

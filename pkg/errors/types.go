package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeAdmission indicates a rate limit or capacity rejection
	ErrorTypeAdmission ErrorType = iota
	// ErrorTypeProtocol indicates a malformed or unexpected frame
	ErrorTypeProtocol
	// ErrorTypeUnauthorized indicates failed handshake credentials
	ErrorTypeUnauthorized
	// ErrorTypeBackpressure indicates a slow consumer was evicted
	ErrorTypeBackpressure
	// ErrorTypeTransport indicates a read or write failure on the socket
	ErrorTypeTransport
	// ErrorTypeValidation indicates invalid operator input
	ErrorTypeValidation
	// ErrorTypeNotFound indicates a not found error
	ErrorTypeNotFound
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
)

// Error represents a structured error with metadata
type Error struct {
	Type       ErrorType     `json:"type"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause      error         `json:"-"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// WithRetryAfter attaches a wait hint for admission rejections
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Codes shared by the websocket layer and the operator API.
const (
	CodeRateLimited     = "RATE_LIMITED"
	CodeCapacity        = "CAPACITY_EXCEEDED"
	CodeMessageTooLarge = "MESSAGE_TOO_LARGE"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnknownType     = "UNKNOWN_MESSAGE_TYPE"
	CodeMissingField    = "MISSING_FIELD"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeAuthTimeout     = "AUTH_TIMEOUT"
	CodeForbiddenTopic  = "FORBIDDEN_TOPIC"
	CodeSubscriptionCap = "SUBSCRIPTION_LIMIT"
	CodeOutboxFull      = "OUTBOX_FULL"
	CodeTransport       = "TRANSPORT_ERROR"
	CodeMarshal         = "MARSHAL_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidRequest  = "INVALID_REQUEST"
)

// As returns err as *Error when one is in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTaskNotFound   ErrorCode = "TASK_NOT_FOUND"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
)

// Generation error codes
const (
	ErrUnsupportedModel    ErrorCode = "UNSUPPORTED_MODEL"
	ErrCatalogUnavailable  ErrorCode = "CATALOG_UNAVAILABLE"
	ErrNoJobIDReturned     ErrorCode = "NO_JOB_ID_RETURNED"
	ErrProviderRejected    ErrorCode = "PROVIDER_REJECTED"
	ErrPollTransient       ErrorCode = "POLL_TRANSIENT"
	ErrDegraded            ErrorCode = "DEGRADED"
	ErrInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrPromptBlocked       ErrorCode = "PROMPT_BLOCKED"
	ErrUnknownProvider     ErrorCode = "UNKNOWN_PROVIDER"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
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
// HTTP status and retryability are pre-filled from the code defaults.
func NewError(code ErrorCode, message string) *Error {
	d := defaultsFor(code)
	return &Error{Code: code, Message: message, HTTPStatus: d.status, Retryable: d.retryable}
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

type codeDefaults struct {
	status    int
	retryable bool
}

var errorDefaults = map[ErrorCode]codeDefaults{
	ErrInvalidRequest:      {http.StatusBadRequest, false},
	ErrUnauthorized:        {http.StatusUnauthorized, false},
	ErrForbidden:           {http.StatusForbidden, false},
	ErrRateLimited:         {http.StatusTooManyRequests, true},
	ErrTaskNotFound:        {http.StatusNotFound, false},
	ErrInternalError:       {http.StatusInternalServerError, false},
	ErrUnavailable:         {http.StatusServiceUnavailable, true},
	ErrUnsupportedModel:    {http.StatusBadRequest, false},
	ErrCatalogUnavailable:  {http.StatusServiceUnavailable, true},
	ErrNoJobIDReturned:     {http.StatusBadGateway, false},
	ErrProviderRejected:    {http.StatusBadGateway, false},
	ErrPollTransient:       {http.StatusServiceUnavailable, true},
	ErrDegraded:            {http.StatusGatewayTimeout, true},
	ErrInsufficientBalance: {http.StatusPaymentRequired, false},
	ErrPromptBlocked:       {http.StatusForbidden, false},
	ErrUnknownProvider:     {http.StatusBadRequest, false},
}

func defaultsFor(code ErrorCode) codeDefaults {
	if d, ok := errorDefaults[code]; ok {
		return d
	}
	return codeDefaults{status: http.StatusInternalServerError}
}

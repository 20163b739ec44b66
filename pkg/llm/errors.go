package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes provider errors for retry decisions.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content errors.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether errors of this type are worth retrying.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// Error is a classified provider error.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error without a cause.
func NewError(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// WrapError creates a classified error wrapping a cause.
func WrapError(t ErrorType, cause error, msg string) *Error {
	return &Error{Type: t, Message: msg, Cause: cause}
}

// TypeOf extracts the error type, defaulting to unknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// Classify maps an arbitrary provider error to a classified Error. The
// SDKs embed HTTP status codes in their error strings, so classification
// falls back to substring matching when no structured type is available.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(ErrorTypeTransient, err, "request canceled")
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "429") || strings.Contains(s, "rate") || strings.Contains(s, "quota"):
		return WrapError(ErrorTypeRateLimit, err, "rate limit exceeded")
	case strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "api key"):
		return WrapError(ErrorTypeAuth, err, "authentication failed")
	case strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") ||
		strings.Contains(s, "overloaded"):
		return WrapError(ErrorTypeTransient, err, "server error")
	case strings.Contains(s, "timeout") || strings.Contains(s, "connection") ||
		strings.Contains(s, "network") || strings.Contains(s, "eof") ||
		strings.Contains(s, "reset"):
		return WrapError(ErrorTypeTransient, err, "network error")
	case strings.Contains(s, "400") || strings.Contains(s, "invalid") ||
		strings.Contains(s, "too large") || strings.Contains(s, "malformed"):
		return WrapError(ErrorTypeBadPrompt, err, "bad request")
	default:
		return WrapError(ErrorTypeUnknown, err, "unclassified error")
	}
}

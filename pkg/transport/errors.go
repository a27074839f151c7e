package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorType classifies transport errors for routing and retry decisions.
type ErrorType string

const (
	// ErrorTypeConnection indicates connection refused/reset errors.
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeDNS indicates name resolution failures.
	ErrorTypeDNS ErrorType = "dns"

	// ErrorTypeTimeout indicates request timeout or deadline exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeAuth indicates authentication failure (401, 403).
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeRateLimit indicates rate limiting (429 Too Many Requests).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates server errors (5xx).
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeClient indicates client errors (4xx, non-retryable).
	ErrorTypeClient ErrorType = "client"

	// ErrorTypeInvalidReq indicates request validation errors (bad method, URL).
	ErrorTypeInvalidReq ErrorType = "invalid_request"

	// ErrorTypeCancelled indicates the context was cancelled.
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeCircuitOpen indicates a short-circuited attempt against an
	// endpoint whose circuit breaker is open. No wire call was made.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	// ErrorTypeCapacity indicates a bounded store refused an insertion.
	ErrorTypeCapacity ErrorType = "capacity"

	// ErrorTypeUnknown is the fallback for errors Classify cannot place.
	ErrorTypeUnknown ErrorType = "unknown"
)

// TransportError is the single normalized error shape the resilience core
// inspects. All transport implementations return *TransportError for failures
// so retry and circuit logic never duck-type heterogeneous error values.
type TransportError struct {
	// Type classifies the error for routing and retry decisions.
	Type ErrorType

	// StatusCode is the HTTP status code if applicable.
	// Zero for non-HTTP errors (connection, timeout, etc.).
	StatusCode int

	// Message is a user-facing error message with credentials redacted.
	Message string

	// RequestID is the request ID from the service, if any.
	RequestID string

	// Retryable indicates whether the error is worth retrying.
	Retryable bool

	// Cause is the underlying error. May contain sensitive data; use
	// Message for user-facing output.
	Cause error

	// Metadata contains service-specific debugging details.
	Metadata map[string]interface{}
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error should be retried.
func (e *TransportError) IsRetryable() bool {
	return e.Retryable
}

// IsType returns true if the error is of the given type.
func (e *TransportError) IsType(t ErrorType) bool {
	return e.Type == t
}

// IsNetwork returns true for transient network error classes: connection
// refused/reset, DNS failure, timeout.
func (e *TransportError) IsNetwork() bool {
	switch e.Type {
	case ErrorTypeConnection, ErrorTypeDNS, ErrorTypeTimeout:
		return true
	}
	return false
}

// FromStatus builds a TransportError from an HTTP status code.
// Status classes map to error types; 408, 429, and 5xx are marked retryable.
func FromStatus(statusCode int, message string) *TransportError {
	e := &TransportError{StatusCode: statusCode, Message: message}
	switch {
	case statusCode == 401 || statusCode == 403:
		e.Type = ErrorTypeAuth
	case statusCode == 429:
		e.Type = ErrorTypeRateLimit
		e.Retryable = true
	case statusCode == 408:
		e.Type = ErrorTypeTimeout
		e.Retryable = true
	case statusCode >= 500:
		e.Type = ErrorTypeServer
		e.Retryable = true
	default:
		e.Type = ErrorTypeClient
	}
	return e
}

// Classify folds an arbitrary error into the normalized shape. Errors that
// are already *TransportError pass through unchanged.
func Classify(err error) *TransportError {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{
			Type:    ErrorTypeCancelled,
			Message: "request cancelled",
			Cause:   err,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{
			Type:      ErrorTypeDNS,
			Message:   "name resolution failed",
			Retryable: true,
			Cause:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{
			Type:      ErrorTypeTimeout,
			Message:   "request timed out",
			Retryable: true,
			Cause:     err,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		inner := Classify(urlErr.Err)
		inner.Cause = err
		return inner
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{
			Type:      ErrorTypeConnection,
			Message:   "connection failed",
			Retryable: true,
			Cause:     err,
		}
	}

	// Fall back to message inspection for errors that lost their type
	// through fmt.Errorf wrapping.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return &TransportError{Type: ErrorTypeConnection, Message: "connection failed", Retryable: true, Cause: err}
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "name resolution"):
		return &TransportError{Type: ErrorTypeDNS, Message: "name resolution failed", Retryable: true, Cause: err}
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return &TransportError{Type: ErrorTypeTimeout, Message: "request timed out", Retryable: true, Cause: err}
	}

	return &TransportError{
		Type:    ErrorTypeUnknown,
		Message: err.Error(),
		Cause:   err,
	}
}

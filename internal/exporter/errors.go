package exporter

import (
	"context"
	"fmt"
	"net"
)

// ErrorType represents a category of delivery error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// DeliveryError is a structured error returned from delivery attempts.
// It carries the error type and HTTP status code so the schedulers can make
// retry decisions without string matching.
type DeliveryError struct {
	// Err is the underlying error (nil for non-2xx responses).
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for transport errors).
	StatusCode int
	// Message is the response body or error detail from the collector.
	Message string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("delivery error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable returns true if the error is transient and the same batch may
// succeed on a later attempt (server errors, network issues, timeouts, rate
// limits).
func (e *DeliveryError) Retryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// classifyStatusCode categorizes an HTTP status code into an error type.
func classifyStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// classifyError categorizes a transport error into a low-cardinality error type.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return err == context.DeadlineExceeded
}

// isNetworkError checks if the error is a network error.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && !netErr.Timeout() {
		return true
	}
	if _, ok := err.(*net.DNSError); ok {
		return true
	}
	if _, ok := err.(*net.OpError); ok {
		return true
	}
	return false
}

package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for retry and surfacing decisions.
type ErrorKind string

const (
	// KindUnavailable covers transport-level failures: refused connections,
	// DNS errors, broken pipes. Always retryable against another backend.
	KindUnavailable ErrorKind = "unavailable"

	// KindProvider is a non-2xx response from the remote. Retryable only for
	// 5xx statuses.
	KindProvider ErrorKind = "provider_error"

	// KindDecode is a malformed response body. Never retryable.
	KindDecode ErrorKind = "decode_error"
)

// Error is the structured failure returned by adapters.
type Error struct {
	Backend string
	Kind    ErrorKind
	Status  int // HTTP status for KindProvider, 0 otherwise
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: %s (status=%d)", e.Backend, e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder. Unavailable and decode failures map to
// 502 from the caller's perspective.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	return 502
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Unavailable wraps a transport error.
func Unavailable(backendID string, err error) *Error {
	return &Error{Backend: backendID, Kind: KindUnavailable, Message: err.Error(), Err: err}
}

// ProviderError wraps a non-2xx remote response.
func ProviderError(backendID string, status int, message string) *Error {
	return &Error{Backend: backendID, Kind: KindProvider, Status: status, Message: message}
}

// DecodeError wraps a malformed-response failure.
func DecodeError(backendID string, err error) *Error {
	return &Error{Backend: backendID, Kind: KindDecode, Message: err.Error(), Err: err}
}

// IsRetryable reports whether a failed attempt should trigger fallback to
// another backend.
//
//   - transport failures and 5xx provider errors → retryable
//   - context.DeadlineExceeded → retryable (another backend may be faster)
//   - 4xx provider errors and decode errors → not retryable
//   - unknown errors → retryable (conservative default)
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		switch be.Kind {
		case KindUnavailable:
			return true
		case KindDecode:
			return false
		case KindProvider:
			return be.Status >= 500 && be.Status < 600
		}
	}
	if sc, ok := err.(StatusCoder); ok {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// ClassifyError converts an error into a short category string used in log
// fields and metrics labels.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Status > 0 {
			return fmt.Sprintf("http_%d", be.Status)
		}
		return string(be.Kind)
	}
	return "unknown"
}

// Package apierr is the gateway's error taxonomy. Every failure that reaches
// the HTTP boundary is an *Error whose Kind decides the status code and the
// OpenAI-style error type.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	RateLimited        Kind = "rate_limited"
	ModelNotFound      Kind = "model_not_found"
	InvalidRequest     Kind = "invalid_request"
	BackendUnavailable Kind = "backend_unavailable"
	BackendError       Kind = "backend_error"
	Cancelled          Kind = "cancelled"
	InternalFault      Kind = "internal_fault"
)

// StatusClientClosedRequest is the nginx convention for a client that went away
const StatusClientClosedRequest = 499

// Error is a classified gateway error
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error kind onto an HTTP status code
func (e *Error) Status() int {
	switch e.Kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case ModelNotFound:
		return http.StatusNotFound
	case InvalidRequest:
		return http.StatusBadRequest
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	case BackendError:
		return http.StatusBadGateway
	case Cancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Type is the OpenAI-compatible error.type string
func (e *Error) Type() string {
	switch e.Kind {
	case Unauthorized:
		return "authentication_error"
	case RateLimited:
		return "rate_limit_error"
	case ModelNotFound, InvalidRequest:
		return "invalid_request_error"
	case BackendUnavailable:
		return "backend_unavailable_error"
	case BackendError:
		return "backend_error"
	case Cancelled:
		return "request_cancelled"
	default:
		return "server_error"
	}
}

// Expected reports whether the failure is a routine outcome rather than a fault
func (e *Error) Expected() bool {
	return e.Kind != InternalFault
}

// New creates an error of the given kind
func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, code string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// From classifies any error. Context errors become Cancelled or
// BackendUnavailable; anything unrecognised is an InternalFault.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.Canceled) {
		return Wrap(Cancelled, "request_cancelled", err, "request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(BackendUnavailable, "backend_timeout", err, "backend did not respond in time")
	}

	return Wrap(InternalFault, "internal_error", err, "internal server error")
}

// KindOf returns the classified kind of err
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

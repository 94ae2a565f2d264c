// Package gatewayerr defines the gateway's error taxonomy and maps transport
// failures observed while probing or proxying to client-facing status codes.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindCircuitOpen         Kind = "circuit_open"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindInternal            Kind = "internal"
)

// Error is a classified gateway error. RetryAfter is only set for
// unavailability errors.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Status     int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindNotFound})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// StatusCode returns the HTTP status the error maps to.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindServiceUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusRequestTimeout
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FieldErrors returns the per-field validation messages, if any.
func (e *Error) FieldErrors() map[string]string {
	var verrs validation.Errors
	if !errors.As(e.Err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for field, err := range verrs {
		out[field] = err.Error()
	}
	return out
}

func Validation(err error) *Error {
	return &Error{Kind: KindValidation, Message: "invalid registration", Err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: message, RetryAfter: retryAfter}
}

func CircuitOpen(service string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker is OPEN for %s", service),
		RetryAfter: retryAfter,
	}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal gateway error", Err: err}
}

// Upstream wraps a proxy transport failure with the status its failure kind maps to.
func Upstream(service string, err error) *Error {
	failure := Classify(err)
	kind := KindUpstreamUnreachable
	if failure == FailureTimeout {
		kind = KindUpstreamTimeout
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf("upstream %s failed: %s", service, failure),
		Status:  failure.StatusCode(),
		Err:     err,
	}
}

// KindOf reports the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindInternal
}

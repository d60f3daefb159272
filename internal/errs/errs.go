// Package errs defines the failure taxonomy shared by the download pipeline
// and the HTTP surface that reports it.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure so callers can pick a status code and decide
// whether a retry makes sense.
type Kind string

const (
	InvalidLocator         Kind = "InvalidLocator"
	InvalidParameter       Kind = "InvalidParameter"
	NoMatchingRendition    Kind = "NoMatchingRendition"
	ContentUnavailable     Kind = "ContentUnavailable"
	RateLimited            Kind = "RateLimited"
	Overloaded             Kind = "Overloaded"
	ResolutionTimeout      Kind = "ResolutionTimeout"
	StreamingStalled       Kind = "StreamingStalled"
	TranscodeError         Kind = "TranscodeError"
	ScratchAllocationError Kind = "ScratchAllocationError"
	InternalError          Kind = "InternalError"
)

// Error carries a Kind alongside the human readable message that is safe to
// return to clients. Err holds the underlying cause for logs.
type Error struct {
	Kind       Kind
	Message    string
	Field      string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Invalid reports a parameter problem naming the offending field.
func Invalid(field, message string) *Error {
	return &Error{Kind: InvalidParameter, Field: field, Message: message}
}

func Limited(retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// KindOf reports the Kind of the first *Error in err's chain. Errors without
// one are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return InternalError
}

// As returns the first *Error in err's chain, wrapping unknown errors as
// InternalError.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	return &Error{Kind: InternalError, Message: "internal error", Err: err}
}

// HTTPStatus maps a Kind onto the status code returned to callers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidLocator, InvalidParameter, NoMatchingRendition:
		return http.StatusBadRequest
	case ContentUnavailable:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case Overloaded:
		return http.StatusServiceUnavailable
	case ResolutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

package flare

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an engine failure. Each kind maps to one HTTP status.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindPayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is the only error type returned across the engine boundary for
// expected failures. Anything else is an internal error.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func errValidation(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

func errUnauthorized(format string, args ...any) error {
	return newError(KindUnauthorized, format, args...)
}

func errForbidden(format string, args ...any) error {
	return newError(KindForbidden, format, args...)
}

func errNotFound(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func errConflict(format string, args ...any) error {
	return newError(KindConflict, format, args...)
}

func errTooLarge(format string, args ...any) error {
	return newError(KindPayloadTooLarge, format, args...)
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	return KindOf(err).Status()
}

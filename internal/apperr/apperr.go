// Package apperr is the control plane's error taxonomy: a small typed set
// of kinds, translated to an HTTP status at the gateway boundary. Mirrors
// the teacher's rpcError/ErrCode table, generalized from JSON-RPC codes to
// REST status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is one of the abstract error categories from the error handling
// design: validation, unauthenticated, forbidden, not_found, conflict,
// locked, rate_limited, unavailable, internal.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindLocked         Kind = "locked"
	KindRateLimited    Kind = "rate_limited"
	KindUnavailable    Kind = "unavailable"
	KindInternal       Kind = "internal"
)

// Error is a typed application error carrying a Kind for status mapping
// and an optional wrapped cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus maps a Kind to its REST status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindLocked:
		return http.StatusLocked
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it reports KindInternal, so an un-annotated error
// never leaks a 200 or crashes the response writer.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Package fault defines the error taxonomy shared by the Verbatim server
// components and the request-handling boundaries that map component failures
// to user-facing responses.
//
// Internal buffering and frame-scanning code never returns errors for empty
// or partial input — those paths use sentinel "not ready" results instead.
// The errors here describe failures that must reach a caller: bad input,
// unknown sessions, invalid state transitions, and engine process trouble.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary mapping.
type Kind int

const (
	// KindValidation marks a missing or malformed required field.
	// User-correctable; maps to 400.
	KindValidation Kind = iota

	// KindNotFound marks a reference to an unknown session. Maps to 404.
	KindNotFound

	// KindState marks an operation that is invalid for the current session
	// status, such as processing audio on a paused session. Maps to 400.
	KindState

	// KindProcess marks an engine spawn, crash, or write failure. Maps to
	// 500; the transcriber may auto-restart on the next call.
	KindProcess

	// KindProtocol marks a malformed frame from the engine. Logged and
	// discarded where it occurs; surfaced only when a caller was waiting on
	// the corrupt response.
	KindProtocol

	// KindInternal marks an unexpected failure. Maps to 500.
	KindInternal
)

// String returns the lowercase taxonomy name for k.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindProcess:
		return "process"
	case KindProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around cause. Returns nil if cause is nil.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the taxonomy kind from err. Unclassified errors report
// KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the HTTP status code its kind prescribes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindState:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

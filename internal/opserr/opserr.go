// Package opserr defines the error kinds shared across the control
// plane, per the propagation policy: validation errors surface as
// HTTP 400, not-found as 404, backpressure as 503, auth failures as
// 401, transport/timeout/protocol errors close the session, and config
// errors are fatal at startup.
package opserr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the recognized error categories an error
// belongs to, so HTTP handlers and session loops can branch on it
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocol
	KindAuth
	KindValidation
	KindNotFound
	KindBackpressure
	KindTimeout
	KindTransport
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindAuth:
		return "auth_error"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindBackpressure:
		return "backpressure"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport_error"
	case KindConfig:
		return "config_error"
	default:
		return "unknown_error"
	}
}

// Error wraps an underlying cause with a Kind so callers can recover
// the category via errors.As without inspecting message text.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind with a reason string visible
// to both logs and, for validation/not-found/backpressure kinds, the
// HTTP caller. No reason string may ever contain the shared HMAC
// secret or bearer token.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap creates an *Error of the given kind around an existing error.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err (or a wrapped error in its chain) is an
// *Error of the given kind.
func Is(err error, kind Kind) bool {
	var opsErr *Error
	return errors.As(err, &opsErr) && opsErr.Kind == kind
}

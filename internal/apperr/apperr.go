// Package apperr tags errors with a coarse kind so the connection
// boundary can map internal failures to client-visible acknowledgements
// without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindValidation marks malformed or oversized input.
	KindValidation Kind = iota
	// KindNotFound marks a missing or soft-deleted record.
	KindNotFound
	// KindUnauthorized marks a failed password, membership, or token check.
	KindUnauthorized
	// KindTransient marks a durable-store timeout or outage; callers may retry.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or KindTransient for untagged errors:
// an unknown failure at the boundary is treated as retryable rather than
// leaked to the client verbatim.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Message returns the client-safe message for err. Untagged errors
// collapse to a generic string so internal details never cross the
// connection boundary.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

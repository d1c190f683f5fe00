package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies tracker failures for callers.
type Kind string

const (
	KindNotFound     Kind = "NotFound"
	KindForbidden    Kind = "Forbidden"
	KindConflict     Kind = "Conflict"
	KindInvalidInput Kind = "InvalidInput"
	KindOutOfRange   Kind = "OutOfRange"
	KindGone         Kind = "Gone"
	KindRouteData    Kind = "RouteData"
)

// Error is a classified failure. TripID is set for Conflict errors to the
// driver's existing active trip, and otherwise to the trip operated on.
type Error struct {
	Kind    Kind
	Message string
	TripID  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

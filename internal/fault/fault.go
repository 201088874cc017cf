// Package fault defines the typed error taxonomy shared by the command
// surface, the round engine and the recovery engine. Every rejected
// command carries a kind the API layer can map to a status code, and a
// reason string distinguishable by kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation marks malformed or missing payloads, rejected before
	// they reach the state machine.
	KindValidation Kind = "validation"
	// KindPrecondition marks a command issued in the wrong phase or status;
	// the caller gets a rejection and no state mutates.
	KindPrecondition Kind = "precondition"
	// KindDeadline marks a decision submitted after the deadline elapsed.
	KindDeadline Kind = "deadline"
	// KindPermission marks a non-moderator attempting a moderator action.
	KindPermission Kind = "permission"
	// KindAnomaly marks a stalled/corrupted round routed to recovery.
	KindAnomaly Kind = "anomaly"
	// KindPersistence marks a store failure; fatal for the in-flight
	// operation, never partially committed.
	KindPersistence Kind = "persistence"
	// KindNotFound marks a missing session or row.
	KindNotFound Kind = "not_found"
)

// Error is a kinded error.
type Error struct {
	Knd    Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Knd, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Knd, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Knd: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Knd: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindPersistence for untyped errors
// (a plain error out of the store layer is a persistence failure by
// definition here).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Knd
	}
	return KindPersistence
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

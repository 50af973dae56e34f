// Package orcherr defines the error taxonomy shared by every orchestration
// core component: Validation, NotFound, Conflict, Constraint, External,
// and Timeout. Components wrap underlying failures with these kinds so
// callers can branch on Is/As without string-matching messages: one Kind
// value and one IsX helper per condition rather than ad hoc string errors.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an *Error.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Constraint Kind = "constraint"
	External   Kind = "external"
	Timeout    Kind = "timeout"
)

// Error is the concrete error type surfaced by the core. Op names the
// failing operation (e.g. "idgen.Generate", "assignment.CompleteTask");
// Kind classifies it; Err, if present, is the wrapped cause.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, msg string, err error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

func IsValidation(err error) bool { return Is(err, Validation) }
func IsNotFound(err error) bool   { return Is(err, NotFound) }
func IsConflict(err error) bool   { return Is(err, Conflict) }
func IsConstraint(err error) bool { return Is(err, Constraint) }
func IsExternal(err error) bool   { return Is(err, External) }
func IsTimeout(err error) bool    { return Is(err, Timeout) }

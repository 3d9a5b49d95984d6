package library

import (
	"errors"
	"fmt"
)

// Error kinds. Compare with errors.Is; every *Error carries exactly one of these as its Kind.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrOutOfStock      = errors.New("out of stock")
	ErrAlreadyBorrowed = errors.New("already borrowed")
	ErrAuthorization   = errors.New("not authorized")
	ErrAuthentication  = errors.New("not authenticated")
)

// ErrSessionExpired is the Cause of an AuthenticationError raised because the
// session outlived its TTL, as opposed to being revoked or malformed.
var ErrSessionExpired = errors.New("session expired")

// Error is a domain failure with enough detail for a boundary to render it.
type Error struct {
	Kind   error
	Entity string // "book", "user", "borrowing", "session"
	ID     int64
	Field  string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	var s string
	switch {
	case e.Entity != "" && e.ID != 0:
		s = fmt.Sprintf("%s %d: %v", e.Entity, e.ID, e.Kind)
	case e.Entity != "":
		s = fmt.Sprintf("%s: %v", e.Entity, e.Kind)
	default:
		s = e.Kind.Error()
	}
	if e.Field != "" {
		s += " (" + e.Field + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func validationErr(entity, field, msg string) *Error {
	return &Error{Kind: ErrValidation, Entity: entity, Field: field, Msg: msg}
}

func notFoundErr(entity string, id int64) *Error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: id}
}

func conflictErr(entity, field, msg string) *Error {
	return &Error{Kind: ErrConflict, Entity: entity, Field: field, Msg: msg}
}

func authenticationErr(msg string) *Error {
	return &Error{Kind: ErrAuthentication, Entity: "session", Msg: msg}
}

func sessionExpiredErr() *Error {
	return &Error{Kind: ErrAuthentication, Entity: "session", Msg: ErrSessionExpired.Error(), Cause: ErrSessionExpired}
}

// KindOf returns the sentinel kind of err, or nil for errors outside the taxonomy.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrNotFound, ErrConflict, ErrOutOfStock,
		ErrAlreadyBorrowed, ErrAuthorization, ErrAuthentication,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

package repositories

import (
	"errors"
	"fmt"
)

// Error is the RepositoryError used by the in-memory implementations.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFound builds a not-found error.
func NewNotFound(op, msg string) *Error {
	return &Error{Op: op, Err: errors.New(msg), NotFound: true}
}

// NewConflict builds a conflict error.
func NewConflict(op, msg string) *Error {
	return &Error{Op: op, Err: errors.New(msg), Conflict: true}
}

// IsNotFound reports whether err carries not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries conflict semantics.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries unavailable semantics.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// ErrInvalidReservation rejects sequence reservations without a name or a positive size.
var ErrInvalidReservation = errors.New("sequence: name and positive size are required")

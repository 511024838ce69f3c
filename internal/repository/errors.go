package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrUnavailable indicates the backing store could not serve the request.
var ErrUnavailable = errors.New("repository: store unavailable")

// UnavailableError wraps an infrastructure failure from a backend.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match any UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable wraps err as an UnavailableError unless it is nil or ErrNotFound.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var already *UnavailableError
	if errors.As(err, &already) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

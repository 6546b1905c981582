package store

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is matched by every infrastructure failure of a store.
// Callers must surface it as an operational error rather than drop the reminder.
var ErrStoreUnavailable = errors.New("store unavailable")

// UnavailableError records the store operation that failed and the underlying cause.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports ErrStoreUnavailable as a match so callers need not know the concrete type.
func (e *UnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

package accrual

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the principal has never logged in.
	ErrNotFound = errors.New("accrual: no session for principal")

	// ErrStorageUnavailable wraps every transient persistence failure.
	ErrStorageUnavailable = errors.New("accrual: storage unavailable")

	// ErrInvalidDayKey is returned for day filters not in YYYY-MM-DD form.
	ErrInvalidDayKey = errors.New("accrual: invalid day key")

	ErrInvalidPrincipal = errors.New("accrual: empty principal id")

	// ErrCorruptSession is returned when a stored record has only one of
	// started_at and checkpoint set.
	ErrCorruptSession = errors.New("accrual: corrupt session record")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

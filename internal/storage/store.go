package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrVersionConflict is returned by Commit when the stored session version
// does not match the version the caller read.
var ErrVersionConflict = errors.New("storage: session version conflict")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Accrual() AccrualStore
}

// AccrualStore persists per-principal session state and the per-day ledger.
type AccrualStore interface {
	// GetSession returns ErrNotFound when the principal has never logged in.
	GetSession(ctx context.Context, principalID string) (*SessionRecord, error)
	ListOpenSessions(ctx context.Context) ([]SessionRecord, error)

	// Commit replaces the principal's session record and applies every ledger
	// increment in one atomic step. The stored version must equal
	// expectedVersion (0 means no record may exist yet), otherwise
	// ErrVersionConflict is returned and nothing is written. The record is
	// stored with Version = expectedVersion+1. An increment of zero seconds
	// only ensures the entry exists.
	Commit(ctx context.Context, expectedVersion int64, session SessionRecord, increments []LedgerIncrement) error

	// Snapshot reads the session record and one ledger entry atomically.
	// Missing records are returned as nil without error.
	Snapshot(ctx context.Context, principalID, day string) (DaySnapshot, error)

	GetLedgerEntry(ctx context.Context, principalID, day string) (*LedgerEntry, error)
	// History lists a principal's ledger entries, most recent day first.
	History(ctx context.Context, principalID string, limit int) ([]LedgerEntry, error)
	ListDay(ctx context.Context, day string) ([]LedgerEntry, error)
	// DeleteDaysBefore removes ledger entries for days strictly before cutoffDay.
	DeleteDaysBefore(ctx context.Context, cutoffDay string) (int, error)
}

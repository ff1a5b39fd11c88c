package storage

import (
	"fmt"
	"strconv"
	"time"
)

// DayLayout is the calendar-day key format used throughout storage.
const DayLayout = "2006-01-02"

// SessionRecord is the persisted per-principal session state.
// StartedAt and Checkpoint are either both set (open) or both nil (closed).
type SessionRecord struct {
	PrincipalID       string     `json:"principal_id"`
	SessionID         string     `json:"session_id"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	Checkpoint        *time.Time `json:"checkpoint,omitempty"`
	TodayKey          string     `json:"today_key"`
	TodayTotalSeconds int64      `json:"today_total_seconds"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
	LastLogoutAt      *time.Time `json:"last_logout_at,omitempty"`
	Version           int64      `json:"version"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Open reports whether the record describes an open session.
func (r *SessionRecord) Open() bool {
	return r.StartedAt != nil
}

// LedgerEntry is the accumulated time for one principal on one day.
type LedgerEntry struct {
	PrincipalID   string    `json:"principal_id"`
	Day           string    `json:"day"`
	TotalSeconds  int64     `json:"total_seconds"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// LedgerIncrement adds Seconds to the entry for Day, creating it if absent.
// A zero increment on an existing entry leaves it untouched.
type LedgerIncrement struct {
	Day     string
	Seconds int64
	At      time.Time
}

// DaySnapshot pairs a session record with one ledger entry.
type DaySnapshot struct {
	Session *SessionRecord
	Entry   *LedgerEntry
}

// DayScore converts a "2006-01-02" day into a sortable integer (20060102).
func DayScore(day string) (int64, error) {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return strconv.ParseInt(t.Format("20060102"), 10, 64)
}

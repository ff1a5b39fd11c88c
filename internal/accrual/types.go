package accrual

import (
	"fmt"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
)

// State is either Closed or Open.
type State interface {
	isState()
}

// Closed is the state of a principal with no running session.
type Closed struct{}

// Open is a running session. Checkpoint marks how far time has been
// flushed into the ledger; it never precedes StartedAt.
type Open struct {
	SessionID  string
	StartedAt  time.Time
	Checkpoint time.Time
}

func (Closed) isState() {}
func (Open) isState()   {}

// Session is the per-principal accrual state.
type Session struct {
	PrincipalID string
	State       State
	// TodayKey and TodaySeconds cache the ledger value for TodayKey.
	TodayKey     DayKey
	TodaySeconds int64
	LastLogin    *time.Time
	LastLogoutAt *time.Time
	Version      int64
}

func (s Session) IsOpen() bool {
	_, ok := s.State.(Open)
	return ok
}

// OpenState returns the open variant, if any.
func (s Session) OpenState() (Open, bool) {
	o, ok := s.State.(Open)
	return o, ok
}

func sessionFromRecord(rec *storage.SessionRecord) (Session, error) {
	s := Session{
		PrincipalID:  rec.PrincipalID,
		State:        Closed{},
		TodayKey:     DayKey(rec.TodayKey),
		TodaySeconds: rec.TodayTotalSeconds,
		LastLogin:    copyTime(rec.LastLogin),
		LastLogoutAt: copyTime(rec.LastLogoutAt),
		Version:      rec.Version,
	}

	switch {
	case rec.StartedAt != nil && rec.Checkpoint != nil:
		s.State = Open{
			SessionID:  rec.SessionID,
			StartedAt:  *rec.StartedAt,
			Checkpoint: *rec.Checkpoint,
		}
	case rec.StartedAt != nil || rec.Checkpoint != nil:
		return Session{}, fmt.Errorf("%w: principal %s", ErrCorruptSession, rec.PrincipalID)
	}
	return s, nil
}

func (s Session) record(updatedAt time.Time) storage.SessionRecord {
	rec := storage.SessionRecord{
		PrincipalID:       s.PrincipalID,
		TodayKey:          string(s.TodayKey),
		TodayTotalSeconds: s.TodaySeconds,
		LastLogin:         copyTime(s.LastLogin),
		LastLogoutAt:      copyTime(s.LastLogoutAt),
		Version:           s.Version,
		UpdatedAt:         updatedAt,
	}
	if o, ok := s.OpenState(); ok {
		rec.SessionID = o.SessionID
		rec.StartedAt = copyTime(&o.StartedAt)
		rec.Checkpoint = copyTime(&o.Checkpoint)
	}
	return rec
}

// TickOutcome classifies what a Tick did.
type TickOutcome int

const (
	// TickIgnored: no open session (or no principal) to accrue for.
	TickIgnored TickOutcome = iota
	// TickThrottled: less than the minimum interval since the checkpoint.
	TickThrottled
	// TickFlushed: elapsed time was written to the ledger.
	TickFlushed
	// TickFailed: storage failed; the checkpoint is unchanged and the
	// interval will be picked up by a later tick.
	TickFailed
)

func (o TickOutcome) String() string {
	switch o {
	case TickIgnored:
		return "ignored"
	case TickThrottled:
		return "throttled"
	case TickFlushed:
		return "flushed"
	case TickFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TickResult is best-effort: callers may drop it entirely.
type TickResult struct {
	Outcome TickOutcome
	Seconds int64 // seconds flushed to the ledger
	Err     error // set only when Outcome is TickFailed
}

// Total is a principal's accrued time for one day.
type Total struct {
	PrincipalID   string
	Day           DayKey
	StoredSeconds int64
	LiveSeconds   int64
	TotalSeconds  int64
	IsOpen        bool
	LastLogin     *time.Time
	LastLogoutAt  *time.Time
}

// DayTotal is one ledger row.
type DayTotal struct {
	PrincipalID   string
	Day           DayKey
	TotalSeconds  int64
	LastUpdatedAt time.Time
}

func dayTotalFromEntry(e storage.LedgerEntry) DayTotal {
	return DayTotal{
		PrincipalID:   e.PrincipalID,
		Day:           DayKey(e.Day),
		TotalSeconds:  e.TotalSeconds,
		LastUpdatedAt: e.LastUpdatedAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

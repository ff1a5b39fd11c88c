package accrual

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/dutyclock/internal/metrics"
	"github.com/goodtune/dutyclock/internal/storage"
)

// Reader answers reporting queries. It never writes and takes no engine
// locks, so it can run alongside ticks.
type Reader struct {
	store        storage.AccrualStore
	cal          Calendar
	timeout      time.Duration
	historyLimit int
	logger       zerolog.Logger
}

// NewReader creates a reader over the same store and calendar as an engine.
func NewReader(store storage.AccrualStore, cfg Config, logger zerolog.Logger) *Reader {
	cfg = cfg.withDefaults()
	return &Reader{
		store:        store,
		cal:          cfg.Calendar,
		timeout:      cfg.StorageTimeout,
		historyLimit: cfg.HistoryLimit,
		logger:       logger.With().Str("component", "reader").Logger(),
	}
}

// Total returns the stored seconds for day plus any unflushed time of an
// open session that belongs to it. A principal with no data gets zeros.
func (r *Reader) Total(ctx context.Context, principalID, day string, now time.Time) (Total, error) {
	if principalID == "" {
		return Total{}, ErrInvalidPrincipal
	}
	key, err := ParseDayKey(day)
	if err != nil {
		return Total{}, err
	}
	now = truncate(now)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	snap, err := r.store.Snapshot(ctx, principalID, day)
	metrics.ObserveStorage("snapshot", start, err)
	if err != nil {
		return Total{}, unavailable("snapshot", err)
	}

	t := Total{PrincipalID: principalID, Day: key}
	if snap.Entry != nil {
		t.StoredSeconds = snap.Entry.TotalSeconds
	}
	if snap.Session != nil {
		s, err := sessionFromRecord(snap.Session)
		if err != nil {
			return Total{}, err
		}
		t.IsOpen = s.IsOpen()
		t.LastLogin = s.LastLogin
		t.LastLogoutAt = s.LastLogoutAt
		t.LiveSeconds = r.liveSeconds(s, key, now)
	}
	t.TotalSeconds = t.StoredSeconds + t.LiveSeconds

	return t, nil
}

func (r *Reader) liveSeconds(s Session, day DayKey, now time.Time) int64 {
	o, ok := s.OpenState()
	if !ok {
		return 0
	}

	var from time.Time
	switch {
	case day == r.cal.KeyOf(now):
		from = o.Checkpoint
		if sod := r.cal.StartOfDay(now); sod.After(from) {
			from = sod
		}
	case day == s.TodayKey:
		// Not ticked since midnight yet; over-counts until the next flush
		// splits the interval.
		from = o.Checkpoint
	default:
		return 0
	}

	if live := seconds(now.Sub(from)); live > 0 {
		return live
	}
	return 0
}

// History lists ledger rows most recent day first. limit <= 0 uses the
// configured default.
func (r *Reader) History(ctx context.Context, principalID string, limit int) ([]DayTotal, error) {
	if principalID == "" {
		return nil, ErrInvalidPrincipal
	}
	if limit <= 0 {
		limit = r.historyLimit
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	entries, err := r.store.History(ctx, principalID, limit)
	metrics.ObserveStorage("history", start, err)
	if err != nil {
		return nil, unavailable("history", err)
	}

	out := make([]DayTotal, 0, len(entries))
	for _, e := range entries {
		out = append(out, dayTotalFromEntry(e))
	}
	return out, nil
}

// Session returns ErrNotFound for a principal that has never logged in.
func (r *Reader) Session(ctx context.Context, principalID string) (Session, error) {
	if principalID == "" {
		return Session{}, ErrInvalidPrincipal
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	rec, err := r.store.GetSession(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.ObserveStorage("get_session", start, nil)
		return Session{}, ErrNotFound
	}
	metrics.ObserveStorage("get_session", start, err)
	if err != nil {
		return Session{}, unavailable("get session", err)
	}
	return sessionFromRecord(rec)
}

// OpenSessions lists every open session ordered by principal.
func (r *Reader) OpenSessions(ctx context.Context) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	recs, err := r.store.ListOpenSessions(ctx)
	metrics.ObserveStorage("list_open_sessions", start, err)
	if err != nil {
		return nil, unavailable("list open sessions", err)
	}

	out := make([]Session, 0, len(recs))
	for i := range recs {
		s, err := sessionFromRecord(&recs[i])
		if err != nil {
			r.logger.Warn().Err(err).Str("principal_id", recs[i].PrincipalID).Msg("Skipping corrupt session")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Day lists every principal's ledger row for one day.
func (r *Reader) Day(ctx context.Context, day string) ([]DayTotal, error) {
	if _, err := ParseDayKey(day); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	entries, err := r.store.ListDay(ctx, day)
	metrics.ObserveStorage("list_day", start, err)
	if err != nil {
		return nil, unavailable("list day", err)
	}

	out := make([]DayTotal, 0, len(entries))
	for _, e := range entries {
		out = append(out, dayTotalFromEntry(e))
	}
	return out, nil
}

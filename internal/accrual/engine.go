package accrual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/dutyclock/internal/clock"
	"github.com/goodtune/dutyclock/internal/metrics"
	"github.com/goodtune/dutyclock/internal/storage"
)

const (
	// DefaultMinTickInterval is the throttle window used when a Tick passes
	// a non-positive interval.
	DefaultMinTickInterval = 10 * time.Second

	DefaultStorageTimeout   = 2 * time.Second
	DefaultMaxCommitRetries = 3
	DefaultHistoryLimit     = 31
)

// Config holds engine and reader configuration
type Config struct {
	Calendar         Calendar
	MinTickInterval  time.Duration
	StorageTimeout   time.Duration
	MaxCommitRetries int
	// CheckpointCacheSize bounds the in-process checkpoint cache; 0 disables it.
	CheckpointCacheSize int
	HistoryLimit        int
	// LenientOpenClose logs and swallows storage errors on Open and Close.
	LenientOpenClose bool
	Clock            clock.Clock
}

func (c Config) withDefaults() Config {
	if c.MinTickInterval <= 0 {
		c.MinTickInterval = DefaultMinTickInterval
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = DefaultStorageTimeout
	}
	if c.MaxCommitRetries <= 0 {
		c.MaxCommitRetries = DefaultMaxCommitRetries
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

// Engine turns login, request and logout events into per-day ledger time.
type Engine struct {
	store       storage.AccrualStore
	cal         Calendar
	clock       clock.Clock
	minInterval time.Duration
	timeout     time.Duration
	maxRetries  int
	lenient     bool
	locks       *principalLocks
	checkpoints *lru.Cache[string, time.Time] // nil when disabled
	logger      zerolog.Logger
}

// NewEngine creates a new accrual engine
func NewEngine(store storage.AccrualStore, cfg Config, logger zerolog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	e := &Engine{
		store:       store,
		cal:         cfg.Calendar,
		clock:       cfg.Clock,
		minInterval: cfg.MinTickInterval,
		timeout:     cfg.StorageTimeout,
		maxRetries:  cfg.MaxCommitRetries,
		lenient:     cfg.LenientOpenClose,
		locks:       newPrincipalLocks(),
		logger:      logger.With().Str("component", "accrual").Logger(),
	}

	if cfg.CheckpointCacheSize > 0 {
		cache, err := lru.New[string, time.Time](cfg.CheckpointCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint cache: %w", err)
		}
		e.checkpoints = cache
	}

	return e, nil
}

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock {
	return e.clock
}

// Open starts a session at now. Re-opening an open session restarts its
// checkpoint at now; the unflushed interval is not counted.
func (e *Engine) Open(ctx context.Context, principalID string, now time.Time) (Session, error) {
	if principalID == "" {
		return Session{}, ErrInvalidPrincipal
	}
	now = truncate(now)
	today := e.cal.KeyOf(now)

	unlock := e.locks.Lock(principalID)
	defer unlock()

	var dropped time.Duration
	prev, next, err := e.update(ctx, "open", principalID, func(ctx context.Context, cur Session) (*change, error) {
		next := cur
		if o, ok := cur.OpenState(); ok {
			dropped = now.Sub(o.Checkpoint)
		}
		if next.TodayKey != today {
			seed, err := e.ledgerSeconds(ctx, principalID, today)
			if err != nil {
				return nil, err
			}
			next.TodayKey = today
			next.TodaySeconds = seed
		}
		next.State = Open{SessionID: uuid.NewString(), StartedAt: now, Checkpoint: now}
		next.LastLogin = &now

		return &change{
			next:       next,
			increments: []storage.LedgerIncrement{{Day: string(today), Seconds: 0, At: now}},
		}, nil
	})
	if err != nil {
		if e.lenient {
			e.logger.Error().Err(err).Str("principal_id", principalID).Msg("Failed to open session, continuing")
			return prev, nil
		}
		return prev, err
	}

	e.rememberCheckpoint(principalID, now)
	metrics.SessionsOpenedTotal.Inc()

	o, _ := next.OpenState()
	ev := e.logger.Info().
		Str("principal_id", principalID).
		Str("session_id", o.SessionID).
		Str("day", string(today))
	if dropped > 0 {
		ev = ev.Dur("discarded", dropped)
	}
	ev.Msg("Session opened")

	return next, nil
}

// Tick flushes the time since the last checkpoint once at least minInterval
// has elapsed. It never fails the caller: storage problems are logged and
// reported in the result, and the interval is retried by a later tick.
func (e *Engine) Tick(ctx context.Context, principalID string, now time.Time, minInterval time.Duration) TickResult {
	res := e.tick(ctx, principalID, now, minInterval)
	metrics.TicksTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (e *Engine) tick(ctx context.Context, principalID string, now time.Time, minInterval time.Duration) TickResult {
	if principalID == "" {
		return TickResult{Outcome: TickIgnored}
	}
	if minInterval <= 0 {
		minInterval = e.minInterval
	}
	now = truncate(now)

	// The cache only answers for now at or after the cached checkpoint.
	// Another process may have re-opened the session at an earlier time, so
	// anything before the cached value goes to storage.
	if e.checkpoints != nil {
		if cp, ok := e.checkpoints.Get(principalID); ok && !now.Before(cp) && now.Sub(cp) < minInterval {
			metrics.CheckpointCacheHits.Inc()
			return TickResult{Outcome: TickThrottled}
		}
		metrics.CheckpointCacheMisses.Inc()
	}

	unlock := e.locks.Lock(principalID)
	defer unlock()

	outcome := TickIgnored
	var flushed int64
	_, _, err := e.update(ctx, "tick", principalID, func(ctx context.Context, cur Session) (*change, error) {
		o, ok := cur.OpenState()
		if !ok {
			outcome = TickIgnored
			return nil, nil
		}
		delta := now.Sub(o.Checkpoint)
		if delta <= 0 || delta < minInterval {
			outcome = TickThrottled
			return nil, nil
		}

		ch, err := e.flush(ctx, cur, o, now)
		if err != nil {
			return nil, err
		}
		outcome = TickFlushed
		flushed = seconds(delta)
		return ch, nil
	})
	if err != nil {
		e.forgetCheckpoint(principalID)
		e.logger.Error().Err(err).Str("principal_id", principalID).Msg("Failed to flush session time")
		return TickResult{Outcome: TickFailed, Err: err}
	}

	if outcome == TickFlushed {
		e.rememberCheckpoint(principalID, now)
		metrics.AccruedSecondsTotal.Add(float64(flushed))
		e.logger.Debug().
			Str("principal_id", principalID).
			Int64("seconds", flushed).
			Msg("Flushed session time")
	}

	return TickResult{Outcome: outcome, Seconds: flushed}
}

// Close flushes all remaining time regardless of the throttle window and
// marks the session closed. Closing a closed or unknown session is a no-op.
func (e *Engine) Close(ctx context.Context, principalID string, now time.Time) (Session, error) {
	if principalID == "" {
		return Session{}, ErrInvalidPrincipal
	}
	now = truncate(now)

	unlock := e.locks.Lock(principalID)
	defer unlock()

	var flushed int64
	prev, next, err := e.update(ctx, "close", principalID, func(ctx context.Context, cur Session) (*change, error) {
		o, ok := cur.OpenState()
		if !ok {
			return nil, nil
		}

		flushed = 0
		ch := &change{next: cur}
		if now.After(o.Checkpoint) {
			var err error
			ch, err = e.flush(ctx, cur, o, now)
			if err != nil {
				return nil, err
			}
			flushed = seconds(now.Sub(o.Checkpoint))
		}
		ch.next.State = Closed{}
		ch.next.LastLogoutAt = &now
		return ch, nil
	})
	if err != nil {
		e.forgetCheckpoint(principalID)
		if e.lenient {
			e.logger.Error().Err(err).Str("principal_id", principalID).Msg("Failed to close session, continuing")
			return prev, nil
		}
		return prev, err
	}

	e.forgetCheckpoint(principalID)
	if !prev.IsOpen() {
		return next, nil
	}

	metrics.SessionsClosedTotal.Inc()
	metrics.AccruedSecondsTotal.Add(float64(flushed))

	o, _ := prev.OpenState()
	e.logger.Info().
		Str("principal_id", principalID).
		Str("session_id", o.SessionID).
		Int64("flushed_seconds", flushed).
		Dur("duration", now.Sub(o.StartedAt)).
		Msg("Session closed")

	return next, nil
}

// change is a computed session update: the next record plus the ledger
// increments that must land with it.
type change struct {
	next       Session
	increments []storage.LedgerIncrement
}

// mutateFunc derives a change from the current session. A nil change means
// there is nothing to write.
type mutateFunc func(ctx context.Context, cur Session) (*change, error)

// update runs load, mutate and a version-checked commit, retrying on
// version conflicts. It returns the session as loaded and as committed.
func (e *Engine) update(ctx context.Context, op, principalID string, mutate mutateFunc) (Session, Session, error) {
	for attempt := 1; ; attempt++ {
		cur, err := e.load(ctx, principalID)
		if err != nil {
			return Session{PrincipalID: principalID, State: Closed{}}, Session{}, err
		}

		ch, err := mutate(ctx, cur)
		if err != nil {
			return cur, cur, err
		}
		if ch == nil {
			return cur, cur, nil
		}

		err = e.commit(ctx, cur.Version, ch)
		if err == nil {
			ch.next.Version = cur.Version + 1
			return cur, ch.next, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return cur, cur, unavailable(op, err)
		}

		metrics.CommitConflictsTotal.Inc()
		e.logger.Warn().
			Str("principal_id", principalID).
			Str("op", op).
			Int("attempt", attempt).
			Msg("Session changed concurrently, retrying")

		if attempt >= e.maxRetries {
			return cur, cur, unavailable(op, fmt.Errorf("%d attempts: %w", attempt, err))
		}
	}
}

// flush builds the change that moves the checkpoint of an open session to
// now, splitting the elapsed time at every midnight in between.
func (e *Engine) flush(ctx context.Context, cur Session, o Open, now time.Time) (*change, error) {
	from := o.Checkpoint
	next := cur
	o.Checkpoint = now
	next.State = o

	segments := e.cal.Split(from, now)
	increments := make([]storage.LedgerIncrement, 0, len(segments)+1)
	for _, seg := range segments {
		increments = append(increments, storage.LedgerIncrement{Day: string(seg.Day), Seconds: seg.Seconds, At: now})
	}

	today := e.cal.KeyOf(now)
	if e.cal.KeyOf(from) == today {
		if today == cur.TodayKey {
			next.TodaySeconds += seconds(now.Sub(from))
		}
		return &change{next: next, increments: increments}, nil
	}

	// Crossed midnight: today's cache restarts from the ledger plus the
	// part of this flush that falls on today.
	stored, err := e.ledgerSeconds(ctx, cur.PrincipalID, today)
	if err != nil {
		return nil, err
	}
	var todayPart int64
	for _, seg := range segments {
		if seg.Day == today {
			todayPart += seg.Seconds
		}
	}
	if todayPart == 0 {
		increments = append(increments, storage.LedgerIncrement{Day: string(today), Seconds: 0, At: now})
	}
	next.TodayKey = today
	next.TodaySeconds = stored + todayPart

	return &change{next: next, increments: increments}, nil
}

func (e *Engine) load(ctx context.Context, principalID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rec, err := e.store.GetSession(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.ObserveStorage("get_session", start, nil)
		return Session{PrincipalID: principalID, State: Closed{}}, nil
	}
	metrics.ObserveStorage("get_session", start, err)
	if err != nil {
		return Session{}, unavailable("get session", err)
	}
	return sessionFromRecord(rec)
}

func (e *Engine) ledgerSeconds(ctx context.Context, principalID string, day DayKey) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	entry, err := e.store.GetLedgerEntry(ctx, principalID, string(day))
	if errors.Is(err, storage.ErrNotFound) {
		metrics.ObserveStorage("get_ledger_entry", start, nil)
		return 0, nil
	}
	metrics.ObserveStorage("get_ledger_entry", start, err)
	if err != nil {
		return 0, unavailable("get ledger entry", err)
	}
	return entry.TotalSeconds, nil
}

// commit returns storage errors unwrapped so update can spot conflicts.
func (e *Engine) commit(ctx context.Context, expectedVersion int64, ch *change) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := e.store.Commit(ctx, expectedVersion, ch.next.record(e.clock.Now()), ch.increments)
	if errors.Is(err, storage.ErrVersionConflict) {
		metrics.ObserveStorage("commit", start, nil)
		return err
	}
	metrics.ObserveStorage("commit", start, err)
	return err
}

func (e *Engine) rememberCheckpoint(principalID string, cp time.Time) {
	if e.checkpoints != nil {
		e.checkpoints.Add(principalID, cp)
	}
}

func (e *Engine) forgetCheckpoint(principalID string) {
	if e.checkpoints != nil {
		e.checkpoints.Remove(principalID)
	}
}

// truncate drops sub-second precision and the monotonic reading.
func truncate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/dutyclock/internal/accrual"
	"github.com/goodtune/dutyclock/internal/clock"
	"github.com/goodtune/dutyclock/internal/config"
	"github.com/goodtune/dutyclock/internal/metrics"
	"github.com/goodtune/dutyclock/internal/storage"
)

// pruneTimeout bounds a single retention run.
const pruneTimeout = time.Minute

// Scheduler prunes old ledger days once a day
type Scheduler struct {
	store    storage.AccrualStore
	cal      accrual.Calendar
	days     int
	runAt    time.Time // only hour and minute are used
	clock    clock.Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewScheduler creates a new retention scheduler
func NewScheduler(store storage.AccrualStore, cal accrual.Calendar, cfg config.RetentionConfig, clk clock.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Days < 1 {
		return nil, fmt.Errorf("retention days must be at least 1, got %d", cfg.Days)
	}
	runAt, err := time.Parse("15:04", cfg.RunAt)
	if err != nil {
		return nil, fmt.Errorf("invalid run_at %q: %w", cfg.RunAt, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Scheduler{
		store:    store,
		cal:      cal,
		days:     cfg.Days,
		runAt:    runAt,
		clock:    clk,
		logger:   logger.With().Str("component", "retention").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info().
		Str("run_at", s.runAt.Format("15:04")).
		Int("days", s.days).
		Msg("Ledger retention scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info().Msg("Ledger retention scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		next := s.nextRun(s.clock.Now())
		wait := next.Sub(s.clock.Now())

		s.logger.Debug().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next retention run")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Retention run failed")
			}
		case <-s.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRun is the first run_at strictly after now, in the calendar's timezone.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	loc := s.cal.Location()
	local := now.In(loc)

	today := time.Date(
		local.Year(), local.Month(), local.Day(),
		s.runAt.Hour(), s.runAt.Minute(), 0, 0,
		loc,
	)
	if !now.Before(today) {
		return time.Date(local.Year(), local.Month(), local.Day()+1, s.runAt.Hour(), s.runAt.Minute(), 0, 0, loc)
	}
	return today
}

// Cutoff is the oldest day kept at now; earlier days are pruned.
func (s *Scheduler) Cutoff(now time.Time) accrual.DayKey {
	return s.cal.DaysBefore(now, s.days)
}

// RunOnce deletes every ledger day before the cutoff and reports how many
// entries went.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	cutoff := s.Cutoff(s.clock.Now())

	start := time.Now()
	deleted, err := s.store.DeleteDaysBefore(ctx, string(cutoff))
	metrics.ObserveStorage("delete_days_before", start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: prune before %s: %w", accrual.ErrStorageUnavailable, cutoff, err)
	}

	metrics.LedgerEntriesPruned.Add(float64(deleted))
	s.logger.Info().
		Int("entries_deleted", deleted).
		Str("cutoff_day", string(cutoff)).
		Msg("Old ledger days pruned")

	return deleted, nil
}

package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/dutyclock/internal/accrual"
	"github.com/goodtune/dutyclock/internal/clock"
	"github.com/goodtune/dutyclock/internal/config"
	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/memory"
)

func newTestScheduler(t *testing.T, store storage.AccrualStore, now time.Time) *Scheduler {
	t.Helper()
	s, err := NewScheduler(store, accrual.NewCalendar(time.UTC), config.RetentionConfig{
		Enabled: true,
		Days:    30,
		RunAt:   "03:00",
	}, clock.NewMock(now), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNewSchedulerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RetentionConfig
	}{
		{"zero days", config.RetentionConfig{Days: 0, RunAt: "03:00"}},
		{"bad time", config.RetentionConfig{Days: 10, RunAt: "3am"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(memory.New(), accrual.NewCalendar(time.UTC), tt.cfg, nil, zerolog.Nop())
			require.Error(t, err)
		})
	}
}

func TestNextRun(t *testing.T) {
	s := newTestScheduler(t, memory.New(), time.Now())

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		require.True(t, s.nextRun(tt.now).Equal(tt.want), "now %s got %s", tt.now, s.nextRun(tt.now))
	}
}

func TestRunOncePrunesOldDays(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var incs []storage.LedgerIncrement
	for _, day := range []string{"2024-01-15", "2024-01-30", "2024-01-31", "2024-02-15"} {
		incs = append(incs, storage.LedgerIncrement{Day: day, Seconds: 60, At: at})
	}
	require.NoError(t, store.Commit(ctx, 0, storage.SessionRecord{PrincipalID: "dr-house"}, incs))

	s := newTestScheduler(t, store, time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC))
	require.Equal(t, accrual.DayKey("2024-01-31"), s.Cutoff(time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)))

	deleted, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	rows, err := store.History(ctx, "dr-house", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "2024-02-15", rows[0].Day)
	require.Equal(t, "2024-01-31", rows[1].Day)

	deleted, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

type failingStore struct {
	storage.AccrualStore
}

func (failingStore) DeleteDaysBefore(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

func TestRunOnceStorageError(t *testing.T) {
	s := newTestScheduler(t, failingStore{memory.New()}, time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC))

	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, accrual.ErrStorageUnavailable)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, memory.New(), time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC))
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

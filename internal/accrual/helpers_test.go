package accrual

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/dutyclock/internal/clock"
	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/memory"
)

var (
	day15 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	day16 = day15.AddDate(0, 0, 1)
)

func at(day time.Time, h, m, s int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

type fixture struct {
	engine *Engine
	reader *Reader
	store  *faultStore
	clock  *clock.Mock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mem := memory.New()
	t.Cleanup(func() { _ = mem.Close() })

	faulty := &faultStore{AccrualStore: mem.Accrual()}
	mock := clock.NewMock(at(day15, 9, 0, 0))

	cfg.Calendar = NewCalendar(time.UTC)
	cfg.Clock = mock

	engine, err := NewEngine(faulty, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{
		engine: engine,
		reader: NewReader(faulty, cfg, zerolog.Nop()),
		store:  faulty,
		clock:  mock,
	}
}

func (f *fixture) ledger(t *testing.T, principalID string, day time.Time) int64 {
	t.Helper()
	entry, err := f.store.AccrualStore.GetLedgerEntry(context.Background(), principalID, day.Format(storage.DayLayout))
	if errors.Is(err, storage.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return entry.TotalSeconds
}

func (f *fixture) session(t *testing.T, principalID string) Session {
	t.Helper()
	s, err := f.reader.Session(context.Background(), principalID)
	require.NoError(t, err)
	return s
}

// faultStore counts calls and injects failures in front of a real store.
type faultStore struct {
	storage.AccrualStore

	mu          sync.Mutex
	err         error // returned by every overridden call when set
	conflicts   bool  // Commit always reports a version conflict
	commits     int
	sessionGets int
}

func (p *faultStore) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *faultStore) counts() (commits, sessionGets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits, p.sessionGets
}

func (p *faultStore) injected() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *faultStore) GetSession(ctx context.Context, principalID string) (*storage.SessionRecord, error) {
	p.mu.Lock()
	p.sessionGets++
	p.mu.Unlock()
	if err := p.injected(); err != nil {
		return nil, err
	}
	return p.AccrualStore.GetSession(ctx, principalID)
}

func (p *faultStore) Commit(ctx context.Context, expectedVersion int64, session storage.SessionRecord, increments []storage.LedgerIncrement) error {
	p.mu.Lock()
	p.commits++
	conflicts := p.conflicts
	p.mu.Unlock()
	if err := p.injected(); err != nil {
		return err
	}
	if conflicts {
		return storage.ErrVersionConflict
	}
	return p.AccrualStore.Commit(ctx, expectedVersion, session, increments)
}

func (p *faultStore) Snapshot(ctx context.Context, principalID, day string) (storage.DaySnapshot, error) {
	if err := p.injected(); err != nil {
		return storage.DaySnapshot{}, err
	}
	return p.AccrualStore.Snapshot(ctx, principalID, day)
}

func (p *faultStore) History(ctx context.Context, principalID string, limit int) ([]storage.LedgerEntry, error) {
	if err := p.injected(); err != nil {
		return nil, err
	}
	return p.AccrualStore.History(ctx, principalID, limit)
}

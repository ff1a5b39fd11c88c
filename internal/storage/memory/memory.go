package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/goodtune/dutyclock/internal/storage"
)

// Store keeps accrual state in process memory. Nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]storage.SessionRecord
	ledger   map[ledgerKey]storage.LedgerEntry
}

type ledgerKey struct {
	principalID string
	day         string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]storage.SessionRecord),
		ledger:   make(map[ledgerKey]storage.LedgerEntry),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Accrual() storage.AccrualStore { return s }

func (s *Store) GetSession(_ context.Context, principalID string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[principalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSession(rec), nil
}

func (s *Store) ListOpenSessions(_ context.Context) ([]storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.SessionRecord, 0)
	for _, rec := range s.sessions {
		if rec.Open() {
			out = append(out, *cloneSession(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

func (s *Store) Commit(ctx context.Context, expectedVersion int64, session storage.SessionRecord, increments []storage.LedgerIncrement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.sessions[session.PrincipalID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return storage.ErrVersionConflict
	}

	session.Version = expectedVersion + 1
	s.sessions[session.PrincipalID] = *cloneSession(session)

	for _, inc := range increments {
		key := ledgerKey{principalID: session.PrincipalID, day: inc.Day}
		entry, ok := s.ledger[key]
		if ok && inc.Seconds == 0 {
			continue
		}
		if !ok {
			entry = storage.LedgerEntry{PrincipalID: session.PrincipalID, Day: inc.Day}
		}
		entry.TotalSeconds += inc.Seconds
		entry.LastUpdatedAt = inc.At
		s.ledger[key] = entry
	}
	return nil
}

func (s *Store) Snapshot(_ context.Context, principalID, day string) (storage.DaySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap storage.DaySnapshot
	if rec, ok := s.sessions[principalID]; ok {
		snap.Session = cloneSession(rec)
	}
	if entry, ok := s.ledger[ledgerKey{principalID: principalID, day: day}]; ok {
		snap.Entry = &entry
	}
	return snap, nil
}

func (s *Store) GetLedgerEntry(_ context.Context, principalID, day string) (*storage.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[ledgerKey{principalID: principalID, day: day}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &entry, nil
}

func (s *Store) History(_ context.Context, principalID string, limit int) ([]storage.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.LedgerEntry, 0)
	for key, entry := range s.ledger {
		if key.principalID == principalID {
			out = append(out, entry)
		}
	}
	// Day keys sort chronologically as strings.
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDay(_ context.Context, day string) ([]storage.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.LedgerEntry, 0)
	for key, entry := range s.ledger {
		if key.day == day {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

func (s *Store) DeleteDaysBefore(_ context.Context, cutoffDay string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key := range s.ledger {
		if key.day < cutoffDay {
			delete(s.ledger, key)
			deleted++
		}
	}
	return deleted, nil
}

func cloneSession(rec storage.SessionRecord) *storage.SessionRecord {
	out := rec
	out.StartedAt = clonePtr(rec.StartedAt)
	out.Checkpoint = clonePtr(rec.Checkpoint)
	out.LastLogin = clonePtr(rec.LastLogin)
	out.LastLogoutAt = clonePtr(rec.LastLogoutAt)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

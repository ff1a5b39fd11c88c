// Package storagetest holds behavioural tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.AccrualStore)
	}{
		{"GetSessionNotFound", testGetSessionNotFound},
		{"CommitCreatesSession", testCommitCreatesSession},
		{"CommitRejectsStaleVersion", testCommitRejectsStaleVersion},
		{"CommitRejectsDuplicateCreate", testCommitRejectsDuplicateCreate},
		{"LedgerIncrementsAccumulate", testLedgerIncrementsAccumulate},
		{"ZeroIncrementKeepsExistingEntry", testZeroIncrementKeepsExistingEntry},
		{"CommitSpansDays", testCommitSpansDays},
		{"Snapshot", testSnapshot},
		{"ListOpenSessions", testListOpenSessions},
		{"HistoryOrderAndLimit", testHistoryOrderAndLimit},
		{"ListDay", testListDay},
		{"DeleteDaysBefore", testDeleteDaysBefore},
		{"ConcurrentCommitsSingleWinner", testConcurrentCommitsSingleWinner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			tt.fn(t, store.Accrual())
		})
	}
}

var base = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func openRecord(principalID string, started, checkpoint time.Time, todayKey string, todaySeconds int64) storage.SessionRecord {
	return storage.SessionRecord{
		PrincipalID:       principalID,
		SessionID:         "session-" + principalID,
		StartedAt:         ptr(started),
		Checkpoint:        ptr(checkpoint),
		TodayKey:          todayKey,
		TodayTotalSeconds: todaySeconds,
		LastLogin:         ptr(started),
		UpdatedAt:         checkpoint,
	}
}

func closedRecord(principalID string, logout time.Time, todayKey string, todaySeconds int64) storage.SessionRecord {
	return storage.SessionRecord{
		PrincipalID:       principalID,
		TodayKey:          todayKey,
		TodayTotalSeconds: todaySeconds,
		LastLogin:         ptr(base),
		LastLogoutAt:      ptr(logout),
		UpdatedAt:         logout,
	}
}

func mustCommit(t *testing.T, s storage.AccrualStore, version int64, rec storage.SessionRecord, incs ...storage.LedgerIncrement) {
	t.Helper()
	if err := s.Commit(context.Background(), version, rec, incs); err != nil {
		t.Fatalf("Commit(version=%d) failed: %v", version, err)
	}
}

func ledgerTotal(t *testing.T, s storage.AccrualStore, principalID, day string) int64 {
	t.Helper()
	entry, err := s.GetLedgerEntry(context.Background(), principalID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return -1
	}
	if err != nil {
		t.Fatalf("GetLedgerEntry(%s, %s) failed: %v", principalID, day, err)
	}
	return entry.TotalSeconds
}

func testGetSessionNotFound(t *testing.T, s storage.AccrualStore) {
	_, err := s.GetSession(context.Background(), "nobody")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	_, err = s.GetLedgerEntry(context.Background(), "nobody", "2024-01-15")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for ledger entry, got %v", err)
	}
}

func testCommitCreatesSession(t *testing.T, s storage.AccrualStore) {
	ctx := context.Background()
	rec := openRecord("doc-1", base, base.Add(30*time.Second), "2024-01-15", 30)
	mustCommit(t, s, 0, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 0, At: base})

	got, err := s.GetSession(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Expected version 1, got %d", got.Version)
	}
	if got.SessionID != rec.SessionID {
		t.Errorf("Expected session id %s, got %s", rec.SessionID, got.SessionID)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(base) {
		t.Errorf("Expected started_at %v, got %v", base, got.StartedAt)
	}
	if got.Checkpoint == nil || !got.Checkpoint.Equal(base.Add(30*time.Second)) {
		t.Errorf("Expected checkpoint %v, got %v", base.Add(30*time.Second), got.Checkpoint)
	}
	if got.TodayKey != "2024-01-15" || got.TodayTotalSeconds != 30 {
		t.Errorf("Expected today 2024-01-15/30, got %s/%d", got.TodayKey, got.TodayTotalSeconds)
	}
	if got.LastLogoutAt != nil {
		t.Errorf("Expected nil last_logout_at, got %v", got.LastLogoutAt)
	}
	if !got.Open() {
		t.Error("Expected record to be open")
	}

	if total := ledgerTotal(t, s, "doc-1", "2024-01-15"); total != 0 {
		t.Errorf("Expected zero ledger entry, got %d", total)
	}

	closed := closedRecord("doc-1", base.Add(time.Hour), "2024-01-15", 3600)
	mustCommit(t, s, 1, closed)

	got, err = s.GetSession(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSession after close failed: %v", err)
	}
	if got.Open() || got.Checkpoint != nil {
		t.Errorf("Expected closed record, got started=%v checkpoint=%v", got.StartedAt, got.Checkpoint)
	}
	if got.LastLogoutAt == nil || !got.LastLogoutAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected last_logout_at %v, got %v", base.Add(time.Hour), got.LastLogoutAt)
	}
	if got.Version != 2 {
		t.Errorf("Expected version 2, got %d", got.Version)
	}
}

func testCommitRejectsStaleVersion(t *testing.T, s storage.AccrualStore) {
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, rec)
	mustCommit(t, s, 1, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 10, At: base})

	err := s.Commit(context.Background(), 1, rec, []storage.LedgerIncrement{{Day: "2024-01-15", Seconds: 99, At: base}})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	if total := ledgerTotal(t, s, "doc-1", "2024-01-15"); total != 10 {
		t.Errorf("Expected rejected commit to leave ledger at 10, got %d", total)
	}
}

func testCommitRejectsDuplicateCreate(t *testing.T, s storage.AccrualStore) {
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, rec)

	err := s.Commit(context.Background(), 0, rec, nil)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict on second create, got %v", err)
	}
}

func testLedgerIncrementsAccumulate(t *testing.T, s storage.AccrualStore) {
	ctx := context.Background()
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, rec, storage.LedgerIncrement{Day: "2024-01-15", At: base})
	mustCommit(t, s, 1, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 12, At: base.Add(12 * time.Second)})
	mustCommit(t, s, 2, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 48, At: base.Add(time.Minute)})

	entry, err := s.GetLedgerEntry(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("GetLedgerEntry failed: %v", err)
	}
	if entry.TotalSeconds != 60 {
		t.Errorf("Expected 60 seconds, got %d", entry.TotalSeconds)
	}
	if !entry.LastUpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("Expected last_updated_at %v, got %v", base.Add(time.Minute), entry.LastUpdatedAt)
	}
	if entry.PrincipalID != "doc-1" || entry.Day != "2024-01-15" {
		t.Errorf("Unexpected entry identity %s/%s", entry.PrincipalID, entry.Day)
	}
}

func testZeroIncrementKeepsExistingEntry(t *testing.T, s storage.AccrualStore) {
	ctx := context.Background()
	worked := base.Add(30 * time.Second)
	rec := openRecord("doc-1", base, worked, "2024-01-15", 30)
	mustCommit(t, s, 0, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 30, At: worked})

	// A re-login later the same day only ensures the entry exists.
	relogin := base.Add(2 * time.Hour)
	rec = openRecord("doc-1", relogin, relogin, "2024-01-15", 30)
	mustCommit(t, s, 1, rec,
		storage.LedgerIncrement{Day: "2024-01-15", Seconds: 0, At: relogin},
		storage.LedgerIncrement{Day: "2024-01-16", Seconds: 0, At: relogin},
	)

	entry, err := s.GetLedgerEntry(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("GetLedgerEntry failed: %v", err)
	}
	if entry.TotalSeconds != 30 {
		t.Errorf("Expected 30 seconds, got %d", entry.TotalSeconds)
	}
	if !entry.LastUpdatedAt.Equal(worked) {
		t.Errorf("Expected last_updated_at %v, got %v", worked, entry.LastUpdatedAt)
	}

	created, err := s.GetLedgerEntry(ctx, "doc-1", "2024-01-16")
	if err != nil {
		t.Fatalf("GetLedgerEntry for new day failed: %v", err)
	}
	if created.TotalSeconds != 0 || !created.LastUpdatedAt.Equal(relogin) {
		t.Errorf("Expected new zero entry stamped %v, got %d at %v", relogin, created.TotalSeconds, created.LastUpdatedAt)
	}
}

func testCommitSpansDays(t *testing.T, s storage.AccrualStore) {
	start := time.Date(2024, 1, 15, 23, 59, 50, 0, time.UTC)
	now := start.Add(20 * time.Second)
	rec := openRecord("doc-1", start, start, "2024-01-15", 0)
	mustCommit(t, s, 0, rec, storage.LedgerIncrement{Day: "2024-01-15", At: start})

	rec.Checkpoint = ptr(now)
	rec.TodayKey = "2024-01-16"
	rec.TodayTotalSeconds = 10
	mustCommit(t, s, 1, rec,
		storage.LedgerIncrement{Day: "2024-01-15", Seconds: 10, At: now},
		storage.LedgerIncrement{Day: "2024-01-16", Seconds: 10, At: now},
	)

	if total := ledgerTotal(t, s, "doc-1", "2024-01-15"); total != 10 {
		t.Errorf("Expected 10 seconds on 2024-01-15, got %d", total)
	}
	if total := ledgerTotal(t, s, "doc-1", "2024-01-16"); total != 10 {
		t.Errorf("Expected 10 seconds on 2024-01-16, got %d", total)
	}
}

func testSnapshot(t *testing.T, s storage.AccrualStore) {
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("Snapshot on empty store failed: %v", err)
	}
	if snap.Session != nil || snap.Entry != nil {
		t.Fatalf("Expected empty snapshot, got %+v", snap)
	}

	rec := openRecord("doc-1", base, base.Add(time.Minute), "2024-01-15", 60)
	mustCommit(t, s, 0, rec, storage.LedgerIncrement{Day: "2024-01-15", Seconds: 60, At: base.Add(time.Minute)})

	snap, err = s.Snapshot(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Session == nil || snap.Session.Version != 1 {
		t.Fatalf("Expected session version 1 in snapshot, got %+v", snap.Session)
	}
	if snap.Entry == nil || snap.Entry.TotalSeconds != 60 {
		t.Fatalf("Expected ledger entry of 60s in snapshot, got %+v", snap.Entry)
	}

	snap, err = s.Snapshot(ctx, "doc-1", "2024-01-14")
	if err != nil {
		t.Fatalf("Snapshot for other day failed: %v", err)
	}
	if snap.Session == nil || snap.Entry != nil {
		t.Errorf("Expected session without entry, got %+v", snap)
	}
}

func testListOpenSessions(t *testing.T, s storage.AccrualStore) {
	mustCommit(t, s, 0, openRecord("doc-a", base, base, "2024-01-15", 0))
	mustCommit(t, s, 0, openRecord("doc-b", base, base, "2024-01-15", 0))
	mustCommit(t, s, 0, closedRecord("doc-c", base, "2024-01-15", 0))
	// doc-b logs out.
	mustCommit(t, s, 1, closedRecord("doc-b", base.Add(time.Hour), "2024-01-15", 3600))

	sessions, err := s.ListOpenSessions(context.Background())
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 open session, got %d", len(sessions))
	}
	if sessions[0].PrincipalID != "doc-a" {
		t.Errorf("Expected doc-a to be open, got %s", sessions[0].PrincipalID)
	}
}

func testHistoryOrderAndLimit(t *testing.T, s storage.AccrualStore) {
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	days := []string{"2024-01-13", "2024-01-15", "2024-01-14", "2023-12-31"}
	for i, day := range days {
		mustCommit(t, s, int64(i), rec, storage.LedgerIncrement{Day: day, Seconds: int64(i + 1), At: base})
	}
	other := openRecord("doc-2", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, other, storage.LedgerIncrement{Day: "2024-01-16", Seconds: 5, At: base})

	history, err := s.History(context.Background(), "doc-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := []string{"2024-01-15", "2024-01-14", "2024-01-13", "2023-12-31"}
	if len(history) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(history))
	}
	for i, day := range want {
		if history[i].Day != day {
			t.Errorf("History[%d]: expected %s, got %s", i, day, history[i].Day)
		}
		if history[i].PrincipalID != "doc-1" {
			t.Errorf("History[%d]: leaked principal %s", i, history[i].PrincipalID)
		}
	}

	limited, err := s.History(context.Background(), "doc-1", 2)
	if err != nil {
		t.Fatalf("History with limit failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Day != "2024-01-15" || limited[1].Day != "2024-01-14" {
		t.Errorf("Unexpected limited history: %+v", limited)
	}

	empty, err := s.History(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("History for unknown principal failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(empty))
	}
}

func testListDay(t *testing.T, s storage.AccrualStore) {
	for i, id := range []string{"doc-b", "doc-a"} {
		rec := openRecord(id, base, base, "2024-01-15", 0)
		mustCommit(t, s, 0, rec,
			storage.LedgerIncrement{Day: "2024-01-15", Seconds: int64(100 * (i + 1)), At: base},
			storage.LedgerIncrement{Day: "2024-01-16", Seconds: 1, At: base},
		)
	}

	entries, err := s.ListDay(context.Background(), "2024-01-15")
	if err != nil {
		t.Fatalf("ListDay failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	totals := map[string]int64{}
	for _, e := range entries {
		if e.Day != "2024-01-15" {
			t.Errorf("Unexpected day %s in ListDay", e.Day)
		}
		totals[e.PrincipalID] = e.TotalSeconds
	}
	if totals["doc-b"] != 100 || totals["doc-a"] != 200 {
		t.Errorf("Unexpected totals: %v", totals)
	}
}

func testDeleteDaysBefore(t *testing.T, s storage.AccrualStore) {
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, rec,
		storage.LedgerIncrement{Day: "2024-01-13", Seconds: 1, At: base},
		storage.LedgerIncrement{Day: "2024-01-14", Seconds: 2, At: base},
		storage.LedgerIncrement{Day: "2024-01-15", Seconds: 3, At: base},
	)
	other := openRecord("doc-2", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, other, storage.LedgerIncrement{Day: "2024-01-13", Seconds: 4, At: base})

	deleted, err := s.DeleteDaysBefore(context.Background(), "2024-01-15")
	if err != nil {
		t.Fatalf("DeleteDaysBefore failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 deleted entries, got %d", deleted)
	}

	if total := ledgerTotal(t, s, "doc-1", "2024-01-14"); total != -1 {
		t.Errorf("Expected 2024-01-14 to be deleted, got %d", total)
	}
	if total := ledgerTotal(t, s, "doc-1", "2024-01-15"); total != 3 {
		t.Errorf("Expected cutoff day to survive with 3s, got %d", total)
	}

	history, err := s.History(context.Background(), "doc-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Day != "2024-01-15" {
		t.Errorf("Expected only 2024-01-15 in history, got %+v", history)
	}
}

func testConcurrentCommitsSingleWinner(t *testing.T, s storage.AccrualStore) {
	rec := openRecord("doc-1", base, base, "2024-01-15", 0)
	mustCommit(t, s, 0, rec)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Commit(context.Background(), 1, rec, []storage.LedgerIncrement{{Day: "2024-01-15", Seconds: 10, At: base}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("Unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("Expected 1 win and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}
	if total := ledgerTotal(t, s, "doc-1", "2024-01-15"); total != 10 {
		t.Errorf("Expected exactly one increment of 10s, got %d", total)
	}
}

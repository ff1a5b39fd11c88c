package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dutyclock.bolt")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	started := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	rec := storage.SessionRecord{
		PrincipalID: "doc-1",
		SessionID:   "s1",
		StartedAt:   &started,
		Checkpoint:  &started,
		TodayKey:    "2024-01-15",
	}
	if err := store.Accrual().Commit(ctx, 0, rec, []storage.LedgerIncrement{{Day: "2024-01-15", Seconds: 42, At: started}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	open, err := store.Accrual().ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("list open sessions: %v", err)
	}
	if len(open) != 1 || open[0].SessionID != "s1" {
		t.Fatalf("expected reopened store to keep open session, got %+v", open)
	}

	entry, err := store.Accrual().GetLedgerEntry(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("get ledger entry: %v", err)
	}
	if entry.TotalSeconds != 42 {
		t.Fatalf("expected total seconds 42, got %d", entry.TotalSeconds)
	}
}

func TestListDayDoesNotMatchPrefixOfOtherDays(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	rec := storage.SessionRecord{PrincipalID: "doc-1", TodayKey: "2024-01-15"}
	if err := store.Accrual().Commit(ctx, 0, rec, []storage.LedgerIncrement{
		{Day: "2024-01-15", Seconds: 1, At: at},
		{Day: "2024-01-16", Seconds: 2, At: at},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := store.Accrual().ListDay(ctx, "2024-01-1")
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial day to match nothing, got %d entries", len(entries))
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dutyclock.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

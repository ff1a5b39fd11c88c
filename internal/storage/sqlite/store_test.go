package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/storagetest"
)

// openTestStore returns a store on a private in-memory database with the
// same PRAGMAs and schema as production.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:test_%s?mode=memory&cache=shared&%s", name, pragmas)

	store, err := openDSN(context.Background(), dsn)
	if err != nil {
		t.Fatalf("openTestStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestOpenFileAndMigrateTwice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "dutyclock.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = store.Close() }()

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 applied migration, got %d", count)
	}
}

func TestSecondProcessSharesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dutyclock.db")

	server, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open server: %v", err)
	}
	defer func() { _ = server.Close() }()

	cli, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open while server holds the file: %v", err)
	}
	defer func() { _ = cli.Close() }()

	logout := time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC)
	rec := storage.SessionRecord{
		PrincipalID:       "doc-1",
		LastLogoutAt:      &logout,
		TodayKey:          "2024-01-15",
		TodayTotalSeconds: 30,
		UpdatedAt:         logout,
	}
	inc := storage.LedgerIncrement{Day: "2024-01-15", Seconds: 30, At: logout}
	if err := cli.Accrual().Commit(ctx, 0, rec, []storage.LedgerIncrement{inc}); err != nil {
		t.Fatalf("Commit from second store: %v", err)
	}

	entry, err := server.Accrual().GetLedgerEntry(ctx, "doc-1", "2024-01-15")
	if err != nil {
		t.Fatalf("GetLedgerEntry from first store: %v", err)
	}
	if entry.TotalSeconds != 30 {
		t.Errorf("expected 30 seconds, got %d", entry.TotalSeconds)
	}
}

func TestHalfOpenRowRejected(t *testing.T) {
	store := openTestStore(t)

	_, err := store.db.ExecContext(context.Background(), `
INSERT INTO session_states(principal_id, started_at_ms, checkpoint_ms, today_key, version, updated_at_ms)
VALUES ('doc-1', 1000, NULL, '2024-01-15', 1, 1000);
`)
	if err == nil {
		t.Fatal("expected CHECK constraint to reject started_at without checkpoint")
	}
}

func TestTimestampsRoundTripAsMilliseconds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 1, 15, 9, 0, 0, 123_456_789, time.UTC)
	rec := storage.SessionRecord{
		PrincipalID: "doc-1",
		StartedAt:   &started,
		Checkpoint:  &started,
		TodayKey:    "2024-01-15",
		UpdatedAt:   started,
	}
	if err := store.Accrual().Commit(ctx, 0, rec, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.Accrual().GetSession(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	want := started.Truncate(time.Millisecond)
	if !got.StartedAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, got.StartedAt)
	}
}

func TestWorkerRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := store.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO daily_ledger(principal_id, day_key, total_seconds, last_updated_at_ms)
VALUES ('doc-1', '2024-01-15', 5, 0);
`); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.Accrual().GetLedgerEntry(ctx, "doc-1", "2024-01-15"); err != storage.ErrNotFound {
		t.Errorf("expected rolled back insert, got %v", err)
	}
}

func TestWorkerHonoursCancelledContext(t *testing.T) {
	store := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{name: "0001_init.sql", want: 1},
		{name: "0012_add_index.sql", want: 12},
		{name: "0000_base.sql", want: 0},
		{name: "init.sql", wantErr: true},
		{name: "abc_init.sql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVersion(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseVersion(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

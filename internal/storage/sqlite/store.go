package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
)

type accrualStore struct {
	db     *sql.DB
	writer *Worker
}

const sessionColumns = `principal_id, session_id, started_at_ms, checkpoint_ms, today_key,
  today_total_seconds, last_login_ms, last_logout_at_ms, version, updated_at_ms`

const ledgerColumns = `principal_id, day_key, total_seconds, last_updated_at_ms`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *accrualStore) GetSession(ctx context.Context, principalID string) (*storage.SessionRecord, error) {
	return getSession(ctx, s.db, principalID)
}

func (s *accrualStore) ListOpenSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM session_states
WHERE started_at_ms IS NOT NULL
ORDER BY principal_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListOpenSessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOpenSessions scan: %w", err)
		}
		sessions = append(sessions, *rec)
	}
	return sessions, rows.Err()
}

func (s *accrualStore) Commit(ctx context.Context, expectedVersion int64, session storage.SessionRecord, increments []storage.LedgerIncrement) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		args := []any{
			session.SessionID,
			nullableMs(session.StartedAt),
			nullableMs(session.Checkpoint),
			session.TodayKey,
			session.TodayTotalSeconds,
			nullableMs(session.LastLogin),
			nullableMs(session.LastLogoutAt),
			expectedVersion + 1,
			session.UpdatedAt.UTC().UnixMilli(),
			session.PrincipalID,
		}

		if expectedVersion == 0 {
			res, err = tx.ExecContext(ctx, `
INSERT INTO session_states(
  session_id, started_at_ms, checkpoint_ms, today_key, today_total_seconds,
  last_login_ms, last_logout_at_ms, version, updated_at_ms, principal_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(principal_id) DO NOTHING;
`, args...)
		} else {
			res, err = tx.ExecContext(ctx, `
UPDATE session_states
SET session_id = ?,
    started_at_ms = ?,
    checkpoint_ms = ?,
    today_key = ?,
    today_total_seconds = ?,
    last_login_ms = ?,
    last_logout_at_ms = ?,
    version = ?,
    updated_at_ms = ?
WHERE principal_id = ? AND version = ?;
`, append(args, expectedVersion)...)
		}
		if err != nil {
			return fmt.Errorf("Commit session: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("Commit rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrVersionConflict
		}

		for _, inc := range increments {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO daily_ledger(`+ledgerColumns+`)
VALUES (?, ?, ?, ?)
ON CONFLICT(principal_id, day_key) DO UPDATE
SET total_seconds = total_seconds + excluded.total_seconds,
    last_updated_at_ms = CASE WHEN excluded.total_seconds = 0
                              THEN last_updated_at_ms
                              ELSE excluded.last_updated_at_ms END;
`, session.PrincipalID, inc.Day, inc.Seconds, inc.At.UTC().UnixMilli()); err != nil {
				return fmt.Errorf("Commit ledger %s: %w", inc.Day, err)
			}
		}
		return nil
	})
}

func (s *accrualStore) Snapshot(ctx context.Context, principalID, day string) (storage.DaySnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.DaySnapshot{}, fmt.Errorf("Snapshot begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap storage.DaySnapshot
	rec, err := getSession(ctx, tx, principalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.DaySnapshot{}, err
	}
	snap.Session = rec

	entry, err := getLedgerEntry(ctx, tx, principalID, day)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.DaySnapshot{}, err
	}
	snap.Entry = entry

	return snap, nil
}

func (s *accrualStore) GetLedgerEntry(ctx context.Context, principalID, day string) (*storage.LedgerEntry, error) {
	return getLedgerEntry(ctx, s.db, principalID, day)
}

func (s *accrualStore) History(ctx context.Context, principalID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return queryLedger(ctx, s.db, `
SELECT `+ledgerColumns+`
FROM daily_ledger
WHERE principal_id = ?
ORDER BY day_key DESC
LIMIT ?;
`, principalID, limit)
}

func (s *accrualStore) ListDay(ctx context.Context, day string) ([]storage.LedgerEntry, error) {
	return queryLedger(ctx, s.db, `
SELECT `+ledgerColumns+`
FROM daily_ledger
WHERE day_key = ?
ORDER BY principal_id;
`, day)
}

func (s *accrualStore) DeleteDaysBefore(ctx context.Context, cutoffDay string) (int, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM daily_ledger WHERE day_key < ?;`, cutoffDay)
		if err != nil {
			return fmt.Errorf("DeleteDaysBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return int(deleted), err
}

func getSession(ctx context.Context, q queryer, principalID string) (*storage.SessionRecord, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM session_states
WHERE principal_id = ?;
`, principalID)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	return rec, nil
}

func getLedgerEntry(ctx context.Context, q queryer, principalID, day string) (*storage.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+ledgerColumns+`
FROM daily_ledger
WHERE principal_id = ? AND day_key = ?;
`, principalID, day)
	entry, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetLedgerEntry: %w", err)
	}
	return entry, nil
}

func queryLedger(ctx context.Context, q queryer, query string, args ...any) ([]storage.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanSession(row scanner) (*storage.SessionRecord, error) {
	var (
		rec                storage.SessionRecord
		startedMs, checkMs sql.NullInt64
		loginMs, logoutMs  sql.NullInt64
		updatedMs          int64
	)
	if err := row.Scan(
		&rec.PrincipalID, &rec.SessionID, &startedMs, &checkMs, &rec.TodayKey,
		&rec.TodayTotalSeconds, &loginMs, &logoutMs, &rec.Version, &updatedMs,
	); err != nil {
		return nil, err
	}
	rec.StartedAt = fromNullableMs(startedMs)
	rec.Checkpoint = fromNullableMs(checkMs)
	rec.LastLogin = fromNullableMs(loginMs)
	rec.LastLogoutAt = fromNullableMs(logoutMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &rec, nil
}

func scanLedger(row scanner) (*storage.LedgerEntry, error) {
	var (
		entry     storage.LedgerEntry
		updatedMs int64
	)
	if err := row.Scan(&entry.PrincipalID, &entry.Day, &entry.TotalSeconds, &updatedMs); err != nil {
		return nil, err
	}
	entry.LastUpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &entry, nil
}

func nullableMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromNullableMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

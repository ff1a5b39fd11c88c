package bolt

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/goodtune/dutyclock/internal/storage"
	"go.etcd.io/bbolt"
)

type accrualStore struct {
	db *bbolt.DB
}

func (s *accrualStore) GetSession(ctx context.Context, principalID string) (*storage.SessionRecord, error) {
	var rec *storage.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		rec, err = getValue[storage.SessionRecord](tx.Bucket([]byte(bucketSessions)), principalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *accrualStore) ListOpenSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	sessions := make([]storage.SessionRecord, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		open, err := indexBucket(tx, bucketIndexOpen)
		if err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketSessions))
		// Index keys are principal IDs, so ForEach yields them sorted.
		return open.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec, err := getValue[storage.SessionRecord](b, string(k))
			if err != nil {
				return err
			}
			sessions = append(sessions, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *accrualStore) Commit(ctx context.Context, expectedVersion int64, session storage.SessionRecord, increments []storage.LedgerIncrement) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions := tx.Bucket([]byte(bucketSessions))

		var current int64
		existing, err := getValue[storage.SessionRecord](sessions, session.PrincipalID)
		switch {
		case err == nil:
			current = existing.Version
		case err != storage.ErrNotFound:
			return err
		}
		if current != expectedVersion {
			return storage.ErrVersionConflict
		}

		session.Version = expectedVersion + 1
		if err := putValue(sessions, session.PrincipalID, session); err != nil {
			return err
		}

		open, err := indexBucket(tx, bucketIndexOpen)
		if err != nil {
			return err
		}
		if session.Open() {
			err = open.Put([]byte(session.PrincipalID), []byte{})
		} else {
			err = open.Delete([]byte(session.PrincipalID))
		}
		if err != nil {
			return err
		}

		ledger := tx.Bucket([]byte(bucketLedger))
		byPrincipal, err := indexBucket(tx, bucketIndexPrincipal)
		if err != nil {
			return err
		}
		for _, inc := range increments {
			key := ledgerKey(inc.Day, session.PrincipalID)
			entry, err := getValue[storage.LedgerEntry](ledger, key)
			switch {
			case err == storage.ErrNotFound:
				entry = &storage.LedgerEntry{PrincipalID: session.PrincipalID, Day: inc.Day}
			case err != nil:
				return err
			case inc.Seconds == 0:
				continue
			}
			entry.TotalSeconds += inc.Seconds
			entry.LastUpdatedAt = inc.At
			if err := putValue(ledger, key, entry); err != nil {
				return err
			}
			if err := byPrincipal.Put([]byte(principalIndexKey(session.PrincipalID, inc.Day)), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *accrualStore) Snapshot(ctx context.Context, principalID, day string) (storage.DaySnapshot, error) {
	var snap storage.DaySnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := getValue[storage.SessionRecord](tx.Bucket([]byte(bucketSessions)), principalID)
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		snap.Session = rec

		entry, err := getValue[storage.LedgerEntry](tx.Bucket([]byte(bucketLedger)), ledgerKey(day, principalID))
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		snap.Entry = entry
		return nil
	})
	return snap, err
}

func (s *accrualStore) GetLedgerEntry(ctx context.Context, principalID, day string) (*storage.LedgerEntry, error) {
	var entry *storage.LedgerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		entry, err = getValue[storage.LedgerEntry](tx.Bucket([]byte(bucketLedger)), ledgerKey(day, principalID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *accrualStore) History(ctx context.Context, principalID string, limit int) ([]storage.LedgerEntry, error) {
	entries := make([]storage.LedgerEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		byPrincipal, err := indexBucket(tx, bucketIndexPrincipal)
		if err != nil {
			return err
		}
		ledger := tx.Bucket([]byte(bucketLedger))

		prefix := []byte(principalIndexKey(principalID, ""))
		days := make([]string, 0)
		c := byPrincipal.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			days = append(days, string(k[len(prefix):]))
		}
		sort.Sort(sort.Reverse(sort.StringSlice(days)))
		if limit > 0 && len(days) > limit {
			days = days[:limit]
		}

		for _, day := range days {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			entry, err := getValue[storage.LedgerEntry](ledger, ledgerKey(day, principalID))
			if err != nil {
				return fmt.Errorf("ledger entry %s/%s: %w", day, principalID, err)
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *accrualStore) ListDay(ctx context.Context, day string) ([]storage.LedgerEntry, error) {
	entries := make([]storage.LedgerEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(ledgerKey(day, ""))
		c := tx.Bucket([]byte(bucketLedger)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var entry storage.LedgerEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *accrualStore) DeleteDaysBefore(ctx context.Context, cutoffDay string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ledger := tx.Bucket([]byte(bucketLedger))
		byPrincipal, err := indexBucket(tx, bucketIndexPrincipal)
		if err != nil {
			return err
		}

		// Collect first; deleting under a live cursor can skip keys.
		var stale []storage.LedgerEntry
		c := ledger.Cursor()
		for k, v := c.First(); k != nil && string(k) < cutoffDay; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var entry storage.LedgerEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			stale = append(stale, entry)
		}

		for _, entry := range stale {
			if err := ledger.Delete([]byte(ledgerKey(entry.Day, entry.PrincipalID))); err != nil {
				return err
			}
			if err := byPrincipal.Delete([]byte(principalIndexKey(entry.PrincipalID, entry.Day))); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

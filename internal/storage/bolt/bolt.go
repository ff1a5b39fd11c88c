package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions       = "sessions"
	bucketLedger         = "ledger"
	bucketIndexes        = "indexes"
	bucketIndexOpen      = "open"
	bucketIndexPrincipal = "principal"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketLedger, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		indexes := tx.Bucket([]byte(bucketIndexes))
		for _, name := range []string{bucketIndexOpen, bucketIndexPrincipal} {
			if _, err := indexes.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s index: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tx.Bucket([]byte(bucketSessions)) == nil {
			return fmt.Errorf("sessions bucket missing")
		}
		return nil
	})
}

// Accrual returns the accrual store.
func (s *Store) Accrual() storage.AccrualStore { return &accrualStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func getValue[T any](b *bbolt.Bucket, key string) (*T, error) {
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func putValue(b *bbolt.Bucket, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func indexBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(bucketIndexes))
	if root == nil {
		return nil, fmt.Errorf("indexes bucket missing")
	}
	b := root.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%s index missing", name)
	}
	return b, nil
}

// ledgerKey orders entries by day first so a cursor walks days in order.
// Day keys are fixed width, so the principal follows at a known offset.
func ledgerKey(day, principalID string) string {
	return day + "/" + principalID
}

func principalIndexKey(principalID, day string) string {
	return principalID + "\x00" + day
}

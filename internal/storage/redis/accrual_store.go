package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/redis/go-redis/v9"
)

type accrualStore struct {
	client *redis.Client
}

// GetSession retrieves a principal's session record
func (s *accrualStore) GetSession(ctx context.Context, principalID string) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(principalID)).Result()
	if err != nil {
		return nil, err
	}
	return parseSessionRecord(data)
}

// ListOpenSessions returns every session currently open
func (s *accrualStore) ListOpenSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	principals, err := s.client.SMembers(ctx, openSessionsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(principals) == 0 {
		return []storage.SessionRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(principals))
	for i, id := range principals {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.SessionRecord, 0, len(principals))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseSessionRecord(data)
		if err == nil && rec.Open() {
			sessions = append(sessions, *rec)
		}
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PrincipalID < sessions[j].PrincipalID })
	return sessions, nil
}

// Commit runs the version-checked commit script
func (s *accrualStore) Commit(ctx context.Context, expectedVersion int64, session storage.SessionRecord, increments []storage.LedgerIncrement) error {
	id := session.PrincipalID
	keys := make([]string, 0, 4+2*len(increments))
	keys = append(keys, sessionKey(id), openSessionsKey, historyKey(id), ledgerDaysKey)

	args := make([]interface{}, 0, 11+4*len(increments))
	args = append(args,
		expectedVersion,
		id,
		session.SessionID,
		formatOptionalTime(session.StartedAt),
		formatOptionalTime(session.Checkpoint),
		session.TodayKey,
		session.TodayTotalSeconds,
		formatOptionalTime(session.LastLogin),
		formatOptionalTime(session.LastLogoutAt),
		formatOptionalTime(&session.UpdatedAt),
		len(increments),
	)

	for _, inc := range increments {
		score, err := storage.DayScore(inc.Day)
		if err != nil {
			return err
		}
		keys = append(keys, ledgerKey(inc.Day, id), dayIndexKey(inc.Day))
		args = append(args, inc.Day, inc.Seconds, formatOptionalTime(&inc.At), score)
	}

	result, err := commitLua.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

// Snapshot reads the session and one ledger entry inside MULTI/EXEC
func (s *accrualStore) Snapshot(ctx context.Context, principalID, day string) (storage.DaySnapshot, error) {
	var sessionCmd, entryCmd *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		sessionCmd = pipe.HGetAll(ctx, sessionKey(principalID))
		entryCmd = pipe.HGetAll(ctx, ledgerKey(day, principalID))
		return nil
	})
	if err != nil && err != redis.Nil {
		return storage.DaySnapshot{}, err
	}

	var snap storage.DaySnapshot
	if data := sessionCmd.Val(); len(data) > 0 {
		rec, err := parseSessionRecord(data)
		if err != nil {
			return storage.DaySnapshot{}, err
		}
		snap.Session = rec
	}
	if data := entryCmd.Val(); len(data) > 0 {
		entry, err := parseLedgerEntry(data)
		if err != nil {
			return storage.DaySnapshot{}, err
		}
		snap.Entry = entry
	}
	return snap, nil
}

// GetLedgerEntry retrieves one principal's total for one day
func (s *accrualStore) GetLedgerEntry(ctx context.Context, principalID, day string) (*storage.LedgerEntry, error) {
	data, err := s.client.HGetAll(ctx, ledgerKey(day, principalID)).Result()
	if err != nil {
		return nil, err
	}
	return parseLedgerEntry(data)
}

// History lists a principal's ledger entries newest first
func (s *accrualStore) History(ctx context.Context, principalID string, limit int) ([]storage.LedgerEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	days, err := s.client.ZRevRange(ctx, historyKey(principalID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	ledgerKeys := make([]string, len(days))
	for i, day := range days {
		ledgerKeys[i] = ledgerKey(day, principalID)
	}
	return s.fetchEntries(ctx, ledgerKeys)
}

// ListDay returns every principal's entry for one day
func (s *accrualStore) ListDay(ctx context.Context, day string) ([]storage.LedgerEntry, error) {
	principals, err := s.client.SMembers(ctx, dayIndexKey(day)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(principals)

	ledgerKeys := make([]string, len(principals))
	for i, id := range principals {
		ledgerKeys[i] = ledgerKey(day, id)
	}
	return s.fetchEntries(ctx, ledgerKeys)
}

// DeleteDaysBefore removes all ledger data for days strictly before cutoffDay
func (s *accrualStore) DeleteDaysBefore(ctx context.Context, cutoffDay string) (int, error) {
	cutoff, err := storage.DayScore(cutoffDay)
	if err != nil {
		return 0, err
	}

	days, err := s.client.ZRangeByScore(ctx, ledgerDaysKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, day := range days {
		n, err := deleteDayLua.Run(ctx, s.client, []string{dayIndexKey(day), ledgerDaysKey}, day, ledgerPrefix).Int()
		if err != nil {
			return deleted, fmt.Errorf("delete ledger day %s: %w", day, err)
		}
		deleted += n
	}
	return deleted, nil
}

func (s *accrualStore) fetchEntries(ctx context.Context, keys []string) ([]storage.LedgerEntry, error) {
	if len(keys) == 0 {
		return []storage.LedgerEntry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	entries := make([]storage.LedgerEntry, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		entry, err := parseLedgerEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

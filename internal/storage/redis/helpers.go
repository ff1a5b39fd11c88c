package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
)

const keyPrefix = "dutyclock:"

const (
	openSessionsKey = keyPrefix + "sessions:open"
	ledgerPrefix    = keyPrefix + "ledger:"
	ledgerDaysKey   = ledgerPrefix + "days"
)

func sessionKey(principalID string) string {
	return keyPrefix + "session:" + principalID
}

func ledgerKey(day, principalID string) string {
	return ledgerPrefix + day + ":" + principalID
}

func dayIndexKey(day string) string {
	return ledgerPrefix + "index:" + day
}

func historyKey(principalID string) string {
	return ledgerPrefix + "history:" + principalID
}

// formatOptionalTime encodes nil as the empty string.
func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptionalTime(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return &t, nil
}

// parseSessionRecord converts a Redis hash to SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	rec := &storage.SessionRecord{
		PrincipalID: data["principal_id"],
		SessionID:   data["session_id"],
		TodayKey:    data["today_key"],
	}

	var err error
	if rec.StartedAt, err = parseOptionalTime(data["started_at"], "started_at"); err != nil {
		return nil, err
	}
	if rec.Checkpoint, err = parseOptionalTime(data["checkpoint"], "checkpoint"); err != nil {
		return nil, err
	}
	if rec.LastLogin, err = parseOptionalTime(data["last_login"], "last_login"); err != nil {
		return nil, err
	}
	if rec.LastLogoutAt, err = parseOptionalTime(data["last_logout_at"], "last_logout_at"); err != nil {
		return nil, err
	}

	updatedAt, err := parseOptionalTime(data["updated_at"], "updated_at")
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		rec.UpdatedAt = *updatedAt
	}

	if rec.TodayTotalSeconds, err = strconv.ParseInt(data["today_total_seconds"], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse today_total_seconds: %w", err)
	}
	if rec.Version, err = strconv.ParseInt(data["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	return rec, nil
}

// parseLedgerEntry converts a Redis hash to LedgerEntry
func parseLedgerEntry(data map[string]string) (*storage.LedgerEntry, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	entry := &storage.LedgerEntry{
		PrincipalID:  data["principal_id"],
		Day:          data["day"],
		TotalSeconds: totalSeconds,
	}

	lastUpdated, err := parseOptionalTime(data["last_updated_at"], "last_updated_at")
	if err != nil {
		return nil, err
	}
	if lastUpdated != nil {
		entry.LastUpdatedAt = *lastUpdated
	}

	return entry, nil
}

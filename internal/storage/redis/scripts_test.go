package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func commitArgs(expected int64, startedAt string, increments ...[4]interface{}) []interface{} {
	args := []interface{}{
		expected, "doc-1", "s1", startedAt, startedAt, "2024-01-15", 0,
		"", "", "2024-01-15T09:00:00Z", len(increments),
	}
	for _, inc := range increments {
		args = append(args, inc[0], inc[1], inc[2], inc[3])
	}
	return args
}

func commitKeys(days ...string) []string {
	keys := []string{sessionKey("doc-1"), openSessionsKey, historyKey("doc-1"), ledgerDaysKey}
	for _, day := range days {
		keys = append(keys, ledgerKey(day, "doc-1"), dayIndexKey(day))
	}
	return keys
}

func TestCommitScriptVersionCheck(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		expected    int64
		want        int64
		wantVersion string
	}{
		{name: "create with version 0", expected: 0, want: 1, wantVersion: "1"},
		{name: "second create rejected", expected: 0, want: 0, wantVersion: "1"},
		{name: "stale version rejected", expected: 2, want: 0, wantVersion: "1"},
		{name: "current version accepted", expected: 1, want: 1, wantVersion: "2"},
		{name: "same version replayed", expected: 1, want: 0, wantVersion: "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commitLua.Run(ctx, client, commitKeys(), commitArgs(tt.expected, "2024-01-15T09:00:00Z")...).Int64()
			if err != nil {
				t.Fatalf("Script failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected result %d, got %d", tt.want, got)
			}
			if v := mr.HGet(sessionKey("doc-1"), "version"); v != tt.wantVersion {
				t.Errorf("Expected version %s, got %s", tt.wantVersion, v)
			}
		})
	}
}

func TestCommitScriptRejectedLeavesLedgerUntouched(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	inc := [4]interface{}{"2024-01-15", 30, "2024-01-15T09:00:30Z", 20240115}
	if _, err := commitLua.Run(ctx, client, commitKeys("2024-01-15"), commitArgs(0, "2024-01-15T09:00:00Z", inc)...).Result(); err != nil {
		t.Fatalf("Script failed: %v", err)
	}

	got, err := commitLua.Run(ctx, client, commitKeys("2024-01-15"), commitArgs(0, "2024-01-15T09:00:00Z", inc)...).Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != 0 {
		t.Fatalf("Expected conflict, got %d", got)
	}
	if v := mr.HGet(ledgerKey("2024-01-15", "doc-1"), "total_seconds"); v != "30" {
		t.Errorf("Expected total_seconds 30, got %s", v)
	}
}

func TestCommitScriptMultipleDays(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	incs := [][4]interface{}{
		{"2024-01-15", 10, "2024-01-16T00:00:10Z", 20240115},
		{"2024-01-16", 10, "2024-01-16T00:00:10Z", 20240116},
	}
	_, err := commitLua.Run(ctx, client, commitKeys("2024-01-15", "2024-01-16"), commitArgs(0, "2024-01-15T23:59:50Z", incs...)...).Result()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}

	for _, day := range []string{"2024-01-15", "2024-01-16"} {
		if v := mr.HGet(ledgerKey(day, "doc-1"), "total_seconds"); v != "10" {
			t.Errorf("%s: expected 10, got %s", day, v)
		}
		if v := mr.HGet(ledgerKey(day, "doc-1"), "day"); v != day {
			t.Errorf("%s: expected day field, got %s", day, v)
		}
	}

	members, err := mr.ZMembers(ledgerDaysKey)
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 days indexed, got %v", members)
	}
}

func TestCommitScriptClosedSessionLeavesOpenSet(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	if _, err := commitLua.Run(ctx, client, commitKeys(), commitArgs(0, "2024-01-15T09:00:00Z")...).Result(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ok, _ := mr.SIsMember(openSessionsKey, "doc-1"); !ok {
		t.Fatal("Expected doc-1 in open set")
	}

	if _, err := commitLua.Run(ctx, client, commitKeys(), commitArgs(1, "")...).Result(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ok, _ := mr.SIsMember(openSessionsKey, "doc-1"); ok {
		t.Error("Expected doc-1 removed from open set")
	}
	if v := mr.HGet(sessionKey("doc-1"), "started_at"); v != "" {
		t.Errorf("Expected empty started_at, got %q", v)
	}
}

func TestDeleteDayScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	day := "2024-01-15"
	for _, id := range []string{"doc-1", "doc-2"} {
		mr.HSet(ledgerKey(day, id), "principal_id", id, "day", day, "total_seconds", "5")
		if _, err := mr.SAdd(dayIndexKey(day), id); err != nil {
			t.Fatalf("SAdd failed: %v", err)
		}
		if _, err := mr.ZAdd(historyKey(id), 20240115, day); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
	}
	if _, err := mr.ZAdd(ledgerDaysKey, 20240115, day); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}

	n, err := deleteDayLua.Run(ctx, client, []string{dayIndexKey(day), ledgerDaysKey}, day, ledgerPrefix).Int()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 deleted, got %d", n)
	}

	for _, key := range []string{ledgerKey(day, "doc-1"), ledgerKey(day, "doc-2"), dayIndexKey(day)} {
		if mr.Exists(key) {
			t.Errorf("Expected %s to be deleted", key)
		}
	}
	if _, err := mr.ZScore(historyKey("doc-1"), day); err == nil {
		t.Error("Expected history entry to be removed")
	}
}

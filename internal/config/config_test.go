package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "sqlite" {
		t.Errorf("Expected default storage type sqlite, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.Path != "/var/lib/dutyclock/dutyclock.db" {
		t.Errorf("Expected default storage path dutyclock.db, got %s", cfg.Storage.Path)
	}
	if cfg.Accrual.MinTickInterval != "10s" {
		t.Errorf("Expected default min_tick_interval 10s, got %s", cfg.Accrual.MinTickInterval)
	}
	if cfg.Accrual.HistoryLimit != 31 {
		t.Errorf("Expected default history_limit 31, got %d", cfg.Accrual.HistoryLimit)
	}
	if cfg.Accrual.StorageTimeout != "2s" {
		t.Errorf("Expected default storage_timeout 2s, got %s", cfg.Accrual.StorageTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: redis
  redis:
    host: redis.internal
    port: 6380
accrual:
  timezone: Europe/Paris
  min_tick_interval: 30s
  lenient_open_close: true
retention:
  enabled: true
  days: 90
  run_at: "04:30"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.Host != "redis.internal" || cfg.Storage.Redis.Port != 6380 {
		t.Errorf("Unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Storage.Redis.PoolSize != 10 {
		t.Errorf("Expected default pool size to survive partial section, got %d", cfg.Storage.Redis.PoolSize)
	}
	if !cfg.Accrual.LenientOpenClose {
		t.Error("Expected lenient_open_close to be true")
	}
	loc, err := cfg.Accrual.Location()
	if err != nil {
		t.Fatalf("Location failed: %v", err)
	}
	if loc.String() != "Europe/Paris" {
		t.Errorf("Expected Europe/Paris, got %s", loc)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Days != 90 || cfg.Retention.RunAt != "04:30" {
		t.Errorf("Unexpected retention config: %+v", cfg.Retention)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("DUTYCLOCK_STORAGE_TYPE", "memory")
	t.Setenv("DUTYCLOCK_ACCRUAL_HISTORY_LIMIT", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected env override to memory, got %s", cfg.Storage.Type)
	}
	if cfg.Accrual.HistoryLimit != 7 {
		t.Errorf("Expected history_limit 7, got %d", cfg.Accrual.HistoryLimit)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown storage", "storage:\n  type: mongo\n", "unknown storage type"},
		{"missing path", "storage:\n  type: sqlite\n  path: \"\"\n", "storage path is required"},
		{"bad timezone", "accrual:\n  timezone: Mars/Olympus\n", "invalid accrual.timezone"},
		{"bad interval", "accrual:\n  min_tick_interval: often\n", "invalid accrual.min_tick_interval"},
		{"zero interval", "accrual:\n  min_tick_interval: 0s\n", "invalid accrual.min_tick_interval"},
		{"bad timeout", "accrual:\n  storage_timeout: -1s\n", "invalid accrual.storage_timeout"},
		{"no retries", "accrual:\n  max_commit_retries: 0\n", "max_commit_retries"},
		{"bad history", "accrual:\n  history_limit: 0\n", "history_limit"},
		{"bad run_at", "retention:\n  run_at: \"25:99\"\n", "invalid retention.run_at"},
		{"bad retention days", "retention:\n  enabled: true\n  days: 0\n", "retention.days"},
		{"bad port", "server:\n  metrics_port: 70000\n", "invalid metrics port"},
		{"bad format", "logging:\n  format: xml\n", "unknown logging format"},
		{"bad redis timeout", "storage:\n  type: redis\n  redis:\n    dial_timeout: forever\n", "storage.redis.dial_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "storage: [unclosed\n")); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: memory
  typo_field: 1
accrual:
  min_tick_interval: 5s
dns:
  port: 53
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys failed: %v", err)
	}
	want := []string{"dns.port", "storage.typo_field"}
	if len(unknown) != len(want) {
		t.Fatalf("Expected %v, got %v", want, unknown)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], unknown[i])
		}
	}
}

func TestDefaultsMatchLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *Defaults() != *cfg {
		t.Errorf("Defaults() differs from Load(\"\"): %+v vs %+v", Defaults(), cfg)
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DUTYCLOCK_STORAGE_TYPE.
const EnvPrefix = "DUTYCLOCK"

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Accrual   AccrualConfig   `mapstructure:"accrual"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig defines the housekeeping daemon's listener
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"` // 0 disables the metrics listener
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // memory, redis, bolt or sqlite
	Path  string      `mapstructure:"path"` // database file for bolt and sqlite
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AccrualConfig tunes the session accrual engine
type AccrualConfig struct {
	Timezone            string `mapstructure:"timezone"`
	MinTickInterval     string `mapstructure:"min_tick_interval"`
	StorageTimeout      string `mapstructure:"storage_timeout"`
	MaxCommitRetries    int    `mapstructure:"max_commit_retries"`
	CheckpointCacheSize int    `mapstructure:"checkpoint_cache_size"`
	HistoryLimit        int    `mapstructure:"history_limit"`
	LenientOpenClose    bool   `mapstructure:"lenient_open_close"`
}

// RetentionConfig controls pruning of old ledger days
type RetentionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Days    int    `mapstructure:"days"`
	RunAt   string `mapstructure:"run_at"` // HH:MM in the accrual timezone
}

// Load loads configuration from file and environment variables.
// A missing file is not an error; defaults and environment apply.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys lists every recognised configuration key, sorted.
func KnownKeys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// UnknownKeys reads configPath and reports keys that no setting consumes.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, key := range KnownKeys() {
		known[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	// bolt locks its file, so only sqlite lets the CLI run beside the server
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/dutyclock/dutyclock.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Accrual defaults
	v.SetDefault("accrual.timezone", "Local")
	v.SetDefault("accrual.min_tick_interval", "10s")
	v.SetDefault("accrual.storage_timeout", "2s")
	v.SetDefault("accrual.max_commit_retries", 3)
	v.SetDefault("accrual.checkpoint_cache_size", 4096)
	v.SetDefault("accrual.history_limit", 31)
	v.SetDefault("accrual.lenient_open_close", false)

	// Retention defaults
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.days", 400)
	v.SetDefault("retention.run_at", "03:00")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "memory":
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
		for name, value := range map[string]string{
			"storage.redis.dial_timeout":  cfg.Storage.Redis.DialTimeout,
			"storage.redis.read_timeout":  cfg.Storage.Redis.ReadTimeout,
			"storage.redis.write_timeout": cfg.Storage.Redis.WriteTimeout,
		} {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format: %q", cfg.Logging.Format)
	}

	if _, err := cfg.Accrual.Location(); err != nil {
		return err
	}
	if d, err := time.ParseDuration(cfg.Accrual.MinTickInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid accrual.min_tick_interval: %q", cfg.Accrual.MinTickInterval)
	}
	if d, err := time.ParseDuration(cfg.Accrual.StorageTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid accrual.storage_timeout: %q", cfg.Accrual.StorageTimeout)
	}
	if cfg.Accrual.MaxCommitRetries < 1 {
		return fmt.Errorf("accrual.max_commit_retries must be at least 1")
	}
	if cfg.Accrual.CheckpointCacheSize < 0 {
		return fmt.Errorf("accrual.checkpoint_cache_size must not be negative")
	}
	if cfg.Accrual.HistoryLimit < 1 {
		return fmt.Errorf("accrual.history_limit must be at least 1")
	}

	if cfg.Retention.Enabled && cfg.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be at least 1")
	}
	if _, err := time.Parse("15:04", cfg.Retention.RunAt); err != nil {
		return fmt.Errorf("invalid retention.run_at %q (expected HH:MM): %w", cfg.Retention.RunAt, err)
	}

	return nil
}

// Location resolves the accrual timezone that defines calendar days.
func (c AccrualConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid accrual.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/dutyclock/internal/accrual"
	"github.com/goodtune/dutyclock/internal/clock"
	"github.com/goodtune/dutyclock/internal/config"
	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/bolt"
	"github.com/goodtune/dutyclock/internal/storage/memory"
	"github.com/goodtune/dutyclock/internal/storage/redis"
	"github.com/goodtune/dutyclock/internal/storage/sqlite"
)

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// quietLogger is used by one-shot commands so logs don't mix with reports.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

// accrualConfig maps the accrual section onto engine settings.
func accrualConfig(cfg config.AccrualConfig) (accrual.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return accrual.Config{}, err
	}

	return accrual.Config{
		Calendar:            accrual.NewCalendar(loc),
		MinTickInterval:     parseDuration(cfg.MinTickInterval, accrual.DefaultMinTickInterval),
		StorageTimeout:      parseDuration(cfg.StorageTimeout, accrual.DefaultStorageTimeout),
		MaxCommitRetries:    cfg.MaxCommitRetries,
		CheckpointCacheSize: cfg.CheckpointCacheSize,
		HistoryLimit:        cfg.HistoryLimit,
		LenientOpenClose:    cfg.LenientOpenClose,
		Clock:               clock.RealClock{},
	}, nil
}

// session bundles what the one-shot commands need.
type session struct {
	cfg    *config.Config
	store  storage.Store
	acfg   accrual.Config
	engine *accrual.Engine
	reader *accrual.Reader
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	acfg, err := accrualConfig(cfg.Accrual)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger := quietLogger()
	engine, err := accrual.NewEngine(store.Accrual(), acfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize accrual engine: %w", err)
	}

	return &session{
		cfg:    cfg,
		store:  store,
		acfg:   acfg,
		engine: engine,
		reader: accrual.NewReader(store.Accrual(), acfg, logger),
	}, nil
}

func (s *session) Close() {
	_ = s.store.Close()
}

// parseAt parses an RFC 3339 --at flag; empty means now.
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q (expected RFC 3339): %w", s, err)
	}
	return t, nil
}

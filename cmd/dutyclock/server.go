package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/dutyclock/internal/config"
	"github.com/goodtune/dutyclock/internal/metrics"
	"github.com/goodtune/dutyclock/internal/retention"
	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dutyclock housekeeping daemon",
	Long: `Start the housekeeping daemon: metrics and health endpoints, the open
sessions gauge and daily retention pruning of old ledger days.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting dutyclock")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	acfg, err := accrualConfig(cfg.Accrual)
	if err != nil {
		return err
	}

	// Initialize storage
	store, err := openStorage(cmd.Context(), cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")
	switch cfg.Storage.Type {
	case "memory":
		logger.Warn().Msg("Memory storage keeps nothing across restarts")
	case "bolt":
		logger.Warn().Str("path", cfg.Storage.Path).Msg("Bolt storage is locked by the server; CLI commands will time out until it stops")
	}

	prometheus.MustRegister(metrics.NewOpenSessionsGauge(openSessionCounter(store, acfg.StorageTimeout, logger)))

	// Initialize retention scheduler
	var scheduler *retention.Scheduler
	if cfg.Retention.Enabled {
		scheduler, err = retention.NewScheduler(store.Accrual(), acfg.Calendar, cfg.Retention, acfg.Clock, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
		scheduler.Start()
	}

	// Initialize metrics server
	var metricsServer *metrics.Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsServer = metrics.NewServer(metricsAddr, prometheus.DefaultGatherer, store.Ping, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	startWatchdog(ctx, logger)

	logger.Info().Bool("systemd", systemd.IsSystemdService()).Msg("dutyclock startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadLogLevel(logger)
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := metricsServer.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("dutyclock stopped")

	return nil
}

// openSessionCounter backs the open sessions gauge. A failed read reports NaN
// rather than zero so dashboards don't show an empty ward.
func openSessionCounter(store storage.Store, timeout time.Duration, logger zerolog.Logger) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		recs, err := store.Accrual().ListOpenSessions(ctx)
		metrics.ObserveStorage("list_open_sessions", start, err)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to count open sessions")
			return math.NaN()
		}
		return float64(len(recs))
	}
}

// reloadLogLevel re-reads the configuration on SIGHUP. Only the log level
// takes effect without a restart.
func reloadLogLevel(logger zerolog.Logger) {
	logger.Info().Msg("SIGHUP received, reloading configuration...")
	if err := systemd.NotifyReloading(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd reloading notification")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload configuration, keeping current settings")
	} else {
		zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))
		logger.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
}

func startWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := systemd.WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring systemd watchdog")
		return
	}
	if interval <= 0 {
		return
	}

	logger.Debug().Dur("interval", interval).Msg("Starting systemd watchdog")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

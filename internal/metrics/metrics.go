package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Engine metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutyclock_ticks_total",
			Help: "Total Tick calls by outcome",
		},
		[]string{"outcome"},
	)

	AccruedSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_accrued_seconds_total",
			Help: "Seconds flushed into the daily ledger",
		},
	)

	SessionsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_sessions_opened_total",
			Help: "Sessions opened",
		},
	)

	SessionsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_sessions_closed_total",
			Help: "Sessions closed",
		},
	)

	CommitConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_commit_conflicts_total",
			Help: "Session commits rejected by a concurrent writer and retried",
		},
	)

	// Checkpoint cache metrics
	CheckpointCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_checkpoint_cache_hits_total",
			Help: "Throttled ticks answered from the checkpoint cache",
		},
	)

	CheckpointCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_checkpoint_cache_misses_total",
			Help: "Ticks that had to read the session from storage",
		},
	)

	// Storage metrics
	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutyclock_storage_errors_total",
			Help: "Storage operation failures",
		},
		[]string{"operation"},
	)

	StorageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dutyclock_storage_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"operation"},
	)

	// Retention metrics
	LedgerEntriesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutyclock_ledger_entries_pruned_total",
			Help: "Ledger entries removed by retention",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		AccruedSecondsTotal,
		SessionsOpenedTotal,
		SessionsClosedTotal,
		CommitConflictsTotal,
		CheckpointCacheHits,
		CheckpointCacheMisses,
		StorageErrorsTotal,
		StorageDuration,
		LedgerEntriesPruned,
	)
}

// NewOpenSessionsGauge reports the open-session count on every scrape.
func NewOpenSessionsGauge(count func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dutyclock_open_sessions",
			Help: "Sessions currently open",
		},
		count,
	)
}

// ObserveStorage records the duration of one storage call and counts failures.
func ObserveStorage(operation string, start time.Time, err error) {
	StorageDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StorageErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// HealthFunc reports whether the service can reach its storage.
type HealthFunc func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. A nil health func always reports OK.
func NewServer(addr string, gatherer prometheus.Gatherer, health HealthFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/health", healthHandler(health))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

func healthHandler(health HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

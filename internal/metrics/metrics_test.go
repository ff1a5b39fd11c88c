package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"storage down", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestObserveStorageCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(StorageErrorsTotal.WithLabelValues("test-op"))

	ObserveStorage("test-op", time.Now(), nil)
	ObserveStorage("test-op", time.Now(), errors.New("boom"))

	after := testutil.ToFloat64(StorageErrorsTotal.WithLabelValues("test-op"))
	if after-before != 1 {
		t.Errorf("Expected exactly one error counted, got %v", after-before)
	}
}

func TestServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewOpenSessionsGauge(func() float64 { return 3 }))

	srv := NewServer("127.0.0.1:0", reg, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body failed: %v", err)
	}
	if !strings.Contains(string(body), "dutyclock_open_sessions 3") {
		t.Errorf("Expected open sessions gauge in output, got:\n%s", body)
	}
}

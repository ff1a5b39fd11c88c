package accrual

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func headerPrincipal(r *http.Request) (string, bool) {
	id := r.Header.Get("X-Principal")
	return id, id != ""
}

func TestTickMiddleware(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Open(context.Background(), doctor, f.clock.Now())
	require.NoError(t, err)

	calls := 0
	handler := TickMiddleware(f.engine, headerPrincipal, 10*time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		principal string
		advance   time.Duration
		storeErr  error
		ledger    int64
	}{
		{"anonymous request", "", 30 * time.Second, nil, 0},
		{"flushes elapsed time", doctor, 0, nil, 30},
		{"throttled", doctor, 5 * time.Second, nil, 30},
		{"storage down", doctor, time.Minute, errors.New("connection refused"), 30},
		{"recovers", doctor, 0, nil, 95},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(tt.advance)
			f.store.fail(tt.storeErr)
			defer f.store.fail(nil)

			req := httptest.NewRequest(http.MethodGet, "/patients", nil)
			if tt.principal != "" {
				req.Header.Set("X-Principal", tt.principal)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Equal(t, i+1, calls)

			f.store.fail(nil)
			require.Equal(t, tt.ledger, f.ledger(t, doctor, day15))
		})
	}
}

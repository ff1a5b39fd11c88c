package accrual

import (
	"net/http"
	"time"
)

// PrincipalFunc resolves the authenticated principal of a request.
type PrincipalFunc func(r *http.Request) (string, bool)

// TickMiddleware ticks the engine for every request with a resolvable
// principal and always passes the request on. Tick failures never reach
// the client.
func TickMiddleware(engine *Engine, principal PrincipalFunc, minInterval time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := principal(r); ok && id != "" {
				engine.Tick(r.Context(), id, engine.Clock().Now(), minInterval)
			}
			next.ServeHTTP(w, r)
		})
	}
}

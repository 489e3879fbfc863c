package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/reliapi/ledger-engine/internal/handler"
	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/metrics"
	"github.com/reliapi/ledger-engine/internal/repository"
)

const apiKeyHeader = "X-API-Key"

// RateLimit enforces a sliding-window request budget per caller. Callers
// are scoped by API key when they send one, otherwise by client IP. The
// check fails open when the limiter's store is unreachable: throttling is
// protection, not a correctness guarantee, and a store outage should not
// take reads down with it.
func RateLimit(limiter repository.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, kind := clientScope(r)

			decision, err := limiter.Check(r.Context(), scope, limit, window)
			if err != nil {
				log := logging.FromContext(r.Context())
				log.Warn("rate limit check failed, allowing request", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				// Label by scope kind, not the scope itself, to keep
				// metric cardinality bounded.
				metrics.RateLimitRejections.WithLabelValues(kind).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)+1))
				handler.RespondAppError(w, handler.ErrTooManyRequests, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientScope(r *http.Request) (scope, kind string) {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return "key:" + key, "key"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, "ip"
}

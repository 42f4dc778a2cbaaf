package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/ratelimit"
	"github.com/akarpov87/relaygw/internal/util"
)

// RateLimit rejects requests over the per-key allowance with a 429 and a
// Retry-After hint. Rejections are first-class outcomes: they are
// never retried and never count as backend failures.
func RateLimit(limiter ratelimit.Limiter, keyFn ratelimit.KeyFunc, logger observability.Logger, m *metrics.Metrics) Middleware {
	if keyFn == nil {
		keyFn = ratelimit.KeyByClientIP()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			decision := limiter.Allow(key)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			route := util.RouteFromContext(r.Context())
			if route == "" {
				route = metrics.UnmatchedRoute
			}

			logger.Warn("request rate limited",
				observability.String("request_id", util.RequestIDFromContext(r.Context())),
				observability.String("key", key),
				observability.String("route", route),
			)

			if m != nil {
				m.RecordRateLimitRejection(route)
			}

			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			util.WriteError(w, http.StatusTooManyRequests,
				"rate_limited", "rate limit exceeded, retry later")
		})
	}
}

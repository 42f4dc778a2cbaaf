package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/akarpov87/relaygw/internal/circuitbreaker"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// CircuitBreaker gates requests through the per-domain breaker. Open
// circuits answer 503 immediately without invoking downstream.
// Only backend-transport outcomes (502/504 from the handler) count as
// failures; rate-limit and circuit rejections never do.
func CircuitBreaker(registry *circuitbreaker.Registry, logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			match := MatchFromContext(r.Context())
			if match == nil {
				next.ServeHTTP(w, r)
				return
			}

			name := match.Route.Config.Service
			if name == "" {
				name = match.Route.Pattern
			}
			breaker := registry.Get(name)

			if err := breaker.Allow(); err != nil {
				if errors.Is(err, util.ErrCircuitOpen) {
					logger.Warn("request rejected by open circuit",
						observability.String("request_id", util.RequestIDFromContext(r.Context())),
						observability.String("breaker", name),
					)
					if remaining := breaker.RetryAfter(); remaining > 0 {
						retryAfter := int(math.Ceil(remaining.Seconds()))
						if retryAfter < 1 {
							retryAfter = 1
						}
						w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					}
					util.WriteError(w, http.StatusServiceUnavailable,
						"circuit_open", "service temporarily unavailable")
					return
				}
			}

			sw, ok := w.(*util.StatusCapturingResponseWriter)
			if !ok {
				sw = util.NewStatusCapturingResponseWriter(w)
			}
			next.ServeHTTP(sw, r)

			switch sw.StatusCode {
			case http.StatusBadGateway, http.StatusGatewayTimeout:
				breaker.RecordFailure()
			case http.StatusTooManyRequests, http.StatusServiceUnavailable:
				// First-class rejections, not backend failures.
				breaker.ReleaseTrial()
			default:
				breaker.RecordSuccess()
			}
		})
	}
}

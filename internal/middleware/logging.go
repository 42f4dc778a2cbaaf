package middleware

import (
	"net/http"
	"time"

	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// CompletionEvent is the read-only record handed to completion
// observers after the response has been written.
type CompletionEvent struct {
	RequestID string
	Method    string
	Path      string
	Route     string
	Status    int
	Bytes     int64
	Duration  time.Duration
	ClientIP  string
}

// CompletionObserver consumes completion events. Observers must not
// block; the response has already been sent when they run.
type CompletionObserver func(CompletionEvent)

// Logging emits one completion event per request, regardless of
// outcome, and records request metrics. This is the pipeline's sole
// mandatory observability hook.
func Logging(logger observability.Logger, m *metrics.Metrics, observers ...CompletionObserver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fallbackStart := time.Now()

			sw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(sw, r)

			ctx := r.Context()
			elapsed := util.ElapsedTime(ctx)
			if elapsed == 0 {
				elapsed = time.Since(fallbackStart)
			}
			routePattern := util.RouteFromContext(ctx)
			if routePattern == "" {
				routePattern = metrics.UnmatchedRoute
			}

			evt := CompletionEvent{
				RequestID: util.RequestIDFromContext(ctx),
				Method:    r.Method,
				Path:      r.URL.Path,
				Route:     routePattern,
				Status:    sw.StatusCode,
				Bytes:     sw.BytesWritten,
				Duration:  elapsed,
				ClientIP:  util.ClientIPFromContext(ctx),
			}

			logger.Info("request completed",
				observability.String("request_id", evt.RequestID),
				observability.String("method", evt.Method),
				observability.String("path", evt.Path),
				observability.String("route", evt.Route),
				observability.Int("status", evt.Status),
				observability.Int64("bytes", evt.Bytes),
				observability.Duration("duration", evt.Duration),
				observability.String("client_ip", evt.ClientIP),
			)

			if m != nil {
				m.RecordRequest(evt.Method, evt.Route, evt.Status, evt.Duration)
			}

			for _, observe := range observers {
				observe(evt)
			}
		})
	}
}

package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// Recovery catches panics from downstream middleware and handlers,
// logs them, and responds with a generic 500. Internal detail never
// reaches the client.
func Recovery(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw, ok := w.(*util.StatusCapturingResponseWriter)
			if !ok {
				sw = util.NewStatusCapturingResponseWriter(w)
			}

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler { //nolint:errorlint
						panic(rec)
					}

					logger.Error("panic recovered",
						observability.String("request_id", util.RequestIDFromContext(r.Context())),
						observability.String("path", r.URL.Path),
						observability.Any("panic", rec),
						observability.String("stack", string(debug.Stack())),
					)

					if !sw.HeaderWritten {
						util.WriteError(sw, http.StatusInternalServerError,
							"internal_error", "internal server error")
					}
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/akarpov87/relaygw/internal/util"
)

// RequestIDHeader carries the request id to clients and upstreams.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a unique id and a start timestamp.
// An inbound X-Request-ID is honored so ids survive gateway chains.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}

			ctx := util.ContextWithRequestID(r.Context(), id)
			ctx = util.ContextWithStartTime(ctx, time.Now())

			w.Header().Set(RequestIDHeader, id)
			r.Header.Set(RequestIDHeader, id)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP resolves the originating client address into the context.
func ClientIP() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := util.ContextWithClientIP(r.Context(), util.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

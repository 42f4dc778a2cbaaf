package middleware

import (
	"context"
	"net/http"

	"github.com/akarpov87/relaygw/internal/router"
	"github.com/akarpov87/relaygw/internal/util"
)

type matchKey struct{}

// ContextWithMatch attaches a route match to the context.
func ContextWithMatch(ctx context.Context, m *router.MatchResult) context.Context {
	return context.WithValue(ctx, matchKey{}, m)
}

// MatchFromContext returns the route match, or nil when the request
// did not match any route.
func MatchFromContext(ctx context.Context) *router.MatchResult {
	if m, ok := ctx.Value(matchKey{}).(*router.MatchResult); ok {
		return m
	}
	return nil
}

// RouteResolver matches the request against the router and attaches
// the result to the context so route-aware middleware downstream can
// read it. Unmatched requests pass through with no match attached;
// responding 404 is the pipeline handler's job, after all admission
// middleware have had their turn.
func RouteResolver(rt *router.Router) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if m, err := rt.Match(r.Method, r.URL.Path, r.URL.RawQuery); err == nil {
				ctx = ContextWithMatch(ctx, m)
				ctx = util.ContextWithRoute(ctx, m.Route.Pattern)
				if len(m.Params) > 0 {
					ctx = util.ContextWithPathParams(ctx, m.Params)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

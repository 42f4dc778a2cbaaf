package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// AuthQueryParam and AuthCookieName are the fallback credential
// carriers when no Authorization header is present.
const (
	AuthQueryParam = "access_token"
	AuthCookieName = "token"
)

// TokenVerifier is the authentication collaborator. The gateway never
// inspects credential internals; it only consumes the verified
// identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*util.Identity, error)
}

// ExtractToken pulls the credential from the request: bearer header
// first, then query parameter, then cookie.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	if token := r.URL.Query().Get(AuthQueryParam); token != "" {
		return token
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// Auth enforces the matched route's auth policy. Routes without the
// auth flag pass through untouched. Verified identities are attached
// to the context; role requirements on the route are checked against
// the identity's claims.
func Auth(verifier TokenVerifier, logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			match := MatchFromContext(r.Context())
			if match == nil || !match.Route.Config.AuthRequired {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				logger.Error("route requires auth but no verifier is configured",
					observability.String("route", match.Route.Pattern),
				)
				util.WriteError(w, http.StatusUnauthorized,
					"unauthorized", "authentication required")
				return
			}

			token := ExtractToken(r)
			if token == "" {
				util.WriteError(w, http.StatusUnauthorized,
					"unauthorized", "missing credentials")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("credential verification failed",
					observability.String("request_id", util.RequestIDFromContext(r.Context())),
					observability.String("route", match.Route.Pattern),
					observability.Error(err),
				)
				util.WriteError(w, http.StatusUnauthorized,
					"unauthorized", "invalid credentials")
				return
			}

			if roles := match.Route.Config.Roles; len(roles) > 0 {
				allowed := false
				for _, role := range roles {
					if identity.HasRole(role) {
						allowed = true
						break
					}
				}
				if !allowed {
					util.WriteError(w, http.StatusForbidden,
						"forbidden", "insufficient role")
					return
				}
			}

			ctx := util.ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

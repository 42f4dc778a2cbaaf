// Package ratelimit implements per-key request admission control.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/util"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Remaining is the number of requests left in the current window.
	Remaining int
	// RetryAfter is how long a denied caller should wait. Zero for
	// allowed requests.
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per key.
type Limiter interface {
	Allow(key string) Decision
	Stop()
}

// KeyFunc derives the admission key from a request.
type KeyFunc func(*http.Request) string

// KeyByClientIP keys admission on the client IP.
func KeyByClientIP() KeyFunc {
	return func(r *http.Request) string {
		return util.ClientIP(r)
	}
}

// KeyByHeader keys admission on a request header, falling back to the
// client IP when the header is absent.
func KeyByHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return v
		}
		return util.ClientIP(r)
	}
}

// NewFromConfig builds a limiter from configuration.
func NewFromConfig(cfg *config.RateLimitConfig) (Limiter, error) {
	switch cfg.Algorithm {
	case config.RateLimitFixedWindow:
		return NewFixedWindow(cfg.Requests, cfg.Window.Duration()), nil
	case config.RateLimitTokenBucket:
		return NewTokenBucket(cfg.Requests, cfg.Window.Duration(), cfg.Burst), nil
	default:
		return nil, util.NewConfigError("algorithm", "unknown rate limit algorithm: "+cfg.Algorithm)
	}
}

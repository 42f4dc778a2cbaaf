// Package router implements route registration and request matching.
//
// Routes without dynamic segments live in an exact-match table keyed by
// the normalized path. Routes with ":name" or "*" segments are kept in
// a list scanned in registration order, so the first registered pattern
// that matches wins.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// Route is a registered route with its compiled pattern.
type Route struct {
	Pattern string
	Methods []string
	Config  config.Route

	segments  []segment
	methodSet map[string]struct{}
}

// Allows reports whether the route accepts the given method.
func (r *Route) Allows(method string) bool {
	_, ok := r.methodSet[strings.ToUpper(method)]
	return ok
}

// MatchResult is the outcome of a successful route match.
type MatchResult struct {
	Route *Route
	// Params holds values captured by ":name" segments.
	Params map[string]string
	// Query holds the parsed query string parameters.
	Query url.Values
}

// Router matches incoming requests against registered routes.
type Router struct {
	mu      sync.RWMutex
	exact   map[string]*Route
	ordered []*Route
	logger  observability.Logger
}

// Option is a functional option for configuring the router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		exact:  make(map[string]*Route),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// AddRoute registers a route. Registering a pattern that already
// exists replaces the previous registration; a replaced dynamic route
// keeps its original position in the scan order.
func (r *Router) AddRoute(cfg config.Route) error {
	if cfg.Pattern == "" || !strings.HasPrefix(cfg.Pattern, "/") {
		return fmt.Errorf("invalid route pattern: %q", cfg.Pattern)
	}

	segments, dynamic := compilePattern(cfg.Pattern)

	route := &Route{
		Pattern:   cfg.Pattern,
		Methods:   cfg.Methods,
		Config:    cfg,
		segments:  segments,
		methodSet: make(map[string]struct{}, len(cfg.Methods)),
	}
	for _, m := range cfg.Methods {
		route.methodSet[strings.ToUpper(m)] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !dynamic {
		r.exact[normalizePath(cfg.Pattern)] = route
		r.logger.Debug("registered exact route",
			observability.String("pattern", cfg.Pattern),
		)
		return nil
	}

	for i, existing := range r.ordered {
		if existing.Pattern == cfg.Pattern {
			r.ordered[i] = route
			return nil
		}
	}
	r.ordered = append(r.ordered, route)

	r.logger.Debug("registered pattern route",
		observability.String("pattern", cfg.Pattern),
	)
	return nil
}

// RemoveRoute unregisters the route with the given pattern. It returns
// false if no such route exists.
func (r *Router) RemoveRoute(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizePath(pattern)
	if route, ok := r.exact[key]; ok && route.Pattern == pattern {
		delete(r.exact, key)
		return true
	}

	for i, route := range r.ordered {
		if route.Pattern == pattern {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			return true
		}
	}

	return false
}

// Match finds the route for a request. The exact table is consulted
// first; a path hit with a method mismatch does not stop the search,
// pattern routes are still scanned in registration order. When no
// route accepts both the path and the method, a RouteNotFoundError is
// returned.
func (r *Router) Match(method, path, rawQuery string) (*MatchResult, error) {
	method = strings.ToUpper(method)
	parts := splitPath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.exact[normalizePath(path)]; ok && route.Allows(method) {
		return newMatchResult(route, nil, rawQuery), nil
	}

	for _, route := range r.ordered {
		params, ok := matchSegments(route.segments, parts)
		if !ok {
			continue
		}
		if !route.Allows(method) {
			continue
		}
		return newMatchResult(route, params, rawQuery), nil
	}

	return nil, util.NewRouteNotFoundError(method, path)
}

// RouteCount returns the number of registered routes.
func (r *Router) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exact) + len(r.ordered)
}

// Routes returns all registered routes, exact table first, then
// pattern routes in registration order.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*Route, 0, len(r.exact)+len(r.ordered))
	for _, route := range r.exact {
		routes = append(routes, route)
	}
	routes = append(routes, r.ordered...)
	return routes
}

// Replace swaps the full route set atomically. Used by hot reload so
// in-flight matches never observe a half-updated table.
func (r *Router) Replace(routes []config.Route) error {
	fresh := New()
	for _, cfg := range routes {
		if err := fresh.AddRoute(cfg); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.exact = fresh.exact
	r.ordered = fresh.ordered
	r.mu.Unlock()

	r.logger.Info("route table replaced",
		observability.Int("routes", len(routes)),
	)
	return nil
}

func newMatchResult(route *Route, params map[string]string, rawQuery string) *MatchResult {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	return &MatchResult{
		Route:  route,
		Params: params,
		Query:  query,
	}
}

func normalizePath(path string) string {
	return "/" + strings.Trim(path, "/")
}

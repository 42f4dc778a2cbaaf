// Package gateway wires the router, registry, load balancer, breaker,
// limiter and proxy into one request pipeline and owns its lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/akarpov87/relaygw/internal/circuitbreaker"
	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/loadbalancer"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/middleware"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/proxy"
	"github.com/akarpov87/relaygw/internal/ratelimit"
	"github.com/akarpov87/relaygw/internal/registry"
	"github.com/akarpov87/relaygw/internal/router"
	"github.com/akarpov87/relaygw/internal/util"
)

// Gateway is the orchestrator: it owns the listener, the middleware
// chain, the router and the proxy handler.
type Gateway struct {
	cfg *config.GatewayConfig

	logger  observability.Logger
	metrics *metrics.Metrics
	tracing *observability.TracingProvider

	router   *router.Router
	registry *registry.Registry
	pools    *loadbalancer.Pools
	breakers *circuitbreaker.Registry
	limiter  ratelimit.Limiter
	proxy    *proxy.Handler
	verifier middleware.TokenVerifier
	syncer   *PoolSyncer

	engine          *gin.Engine
	listener        *Listener
	admin           *adminServer
	middlewareCount int
	observers       []middleware.CompletionObserver

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithTokenVerifier plugs in the authentication collaborator.
func WithTokenVerifier(v middleware.TokenVerifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithCompletionObserver registers an additional completion observer.
func WithCompletionObserver(obs middleware.CompletionObserver) Option {
	return func(g *Gateway) {
		g.observers = append(g.observers, obs)
	}
}

// New builds a gateway from configuration. Routes and services are
// registered immediately; network activity starts with Start.
func New(cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	g := &Gateway{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.router = router.New(router.WithLogger(g.logger))

	var regOpts []registry.Option
	regOpts = append(regOpts, registry.WithLogger(g.logger))
	if g.metrics != nil {
		regOpts = append(regOpts, registry.WithMetrics(g.metrics))
	}
	g.registry = registry.New(regOpts...)

	poolOpts := []loadbalancer.PoolsOption{loadbalancer.WithPoolsLogger(g.logger)}
	if g.metrics != nil {
		poolOpts = append(poolOpts, loadbalancer.WithPoolsMetrics(g.metrics))
	}
	g.pools = loadbalancer.NewPools(poolOpts...)

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.CircuitBreaker != nil {
		breakerCfg = circuitbreaker.Config{
			Threshold:        cfg.CircuitBreaker.Threshold,
			MonitoringPeriod: cfg.CircuitBreaker.MonitoringPeriod.Duration(),
			Timeout:          cfg.CircuitBreaker.Timeout.Duration(),
		}
	}
	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithLogger(g.logger)}
	if g.metrics != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithMetrics(g.metrics))
	}
	g.breakers = circuitbreaker.NewRegistry(breakerCfg, breakerOpts...)

	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewFromConfig(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		g.limiter = limiter
	}

	proxyOpts := []proxy.Option{proxy.WithLogger(g.logger)}
	if g.metrics != nil {
		proxyOpts = append(proxyOpts, proxy.WithMetrics(g.metrics))
	}
	g.proxy = proxy.New(proxyOpts...)

	g.syncer = NewPoolSyncer(g.registry, g.pools, g.logger)

	if cfg.Observability.Tracing.Enabled {
		g.tracing = observability.NewTracingProvider(&observability.TracingConfig{
			Enabled:     true,
			ServiceName: "relaygw",
			Endpoint:    cfg.Observability.Tracing.Endpoint,
			Insecure:    cfg.Observability.Tracing.Insecure,
			SampleRate:  cfg.Observability.Tracing.SampleRate,
		}, g.logger)
	}

	if err := g.applyRoutes(cfg); err != nil {
		return nil, err
	}

	g.buildEngine()

	g.listener = NewListener(cfg.Listener, g.engine, WithListenerLogger(g.logger))
	if cfg.Admin.Enabled {
		g.admin = newAdminServer(cfg.Admin, g, g.metrics, cfg.Observability.Metrics.Path, g.logger)
	}

	return g, nil
}

// applyRoutes registers the configuration's services and routes.
func (g *Gateway) applyRoutes(cfg *config.GatewayConfig) error {
	for _, svc := range cfg.Services {
		if err := g.registry.Register(svc); err != nil {
			return err
		}
		instances, _ := g.registry.Instances(svc.Name)
		if err := g.pools.Register(svc.Name, svc.Algorithm, instances); err != nil {
			return err
		}
	}

	for _, route := range cfg.Routes {
		if err := g.router.AddRoute(route); err != nil {
			return err
		}
	}

	return nil
}

// buildEngine assembles the middleware chain and mounts the pipeline
// on a gin engine as the catch-all handler.
func (g *Gateway) buildEngine() {
	chain := []middleware.Middleware{
		middleware.RequestID(),
		middleware.ClientIP(),
		middleware.RouteResolver(g.router),
		middleware.Logging(g.logger, g.metrics, g.observers...),
		middleware.Recovery(g.logger),
	}

	if g.cfg.Observability.Tracing.Enabled {
		chain = append(chain, observability.TracingMiddleware("relaygw"))
	}

	if g.limiter != nil {
		keyFn := ratelimit.KeyByClientIP()
		if name, ok := strings.CutPrefix(g.cfg.RateLimit.KeyBy, "header:"); ok {
			keyFn = ratelimit.KeyByHeader(name)
		}
		chain = append(chain, middleware.RateLimit(g.limiter, keyFn, g.logger, g.metrics))
	}

	if g.cfg.CircuitBreaker == nil || g.cfg.CircuitBreaker.Enabled {
		chain = append(chain, middleware.CircuitBreaker(g.breakers, g.logger))
	}

	chain = append(chain, middleware.Auth(g.verifier, g.logger))

	g.middlewareCount = len(chain)

	pipeline := middleware.Chain(chain...)(http.HandlerFunc(g.handleRequest))

	gin.SetMode(gin.ReleaseMode)
	g.engine = gin.New()
	g.engine.NoRoute(gin.WrapH(pipeline))
}

// handleRequest is the pipeline's final handler: it forwards matched
// requests and maps failures to status codes.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	match := middleware.MatchFromContext(r.Context())
	if match == nil {
		util.WriteError(w, http.StatusNotFound,
			"route_not_found", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
		return
	}

	var inst *registry.Instance
	if service := match.Route.Config.Service; service != "" {
		selected, err := g.pools.GetNext(service, util.ClientIPFromContext(r.Context()))
		if err != nil {
			util.WriteError(w, http.StatusServiceUnavailable,
				"service_unavailable", "no healthy instances available")
			return
		}
		inst = selected
		defer g.pools.Release(service, inst)

		r = r.WithContext(util.ContextWithInstance(r.Context(), inst.URL.String()))
	}

	pattern := match.Route.Pattern
	if g.metrics != nil {
		g.metrics.IncActiveRequests(pattern)
		defer g.metrics.DecActiveRequests(pattern)
	}

	if err := g.proxy.Handle(w, r, match, inst); err != nil {
		g.writeProxyError(w, r, err)
	}
}

// writeProxyError maps typed proxy failures to response codes:
// timeouts to 504, transport failures to 502, missing capacity to
// 503, anything else to 500.
func (g *Gateway) writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	fields := []observability.Field{
		observability.String("request_id", util.RequestIDFromContext(r.Context())),
		observability.String("path", r.URL.Path),
		observability.Error(err),
	}
	if inst := util.InstanceFromContext(r.Context()); inst != "" {
		fields = append(fields, observability.String("instance", inst))
	}
	switch {
	case util.IsClientError(err):
		g.logger.Warn("proxy failure", fields...)
	case util.IsServerError(err):
		g.logger.Error("proxy failure", fields...)
	default:
		g.logger.Error("unclassified proxy failure", fields...)
	}

	switch {
	case errors.Is(err, util.ErrTimeout):
		util.WriteError(w, http.StatusGatewayTimeout,
			"upstream_timeout", "upstream did not respond in time")
	case errors.Is(err, util.ErrBackendUnavail):
		util.WriteError(w, http.StatusServiceUnavailable,
			"service_unavailable", "no healthy instances available")
	case errors.Is(err, &util.BackendError{}):
		util.WriteError(w, http.StatusBadGateway,
			"upstream_error", "upstream request failed")
	default:
		util.WriteError(w, http.StatusInternalServerError,
			"internal_error", "internal server error")
	}
}

// Start begins serving traffic. It is idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	if g.tracing != nil {
		if err := g.tracing.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	g.syncer.Run(runCtx)

	if err := g.listener.Start(ctx); err != nil {
		cancel()
		return err
	}

	if g.admin != nil {
		if err := g.admin.start(); err != nil {
			cancel()
			return err
		}
	}

	g.running = true
	g.logger.Info("gateway started",
		observability.String("address", g.listener.Address()),
		observability.Int("routes", g.router.RouteCount()),
	)
	return nil
}

// Stop shuts the gateway down gracefully: the listener drains within
// the context deadline, then background components stop.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false

	var firstErr error

	if err := g.listener.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if g.admin != nil {
		if err := g.admin.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	g.cancel()
	g.registry.Stop()
	<-g.syncer.Done()

	if g.limiter != nil {
		g.limiter.Stop()
	}

	if g.tracing != nil {
		if err := g.tracing.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	g.logger.Info("gateway stopped")
	return firstErr
}

// Stopped returns a channel closed once the listening socket has
// fully closed.
func (g *Gateway) Stopped() <-chan struct{} {
	return g.listener.Stopped()
}

// Reload applies a new configuration's routes and services to the
// running gateway. The listener and middleware chain are untouched;
// only route tables, services and pools change.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if err := g.router.Replace(cfg.Routes); err != nil {
		return err
	}

	known := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		known[svc.Name] = true
		if err := g.registry.Register(svc); err != nil {
			return err
		}
		instances, _ := g.registry.Instances(svc.Name)
		if err := g.pools.Register(svc.Name, svc.Algorithm, instances); err != nil {
			return err
		}
	}

	for _, name := range g.registry.Services() {
		if !known[name] {
			g.registry.Deregister(name)
			g.pools.Remove(name)
		}
	}

	g.logger.Info("configuration reloaded",
		observability.Int("routes", g.router.RouteCount()),
		observability.Int("services", len(cfg.Services)),
	)
	return nil
}

// Router exposes the route table, mainly for tests and the admin
// endpoint.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Registry exposes the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Handler returns the gateway's HTTP handler, for serving through a
// custom listener or in tests.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

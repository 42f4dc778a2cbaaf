package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
)

// healthStatus is the operator-facing health report.
type healthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	RouteCount      int               `json:"routeCount"`
	MiddlewareCount int               `json:"middlewareCount"`
	Services        map[string]string `json:"services,omitempty"`
	Goroutines      int               `json:"goroutines"`
	HeapAllocBytes  uint64            `json:"heapAllocBytes"`
}

// adminServer serves the operator endpoints: a health report and the
// Prometheus metrics exposition.
type adminServer struct {
	cfg      config.AdminConfig
	gateway  *Gateway
	server   *http.Server
	logger   observability.Logger
	started  time.Time
	stopped  chan struct{}
}

func newAdminServer(cfg config.AdminConfig, gw *Gateway, m *metrics.Metrics, metricsPath string, logger observability.Logger) *adminServer {
	a := &adminServer{
		cfg:     cfg,
		gateway: gw,
		logger:  logger,
		started: time.Now(),
		stopped: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	if m != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		mux.Handle(metricsPath, m.Handler())
	}

	a.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a
}

func (a *adminServer) start() error {
	go func() {
		defer close(a.stopped)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("admin server terminated",
				observability.Error(err),
			)
		}
	}()

	a.logger.Info("admin server started",
		observability.String("address", a.cfg.Address()),
	)
	return nil
}

func (a *adminServer) stop(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	<-a.stopped
	return err
}

func (a *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	services := make(map[string]string)
	for name, state := range a.gateway.breakers.States() {
		services[name] = state.String()
	}

	status := healthStatus{
		Status:          "ok",
		Uptime:          time.Since(a.started).Round(time.Second).String(),
		RouteCount:      a.gateway.router.RouteCount(),
		MiddlewareCount: a.gateway.middlewareCount,
		Services:        services,
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  mem.HeapAlloc,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

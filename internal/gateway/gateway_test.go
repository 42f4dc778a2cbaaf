package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/middleware"
	"github.com/akarpov87/relaygw/internal/util"
)

func namedEchoServer(t *testing.T, name string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("X-Instance", name)
		fmt.Fprintf(w, "%s %s from %s", r.Method, r.URL.Path, name)
	}))
}

func baseConfig() *config.GatewayConfig {
	cfg := config.DefaultConfig()
	cfg.Admin.Enabled = false
	return cfg
}

func sendThrough(t *testing.T, g *Gateway, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, "http://gw.local"+path, nil)
	req.RemoteAddr = "198.51.100.20:40000"
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUnmatchedRouteIs404WithStructuredBody(t *testing.T) {
	cfg := baseConfig()
	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	rec := sendThrough(t, g, "GET", "/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body util.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "route_not_found", body.Error)
	assert.NotEmpty(t, body.Message)
	assert.False(t, body.Timestamp.IsZero())
}

func TestStaticRouteForwards(t *testing.T) {
	srv := namedEchoServer(t, "solo", nil)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Routes = []config.Route{{
		Pattern: "/api/hello",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	rec := sendThrough(t, g, "GET", "/api/hello")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "solo", rec.Header().Get("X-Instance"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestRoundRobinAcrossServiceInstances(t *testing.T) {
	a := namedEchoServer(t, "a", nil)
	defer a.Close()
	b := namedEchoServer(t, "b", nil)
	defer b.Close()

	cfg := baseConfig()
	cfg.Services = []config.Service{{
		Name:      "echo",
		Algorithm: config.AlgorithmRoundRobin,
		Instances: []config.Instance{{URL: a.URL, Weight: 1}, {URL: b.URL, Weight: 1}},
		HealthCheck: config.HealthCheckConfig{
			Interval: config.Duration(time.Hour),
			Timeout:  config.Duration(time.Second),
			Path:     "/health",
		},
	}}
	cfg.Routes = []config.Route{{
		Pattern: "/api/echo/*",
		Methods: []string{"GET"},
		Service: "echo",
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	var visits []string
	for i := 0; i < 4; i++ {
		rec := sendThrough(t, g, "GET", "/api/echo/ping")
		require.Equal(t, http.StatusOK, rec.Code)
		visits = append(visits, rec.Header().Get("X-Instance"))
	}

	// Strict alternation across the two healthy instances.
	assert.Equal(t, []string{visits[0], visits[1], visits[0], visits[1]}, visits)
	assert.NotEqual(t, visits[0], visits[1])
}

func TestRetryPolicyMakesExactAttempts(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Routes = []config.Route{{
		Pattern: "/api/flaky",
		Methods: []string{"GET"},
		Target:  srv.URL,
		Retry: config.RetryConfig{
			Attempts: 2,
			Delay:    config.Duration(5 * time.Millisecond),
		},
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	rec := sendThrough(t, g, "GET", "/api/flaky")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, int64(3), attempts.Load())

	var body util.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "upstream_error", body.Error)
}

func TestServiceWithoutHealthyInstancesIs503(t *testing.T) {
	cfg := baseConfig()
	cfg.Services = []config.Service{{
		Name:      "dead",
		Algorithm: config.AlgorithmRoundRobin,
		Instances: []config.Instance{{URL: "http://10.255.255.1:9999", Weight: 1}},
		HealthCheck: config.HealthCheckConfig{
			Interval: config.Duration(time.Hour),
			Timeout:  config.Duration(time.Second),
			Path:     "/health",
		},
	}}
	cfg.Routes = []config.Route{{
		Pattern: "/api/dead",
		Methods: []string{"GET"},
		Service: "dead",
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	instances, _ := g.registry.Instances("dead")
	require.Len(t, instances, 1)
	require.True(t, g.registry.SetHealthy("dead", instances[0].ID, false))

	rec := sendThrough(t, g, "GET", "/api/dead")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body util.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "service_unavailable", body.Error)
}

func TestCompletionObserverFiresForEveryOutcome(t *testing.T) {
	var events []middleware.CompletionEvent
	cfg := baseConfig()

	g, err := New(cfg, WithCompletionObserver(func(evt middleware.CompletionEvent) {
		events = append(events, evt)
	}))
	require.NoError(t, err)
	defer g.registry.Stop()

	sendThrough(t, g, "GET", "/missing")
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusNotFound, events[0].Status)
	assert.Equal(t, "/missing", events[0].Path)
	assert.NotEmpty(t, events[0].RequestID)
}

func TestRateLimitedPipelineRejects(t *testing.T) {
	srv := namedEchoServer(t, "x", nil)
	defer srv.Close()

	cfg := baseConfig()
	cfg.RateLimit = &config.RateLimitConfig{
		Enabled:   true,
		Algorithm: config.RateLimitFixedWindow,
		Requests:  2,
		Window:    config.Duration(time.Minute),
		KeyBy:     "ip",
	}
	cfg.Routes = []config.Route{{
		Pattern: "/api/hello",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer func() {
		g.registry.Stop()
		g.limiter.Stop()
	}()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, sendThrough(t, g, "GET", "/api/hello").Code)
	}

	rec := sendThrough(t, g, "GET", "/api/hello")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestReloadSwapsRoutes(t *testing.T) {
	srv := namedEchoServer(t, "v2", nil)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Routes = []config.Route{{
		Pattern: "/api/old",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}

	g, err := New(cfg)
	require.NoError(t, err)
	defer g.registry.Stop()

	require.Equal(t, http.StatusOK, sendThrough(t, g, "GET", "/api/old").Code)

	next := baseConfig()
	next.Routes = []config.Route{{
		Pattern: "/api/new",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}
	require.NoError(t, g.Reload(next))

	assert.Equal(t, http.StatusNotFound, sendThrough(t, g, "GET", "/api/old").Code)
	assert.Equal(t, http.StatusOK, sendThrough(t, g, "GET", "/api/new").Code)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestAdminHealthEndpoint(t *testing.T) {
	srv := namedEchoServer(t, "x", nil)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Listener.Bind = "127.0.0.1"
	cfg.Listener.Port = freePort(t)
	cfg.Admin.Enabled = true
	cfg.Admin.Bind = "127.0.0.1"
	cfg.Admin.Port = freePort(t)
	cfg.Routes = []config.Route{{
		Pattern: "/api/hello",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}

	g, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = g.Stop(stopCtx)
	}()

	url := fmt.Sprintf("http://%s/health", cfg.Admin.Address())
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url) //nolint:noctx
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 1, status.RouteCount)
	assert.Positive(t, status.MiddlewareCount)
	assert.Positive(t, status.Goroutines)
}

func TestStartServeStopLifecycle(t *testing.T) {
	srv := namedEchoServer(t, "live", nil)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Listener.Bind = "127.0.0.1"
	cfg.Listener.Port = freePort(t)
	cfg.Routes = []config.Route{{
		Pattern: "/ping",
		Methods: []string{"GET"},
		Target:  srv.URL,
	}}

	g, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Start(ctx))

	url := fmt.Sprintf("http://%s/ping", g.listener.Address())
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url) //nolint:noctx
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "GET /ping")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, g.Stop(stopCtx))

	select {
	case <-g.Stopped():
	default:
		t.Fatal("stopped signal not fired after Stop returned")
	}

	_, err = http.Get(url) //nolint:noctx
	assert.Error(t, err)
}

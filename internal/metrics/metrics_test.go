package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestCountsPerLabelSet(t *testing.T) {
	m := New("test")

	m.RecordRequest("GET", "/api/users/:id", 200, 15*time.Millisecond)
	m.RecordRequest("GET", "/api/users/:id", 200, 5*time.Millisecond)
	m.RecordRequest("POST", "/api/users", 502, 30*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.requestsTotal.WithLabelValues("GET", "/api/users/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.requestsTotal.WithLabelValues("POST", "/api/users", "502")))
}

func TestActiveRequestsGauge(t *testing.T) {
	m := New("test")

	m.IncActiveRequests("/api/echo/*")
	m.IncActiveRequests("/api/echo/*")
	m.DecActiveRequests("/api/echo/*")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.activeRequests.WithLabelValues("/api/echo/*")))
}

func TestInstanceHealthGauge(t *testing.T) {
	m := New("test")

	m.SetInstanceHealth("users", "http://127.0.0.1:9001", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.instanceHealth.WithLabelValues("users", "http://127.0.0.1:9001")))

	m.SetInstanceHealth("users", "http://127.0.0.1:9001", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(
		m.instanceHealth.WithLabelValues("users", "http://127.0.0.1:9001")))
}

func TestBreakerCollectors(t *testing.T) {
	m := New("test")

	m.SetBreakerState("users", 2)
	m.RecordBreakerTransition("users", "closed", "open")

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.breakerState.WithLabelValues("users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.breakerTransitions.WithLabelValues("users", "closed", "open")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New("test")
	m.RecordRequest("GET", "/ping", 200, time.Millisecond)
	m.RecordRateLimitRejection("/ping")
	m.RecordRetry("/ping")
	m.RecordBalancerSelection("users", "http://127.0.0.1:9001")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"test_requests_total",
		"test_request_duration_seconds",
		"test_rate_limit_rejections_total",
		"test_proxy_retries_total",
		"test_balancer_selections_total",
		"test_start_time_seconds",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), "missing metric %s", name)
	}
}

func TestEmptyNamespaceFallsBack(t *testing.T) {
	m := New("")

	m.RecordRequest("GET", "/", 200, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.requestsTotal.WithLabelValues("GET", "/", "200")))
}

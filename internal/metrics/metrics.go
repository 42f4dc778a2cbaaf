// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute is the label value used for requests that do not
// match any configured route, keeping cardinality bounded.
const UnmatchedRoute = "unmatched"

// Metrics holds all Prometheus collectors for the gateway. All
// collectors are registered against a private registry so tests can
// create independent instances.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	activeRequests      *prometheus.GaugeVec
	instanceHealth      *prometheus.GaugeVec
	breakerState        *prometheus.GaugeVec
	breakerTransitions  *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	balancerSelections  *prometheus.CounterVec
	retryAttempts       *prometheus.CounterVec
	startTime           prometheus.Gauge
	registry            *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relaygw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
		[]string{"route"},
	)

	m.instanceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health",
			Help:      "Service instance health (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "instance"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	m.rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	m.balancerSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balancer_selections_total",
			Help:      "Total number of load balancer instance selections",
		},
		[]string{"service", "instance"},
	)

	m.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_retries_total",
			Help:      "Total number of proxy retry attempts",
		},
		[]string{"route"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.instanceHealth,
		m.breakerState,
		m.breakerTransitions,
		m.rateLimitRejections,
		m.balancerSelections,
		m.retryAttempts,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed HTTP request. The route parameter
// should be the matched route pattern, not the raw request path, to
// prevent cardinality explosion.
func (m *Metrics) RecordRequest(
	method, route string,
	status int,
	duration time.Duration,
) {
	statusStr := strconv.Itoa(status)

	m.requestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.requestDuration.WithLabelValues(
		method, route, statusStr,
	).Observe(duration.Seconds())
}

// IncActiveRequests increments the in-flight gauge for a route.
func (m *Metrics) IncActiveRequests(route string) {
	m.activeRequests.WithLabelValues(route).Inc()
}

// DecActiveRequests decrements the in-flight gauge for a route.
func (m *Metrics) DecActiveRequests(route string) {
	m.activeRequests.WithLabelValues(route).Dec()
}

// SetInstanceHealth records the health of a service instance.
func (m *Metrics) SetInstanceHealth(service, instance string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.instanceHealth.WithLabelValues(service, instance).Set(value)
}

// SetBreakerState records the current circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition records a circuit breaker state transition.
func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordRateLimitRejection records a request rejected by the limiter.
func (m *Metrics) RecordRateLimitRejection(route string) {
	m.rateLimitRejections.WithLabelValues(route).Inc()
}

// RecordBalancerSelection records an instance selection.
func (m *Metrics) RecordBalancerSelection(service, instance string) {
	m.balancerSelections.WithLabelValues(service, instance).Inc()
}

// RecordRetry records a proxy retry attempt.
func (m *Metrics) RecordRetry(route string) {
	m.retryAttempts.WithLabelValues(route).Inc()
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the backing Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

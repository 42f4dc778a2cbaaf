// Package config defines the gateway configuration model and its YAML loader.
package config

import (
	"fmt"
	"net"
	"time"
)

// Load balancer algorithm names.
const (
	AlgorithmRoundRobin = "round-robin"
	AlgorithmLeastConn  = "least-connections"
	AlgorithmRandom     = "random"
	AlgorithmIPHash     = "ip-hash"
	AlgorithmWeighted   = "weighted"
)

// Rate limit algorithm names.
const (
	RateLimitFixedWindow = "fixed_window"
	RateLimitTokenBucket = "token_bucket"
)

// GatewayConfig is the root configuration for a gateway process.
type GatewayConfig struct {
	Listener       Listener              `yaml:"listener"`
	Admin          AdminConfig           `yaml:"admin"`
	Routes         []Route               `yaml:"routes"`
	Services       []Service             `yaml:"services"`
	RateLimit      *RateLimitConfig      `yaml:"rateLimit,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
	Observability  ObservabilityConfig   `yaml:"observability"`
	ShutdownGrace  Duration              `yaml:"shutdownGrace"`
}

// AdminConfig configures the operator-facing admin endpoint.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// Address returns the admin bind address in host:port form.
func (a *AdminConfig) Address() string {
	return net.JoinHostPort(a.Bind, fmt.Sprintf("%d", a.Port))
}

// RateLimitConfig configures per-key admission control.
type RateLimitConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Algorithm string   `yaml:"algorithm"`
	Requests  int      `yaml:"requests"`
	Window    Duration `yaml:"window"`
	Burst     int      `yaml:"burst"`
	// KeyBy selects the admission key: "ip" (default) or a header name
	// prefixed with "header:".
	KeyBy string `yaml:"keyBy"`
}

// CircuitBreakerConfig configures the gateway-level circuit breaker.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Threshold is the number of failures within the monitoring period
	// that opens the circuit.
	Threshold int `yaml:"threshold"`
	// MonitoringPeriod is the trailing window over which failures count.
	MonitoringPeriod Duration `yaml:"monitoringPeriod"`
	// Timeout is how long the circuit stays open before a half-open trial.
	Timeout Duration `yaml:"timeout"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"logLevel"`
	LogFormat string        `yaml:"logFormat"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Tracing   TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures prometheus metrics exposure on the admin endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
	Insecure   bool    `yaml:"insecure"`
}

// DefaultConfig returns a GatewayConfig with default values.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Listener: Listener{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Admin: AdminConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
			Tracing:   TracingConfig{SampleRate: 1.0, Insecure: true},
		},
		ShutdownGrace: Duration(30 * time.Second),
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Listener.Bind == "" {
		c.Listener.Bind = "0.0.0.0"
	}
	if c.Listener.Port == 0 {
		c.Listener.Port = 8080
	}
	if c.Admin.Bind == "" {
		c.Admin.Bind = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = 1.0
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(30 * time.Second)
	}

	if c.RateLimit != nil {
		c.RateLimit.applyDefaults()
	}
	if c.CircuitBreaker != nil {
		c.CircuitBreaker.applyDefaults()
	}
	for i := range c.Routes {
		c.Routes[i].applyDefaults()
	}
	for i := range c.Services {
		c.Services[i].applyDefaults()
	}
}

func (rl *RateLimitConfig) applyDefaults() {
	if rl.Algorithm == "" {
		rl.Algorithm = RateLimitFixedWindow
	}
	if rl.Requests == 0 {
		rl.Requests = 100
	}
	if rl.Window == 0 {
		rl.Window = Duration(time.Minute)
	}
	if rl.Burst == 0 {
		rl.Burst = rl.Requests
	}
	if rl.KeyBy == "" {
		rl.KeyBy = "ip"
	}
}

func (cb *CircuitBreakerConfig) applyDefaults() {
	if cb.Threshold == 0 {
		cb.Threshold = 5
	}
	if cb.MonitoringPeriod == 0 {
		cb.MonitoringPeriod = Duration(time.Minute)
	}
	if cb.Timeout == 0 {
		cb.Timeout = Duration(30 * time.Second)
	}
}

// Validate checks the configuration for errors.
func (c *GatewayConfig) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return err
	}

	serviceNames := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if err := svc.Validate(); err != nil {
			return err
		}
		if serviceNames[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		serviceNames[svc.Name] = true
	}

	for i := range c.Routes {
		route := &c.Routes[i]
		if err := route.Validate(); err != nil {
			return err
		}
		if route.Service != "" && !serviceNames[route.Service] {
			return fmt.Errorf("route %s references unknown service %s", route.Pattern, route.Service)
		}
	}

	if c.RateLimit != nil && c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case RateLimitFixedWindow, RateLimitTokenBucket:
		default:
			return fmt.Errorf("unknown rate limit algorithm: %s", c.RateLimit.Algorithm)
		}
	}

	return nil
}

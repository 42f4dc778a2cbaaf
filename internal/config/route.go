package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Route describes one gateway route: a path pattern, the methods it
// accepts, and the upstream it forwards to. Exactly one of Target or
// Service must be set.
type Route struct {
	Pattern string   `yaml:"pattern"`
	Methods []string `yaml:"methods"`
	// Target is a static upstream URL.
	Target string `yaml:"target,omitempty"`
	// Service names a registered service whose instances are balanced.
	Service string `yaml:"service,omitempty"`

	AuthRequired bool     `yaml:"authRequired"`
	Roles        []string `yaml:"roles,omitempty"`

	Timeout Duration    `yaml:"timeout"`
	Retry   RetryConfig `yaml:"retry"`

	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// RetryConfig configures per-route retry behavior.
type RetryConfig struct {
	// Attempts is the number of additional tries after the first failure.
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

func (r *Route) applyDefaults() {
	if len(r.Methods) == 0 {
		r.Methods = []string{"GET"}
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
}

// Validate checks the route for errors.
func (r *Route) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("route pattern must not be empty")
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return fmt.Errorf("route pattern must start with /: %s", r.Pattern)
	}
	if r.Target == "" && r.Service == "" {
		return fmt.Errorf("route %s must set target or service", r.Pattern)
	}
	if r.Target != "" && r.Service != "" {
		return fmt.Errorf("route %s must not set both target and service", r.Pattern)
	}
	if r.Target != "" {
		u, err := url.Parse(r.Target)
		if err != nil {
			return fmt.Errorf("route %s has invalid target: %w", r.Pattern, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("route %s target must be http or https: %s", r.Pattern, r.Target)
		}
	}
	if r.Retry.Attempts < 0 {
		return fmt.Errorf("route %s retry attempts must not be negative", r.Pattern)
	}
	return nil
}

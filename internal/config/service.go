package config

import (
	"fmt"
	"net/url"
	"time"
)

// Service describes a named upstream service with one or more instances.
type Service struct {
	Name      string     `yaml:"name"`
	Algorithm string     `yaml:"algorithm"`
	Instances []Instance `yaml:"instances"`

	HealthCheck HealthCheckConfig `yaml:"healthCheck"`
}

// Instance describes a single upstream endpoint of a service.
type Instance struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig configures active health probing of service instances.
type HealthCheckConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Path     string   `yaml:"path"`
}

func (s *Service) applyDefaults() {
	if s.Algorithm == "" {
		s.Algorithm = AlgorithmRoundRobin
	}
	for i := range s.Instances {
		if s.Instances[i].Weight == 0 {
			s.Instances[i].Weight = 1
		}
	}
	if s.HealthCheck.Interval == 0 {
		s.HealthCheck.Interval = Duration(10 * time.Second)
	}
	if s.HealthCheck.Timeout == 0 {
		s.HealthCheck.Timeout = Duration(2 * time.Second)
	}
	if s.HealthCheck.Path == "" {
		s.HealthCheck.Path = "/health"
	}
}

// Validate checks the service for errors.
func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	switch s.Algorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConn, AlgorithmRandom, AlgorithmIPHash, AlgorithmWeighted:
	default:
		return fmt.Errorf("service %s has unknown algorithm: %s", s.Name, s.Algorithm)
	}
	if len(s.Instances) == 0 {
		return fmt.Errorf("service %s must have at least one instance", s.Name)
	}
	for _, inst := range s.Instances {
		u, err := url.Parse(inst.URL)
		if err != nil {
			return fmt.Errorf("service %s has invalid instance URL: %w", s.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("service %s instance URL must be http or https: %s", s.Name, inst.URL)
		}
		if inst.Weight < 0 {
			return fmt.Errorf("service %s instance %s weight must not be negative", s.Name, inst.URL)
		}
	}
	return nil
}

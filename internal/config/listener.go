package config

import (
	"fmt"
	"net"
)

// Listener configures the address the gateway accepts traffic on.
type Listener struct {
	Bind string     `yaml:"bind"`
	Port int        `yaml:"port"`
	TLS  *TLSConfig `yaml:"tls,omitempty"`

	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`
}

// TLSConfig configures TLS termination on the listener.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Address returns the bind address in host:port form.
func (l *Listener) Address() string {
	return net.JoinHostPort(l.Bind, fmt.Sprintf("%d", l.Port))
}

// Validate checks the listener for errors.
func (l *Listener) Validate() error {
	if l.Port < 1 || l.Port > 65535 {
		return fmt.Errorf("listener port must be between 1 and 65535, got %d", l.Port)
	}
	if l.Bind != "" {
		if ip := net.ParseIP(l.Bind); ip == nil {
			return fmt.Errorf("listener bind must be an IP address, got %s", l.Bind)
		}
	}
	if l.TLS != nil {
		if l.TLS.CertFile == "" || l.TLS.KeyFile == "" {
			return fmt.Errorf("listener tls requires both certFile and keyFile")
		}
	}
	return nil
}

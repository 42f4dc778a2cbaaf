package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/observability"
)

// Listener owns the gateway's listening socket, plain or TLS per its
// configuration, never both.
type Listener struct {
	config  config.Listener
	server  *http.Server
	handler http.Handler
	logger  observability.Logger
	running atomic.Bool

	// stoppedCh closes only once Serve has fully returned, so waiters
	// know the socket is closed.
	stoppedCh chan struct{}
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener serving handler on the configured
// address.
func NewListener(cfg config.Listener, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		config:    cfg,
		handler:   handler,
		logger:    observability.NopLogger(),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Address returns the bind address in host:port form.
func (l *Listener) Address() string {
	return l.config.Address()
}

// TLSEnabled reports whether the listener terminates TLS.
func (l *Listener) TLSEnabled() bool {
	return l.config.TLS != nil
}

// Start binds the socket and begins serving in the background.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already running on %s", l.Address())
	}

	readTimeout := l.config.ReadTimeout.Duration()
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := l.config.WriteTimeout.Duration()
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := l.config.IdleTimeout.Duration()
	if idleTimeout == 0 {
		idleTimeout = 120 * time.Second
	}

	l.server = &http.Server{
		Addr:              l.Address(),
		Handler:           l.handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.Address())
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", l.Address(), err)
	}

	l.logger.Info("listener started",
		observability.String("address", ln.Addr().String()),
		observability.Bool("tls", l.TLSEnabled()),
	)

	go l.serve(ln)

	return nil
}

func (l *Listener) serve(ln net.Listener) {
	defer close(l.stoppedCh)

	var err error
	if l.TLSEnabled() {
		err = l.server.ServeTLS(ln, l.config.TLS.CertFile, l.config.TLS.KeyFile)
	} else {
		err = l.server.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener terminated",
			observability.String("address", l.Address()),
			observability.Error(err),
		)
	}
}

// Stop shuts the listener down gracefully: the socket stops accepting
// immediately, in-flight requests drain until the context expires.
// The Stopped channel fires only once the socket has fully closed.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}

	err := l.server.Shutdown(ctx)
	<-l.stoppedCh

	l.logger.Info("listener stopped",
		observability.String("address", l.Address()),
	)
	return err
}

// Stopped returns a channel closed once the listening socket has
// fully closed.
func (l *Listener) Stopped() <-chan struct{} {
	return l.stoppedCh
}

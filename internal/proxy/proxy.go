// Package proxy forwards matched requests to upstream targets over
// pooled connections, with bounded retry.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/registry"
	"github.com/akarpov87/relaygw/internal/retry"
	"github.com/akarpov87/relaygw/internal/router"
	"github.com/akarpov87/relaygw/internal/util"
)

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler forwards requests to upstream targets. Transports are
// shared across requests and keyed by scheme, so connections to the
// same backend are reused.
type Handler struct {
	plain   *http.Transport
	secure  *http.Transport
	logger  observability.Logger
	metrics *metrics.Metrics
}

// Option is a functional option for configuring the handler.
type Option func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics sink for the handler.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithInsecureTLS disables upstream certificate verification.
func WithInsecureTLS() Option {
	return func(h *Handler) {
		h.secure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
}

// New creates a proxy handler with per-scheme connection pools.
func New(opts ...Option) *Handler {
	h := &Handler{
		plain:  newTransport(),
		secure: newTransport(),
		logger: observability.NopLogger(),
	}
	h.secure.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Handle forwards the request to the route's target, or to the given
// instance when one was selected by the load balancer. It returns a
// typed error when forwarding fails before any response bytes reach
// the client; once the upstream response has begun streaming, errors
// are logged but not returned.
func (h *Handler) Handle(
	w http.ResponseWriter,
	r *http.Request,
	match *router.MatchResult,
	inst *registry.Instance,
) error {
	route := match.Route.Config

	base, err := h.targetBase(route.Target, inst)
	if err != nil {
		return err
	}

	ctx := r.Context()
	if timeout := route.Timeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outURL := rebaseURL(base, match.Route.Pattern, r.URL)

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return util.NewBackendError(route.Service, outURL.String(), "building upstream request failed", err)
	}
	outReq.ContentLength = r.ContentLength
	if r.GetBody != nil {
		outReq.GetBody = r.GetBody
	}

	copyHeaders(outReq.Header, r.Header)
	stripHopByHop(outReq.Header)
	setForwardingHeaders(outReq, r)
	outReq.Host = base.Host

	resp, err := h.roundTripWithRetry(ctx, outReq, &route, outURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	stripHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Response bytes are flowing; failures from here on cannot be
	// retried or converted into an error response.
	if _, err := copyStream(w, resp.Body); err != nil {
		h.logger.Warn("response stream interrupted",
			observability.String("target", outURL.Host),
			observability.Error(err),
		)
	}

	return nil
}

// roundTripWithRetry performs the upstream exchange, retrying
// transport failures per the route policy. Only failures before any
// response arrives are retried; timeouts are never retried.
func (h *Handler) roundTripWithRetry(
	ctx context.Context,
	outReq *http.Request,
	route *config.Route,
	outURL *url.URL,
) (*http.Response, error) {
	transport := h.plain
	if outURL.Scheme == "https" {
		transport = h.secure
	}

	policy := retry.Policy{
		Attempts: route.Retry.Attempts,
		Delay:    route.Retry.Delay.Duration(),
	}
	if !replayable(outReq) {
		policy.Attempts = 0
	}

	var resp *http.Response
	attempt := 0
	rewindFailed := false

	retryable := func(err error) bool {
		// A timeout aborts the whole exchange; a body that cannot be
		// rewound cannot be replayed.
		return !rewindFailed && !errors.Is(err, util.ErrTimeout)
	}

	err := retry.Do(ctx, policy, retryable, func(ctx context.Context) error {
		if attempt > 0 {
			if h.metrics != nil {
				h.metrics.RecordRetry(route.Pattern)
			}
			if outReq.GetBody != nil {
				body, err := outReq.GetBody()
				if err != nil {
					rewindFailed = true
					return util.NewBackendError(route.Service, outURL.String(), "rewinding request body failed", err)
				}
				outReq.Body = body
			}
		}
		attempt++

		var tripErr error
		resp, tripErr = transport.RoundTrip(outReq)
		if tripErr == nil {
			return nil
		}

		tripErr = h.classify(tripErr, route, outURL)
		if !errors.Is(tripErr, util.ErrTimeout) {
			h.logger.Warn("upstream attempt failed",
				observability.String("target", outURL.Host),
				observability.Int("attempt", attempt),
				observability.Error(tripErr),
			)
		}
		return tripErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = h.classify(err, route, outURL)
		}
		return nil, err
	}

	return resp, nil
}

// classify converts a transport error into the typed failure the
// orchestrator maps to a status code.
func (h *Handler) classify(err error, route *config.Route, outURL *url.URL) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return util.NewTimeoutError(outURL.String(), "upstream request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return util.NewTimeoutError(outURL.String(), "upstream request timed out", err)
	}
	return util.NewBackendError(route.Service, outURL.String(), "upstream request failed", err)
}

func (h *Handler) targetBase(target string, inst *registry.Instance) (*url.URL, error) {
	if inst != nil {
		return inst.URL, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, util.NewConfigError("target", err.Error())
	}
	return u, nil
}

// replayable reports whether the request body can be re-sent.
func replayable(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

// rebaseURL joins the target base with the inbound path, stripping
// the route pattern's static prefix first. The query string passes
// through untouched.
func rebaseURL(base *url.URL, pattern string, in *url.URL) *url.URL {
	out := *base
	out.Path = joinPath(base.Path, strippedPath(pattern, in.Path))
	out.RawQuery = in.RawQuery
	return &out
}

// strippedPath removes the pattern's leading literal segments from
// the request path.
func strippedPath(pattern, path string) string {
	prefix := staticPrefix(pattern)
	if prefix == "" || prefix == "/" {
		return path
	}

	trimmed := strings.TrimPrefix(strings.TrimSuffix(path, "/"), prefix)
	if trimmed == path {
		return path
	}
	return trimmed
}

// staticPrefix returns the pattern up to its first dynamic segment.
func staticPrefix(pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	var literals []string
	for _, seg := range segments {
		if seg == "*" || strings.HasPrefix(seg, ":") {
			break
		}
		literals = append(literals, seg)
	}
	if len(literals) == 0 {
		return "/"
	}
	return "/" + strings.Join(literals, "/")
}

func joinPath(basePath, rest string) string {
	basePath = strings.TrimSuffix(basePath, "/")
	if rest == "" {
		if basePath == "" {
			return "/"
		}
		return basePath
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return basePath + rest
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// setForwardingHeaders records the original client address, protocol
// and host for the upstream.
func setForwardingHeaders(out *http.Request, in *http.Request) {
	remoteIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		remoteIP = host
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+remoteIP)
	} else if remoteIP != "" {
		out.Header.Set("X-Forwarded-For", remoteIP)
	}

	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", in.Host)
}

// copyStream copies with periodic flushing so streamed responses are
// delivered incrementally.
func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)

	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

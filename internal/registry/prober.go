package registry

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akarpov87/relaygw/internal/observability"
)

// prober runs the active health check loops for registered services.
type prober struct {
	registry *Registry
	client   *http.Client
}

func newProber(r *Registry) *prober {
	return &prober{
		registry: r,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
			// Redirects from a health endpoint are treated as a
			// response in their own right, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// run probes every instance of the entry until the context is
// canceled. An immediate first round runs before the ticker starts.
func (p *prober) run(ctx context.Context, entry *serviceEntry) {
	defer close(entry.done)

	interval := entry.cfg.HealthCheck.Interval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.probeAll(ctx, entry)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx, entry)
		}
	}
}

// probeAll fans one probe per instance out concurrently, so a slow
// instance cannot delay the others' checks within the same tick.
func (p *prober) probeAll(ctx context.Context, entry *serviceEntry) {
	var wg sync.WaitGroup
	for _, inst := range entry.instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()

			healthy := p.probe(ctx, entry, inst)
			if ctx.Err() != nil {
				return
			}
			p.registry.applyHealth(entry.cfg.Name, inst, healthy)
		}(inst)
	}
	wg.Wait()
}

// probe performs a single health check request against an instance.
// Any 2xx response means healthy.
func (p *prober) probe(ctx context.Context, entry *serviceEntry, inst *Instance) bool {
	timeout := entry.cfg.HealthCheck.Timeout.Duration()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimSuffix(inst.URL.String(), "/") + entry.cfg.HealthCheck.Path

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		p.registry.logger.Error("building health check request failed",
			observability.String("instance", inst.URL.String()),
			observability.Error(err),
		)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

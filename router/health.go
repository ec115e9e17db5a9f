package router

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prober checks one backend address
type Prober interface {
	Probe(addr netip.AddrPort, host, path string) (int, error)
}

// HealthChecker periodically probes every backend and records the result
// on the backend, where Match picks it up
type HealthChecker struct {
	backends []*Backend
	prober   Prober
	path     string
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthChecker creates a checker that sends GET path to each backend
func NewHealthChecker(backends []*Backend, prober Prober, path string, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "/"
	}
	return &HealthChecker{
		backends: backends,
		prober:   prober,
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// CheckOnce probes every backend concurrently and waits for the results.
// A backend is healthy when its first address answers below 500.
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, b := range h.backends {
		addrs := b.Addrs()
		// The prober speaks plaintext only
		if len(addrs) == 0 || b.TLS() {
			continue
		}
		g.Go(func() error {
			status, err := h.prober.Probe(addrs[0], b.Host(), h.path)
			healthy := err == nil && status > 0 && status < 500
			if b.SetHealthy(healthy) {
				h.logger.Info("backend health changed",
					zap.String("backend", b.Name()),
					zap.Bool("healthy", healthy),
					zap.Int("status", status),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	g.Wait()
}

// Run checks at the configured interval until ctx is cancelled. A zero
// interval disables checking.
func (h *HealthChecker) Run(ctx context.Context) error {
	if h.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

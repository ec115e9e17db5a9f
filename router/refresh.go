package router

import (
	"context"
	"slices"
	"time"

	"github.com/nczempin/uproxy-go-uring/resolver"
	"go.uber.org/zap"
)

// Refresher keeps the addresses of named backends current
type Refresher struct {
	backends []*Backend
	resolver resolver.Resolver
	interval time.Duration
	logger   *zap.Logger
}

// NewRefresher creates a refresher for the backends that need resolution
func NewRefresher(backends []*Backend, r resolver.Resolver, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var named []*Backend
	for _, b := range backends {
		if b.NeedsResolve() {
			named = append(named, b)
		}
	}
	return &Refresher{backends: named, resolver: r, interval: interval, logger: logger}
}

// RefreshOnce resolves every named backend. A failed lookup keeps the
// previous addresses.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	var firstErr error
	for _, b := range r.backends {
		ips, err := r.resolver.Resolve(ctx, b.Host())
		if err != nil {
			r.logger.Warn("backend resolution failed", zap.String("backend", b.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		old := b.Addrs()
		b.SetAddrs(ips)
		if !slices.Equal(old, b.Addrs()) {
			r.logger.Info("backend addresses changed",
				zap.String("backend", b.Name()),
				zap.Int("addresses", len(ips)),
			)
		}
	}
	return firstErr
}

// Run refreshes at the configured interval until ctx is cancelled. The
// first refresh has already happened when the server starts, so Run waits
// one interval before its first lookup.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 || len(r.backends) == 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

package multiplexer

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SetupFunc prepares a worker's multiplexer before it starts polling, for
// example by registering a listening socket. It runs on the worker's
// thread.
type SetupFunc func(id int, m *Multiplexer) error

// Dispatcher runs a fixed pool of workers. Each worker is a goroutine
// locked to its own OS thread that owns one multiplexer for its whole
// lifetime; sockets never move between workers.
type Dispatcher struct {
	workers int
	cfg     Config
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher for the given number of workers
func NewDispatcher(workers int, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Dispatcher{workers: workers, cfg: cfg, logger: logger}
}

// Workers returns the size of the pool
func (d *Dispatcher) Workers() int { return d.workers }

// Run starts every worker and blocks until ctx is cancelled or one worker
// fails. A failing worker cancels the others.
func (d *Dispatcher) Run(ctx context.Context, setup SetupFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		id := i
		g.Go(func() error {
			return d.runWorker(ctx, id, setup)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, setup SetupFunc) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := d.logger.With(zap.Int("worker", id))
	m, err := New(fmt.Sprintf("worker-%d", id), d.cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	if setup != nil {
		if err := setup(id, m); err != nil {
			logger.Error("worker setup failed", zap.Error(err))
			return err
		}
	}

	logger.Info("worker started")
	defer logger.Info("worker stopped")
	return m.Run(ctx)
}

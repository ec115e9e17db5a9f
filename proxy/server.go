package proxy

import (
	"context"
	"net/netip"
	"sync"

	tls "github.com/sardanioss/utls"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nczempin/uproxy-go-uring/arena"
	"github.com/nczempin/uproxy-go-uring/client"
	"github.com/nczempin/uproxy-go-uring/config"
	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/multiplexer"
	"github.com/nczempin/uproxy-go-uring/resolver"
	"github.com/nczempin/uproxy-go-uring/router"
	"github.com/nczempin/uproxy-go-uring/tlsx"
	"github.com/nczempin/uproxy-go-uring/transport"
)

// Server is the reverse proxy. Each worker owns a multiplexer with its own
// SO_REUSEPORT listening socket; the routing table, the buffer arena and
// the counters are shared.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	table      *router.Table
	arena      *arena.Arena
	counters   *SimpleCounters
	serverTLS  *tls.Config
	health     *router.HealthChecker
	refresher  *router.Refresher
	dispatcher *multiplexer.Dispatcher

	mu   sync.Mutex
	fds  []int
	addr netip.AddrPort
}

// NewServer validates cfg and builds everything the workers share. No
// socket is opened until Listen or Run.
func NewServer(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	table, err := buildTable(cfg.Routes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		table:      table,
		arena:      arena.New(cfg.BufferSize),
		counters:   NewSimpleCounters(),
		dispatcher: multiplexer.NewDispatcher(cfg.Workers, multiplexer.Config{MaxSockets: cfg.MaxSockets}, logger),
	}

	if cfg.TLSEnabled() {
		s.serverTLS, err = tlsx.ServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
	}

	backends := table.Backends()
	for _, b := range backends {
		if b.NeedsResolve() {
			r, err := resolver.NewDNSResolver(cfg.Nameservers, cfg.ConnectTimeout, logger.Named("resolver"))
			if err != nil {
				return nil, err
			}
			s.refresher = router.NewRefresher(backends, r, cfg.ResolveInterval, logger.Named("resolver"))
			break
		}
	}

	if cfg.HealthCheckInterval > 0 {
		prober := client.NewProber(cfg.IOBackend, cfg.ConnectTimeout, logger.Named("health"))
		s.health = router.NewHealthChecker(backends, prober, cfg.HealthCheckPath, cfg.HealthCheckInterval, logger.Named("health"))
	}
	return s, nil
}

// buildTable parses the route specifications. Backends named identically
// in several rules share one Backend, so they share health state and the
// connection pool.
func buildTable(specs []string) (*router.Table, error) {
	byName := make(map[string]*router.Backend)
	rules := make([]router.Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := router.ParseRule(spec)
		if err != nil {
			return nil, err
		}
		for i, b := range r.Backends {
			if prev, ok := byName[b.Name()]; ok {
				r.Backends[i] = prev
				continue
			}
			byName[b.Name()] = b
		}
		rules = append(rules, r)
	}
	return router.NewTable(rules)
}

// Listen binds one listening socket per worker. The first binds the
// configured address; the others bind the address it resolved to, so a
// zero port works.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fds != nil {
		return errors.NewInvalidArgumentError("server is already listening")
	}

	n := s.dispatcher.Workers()
	addr := s.cfg.ListenAddr
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd, err := transport.Listen(addr, transport.ListenOptions{ReusePort: true})
		if err != nil {
			closeAll(fds)
			return err
		}
		fds = append(fds, fd)
		if i == 0 {
			bound, err := transport.LocalAddr(fd)
			if err != nil {
				closeAll(fds)
				return err
			}
			addr = bound
		}
	}

	s.fds = fds
	s.addr = addr
	s.logger.Info("listening",
		zap.Stringer("addr", addr),
		zap.Int("workers", n),
		zap.Bool("tls", s.serverTLS != nil),
		zap.String("io_backend", s.cfg.IOBackend),
	)
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			transport.CloseSocket(fd)
		}
	}
}

// Addr returns the bound address once Listen succeeded
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Counters returns the counters shared by every worker
func (s *Server) Counters() *SimpleCounters { return s.counters }

// Backends returns every configured backend
func (s *Server) Backends() []*router.Backend { return s.table.Backends() }

// takeListener hands worker id its listening descriptor
func (s *Server) takeListener(id int) (int, netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.fds[id]
	s.fds[id] = -1
	return fd, s.addr
}

// Run serves until ctx is cancelled or a worker fails. Backend names are
// resolved once before the first connection is accepted.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	listening := s.fds != nil
	s.mu.Unlock()
	if !listening {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.refresher != nil {
		if err := s.refresher.RefreshOnce(ctx); err != nil {
			s.logger.Warn("initial backend resolution incomplete", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatcher.Run(gctx, s.setupWorker)
	})
	if s.health != nil {
		g.Go(func() error { return s.health.Run(gctx) })
	}
	if s.refresher != nil {
		g.Go(func() error { return s.refresher.Run(gctx) })
	}
	err := g.Wait()

	s.mu.Lock()
	closeAll(s.fds)
	s.mu.Unlock()
	s.arena.Close()

	snap := s.counters.Snapshot()
	s.logger.Info("server stopped",
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("failed", snap.TotalFailed()),
		zap.Int64("bytes_upstream", snap.Upstream),
		zap.Int64("bytes_downstream", snap.Downstream),
	)
	return err
}

// setupWorker runs on each worker's thread before it starts polling
func (s *Server) setupWorker(id int, m *multiplexer.Multiplexer) error {
	fd, addr := s.takeListener(id)

	driver, err := transport.NewDriver(s.cfg.IOBackend)
	if err != nil {
		transport.CloseSocket(fd)
		return err
	}
	// rings are torn down with the arena once every worker has stopped
	s.arena.Register(arena.CleanupFunc(func() { driver.Close() }))

	logger := s.logger.With(zap.Int("worker", id))
	w := newWorker(id, s.cfg, m, driver, s.arena, s.table, s.counters, s.serverTLS, logger)
	if err := m.Add(newListeningSocket(w, fd, addr)); err != nil {
		transport.CloseSocket(fd)
		return err
	}
	logger.Debug("worker ready", zap.String("driver", driver.Name()))
	return nil
}

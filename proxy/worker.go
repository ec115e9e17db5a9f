package proxy

import (
	tls "github.com/sardanioss/utls"
	"go.uber.org/zap"

	"github.com/nczempin/uproxy-go-uring/arena"
	"github.com/nczempin/uproxy-go-uring/config"
	"github.com/nczempin/uproxy-go-uring/multiplexer"
	"github.com/nczempin/uproxy-go-uring/protocol"
	"github.com/nczempin/uproxy-go-uring/router"
	"github.com/nczempin/uproxy-go-uring/tlsx"
	"github.com/nczempin/uproxy-go-uring/transport"
)

// worker is everything one multiplexer thread needs to run contexts. Only
// the arena, router and counters are shared with other workers.
type worker struct {
	id       int
	cfg      config.Config
	mux      *multiplexer.Multiplexer
	driver   transport.Driver
	alloc    arena.Allocator
	router   router.Router
	counters Counters
	filters  protocol.Chain
	limits   protocol.Limits
	pool     *pool
	logger   *zap.Logger

	// serverTLS terminates client connections; nil for plain HTTP
	serverTLS *tls.Config
	clientTLS map[*router.Backend]*tls.Config

	scratch []byte
	via     string
}

func newWorker(id int, cfg config.Config, mux *multiplexer.Multiplexer, driver transport.Driver, alloc arena.Allocator,
	r router.Router, counters Counters, serverTLS *tls.Config, logger *zap.Logger) *worker {
	return &worker{
		id:        id,
		cfg:       cfg,
		mux:       mux,
		driver:    driver,
		alloc:     alloc,
		router:    r,
		counters:  counters,
		filters:   protocol.DefaultChain(),
		limits:    limitsFor(cfg),
		pool:      newPool(cfg.MaxIdlePerBackend),
		logger:    logger,
		serverTLS: serverTLS,
		clientTLS: make(map[*router.Backend]*tls.Config),
		scratch:   make([]byte, cfg.BufferSize),
		via:       "uproxy",
	}
}

func limitsFor(cfg config.Config) protocol.Limits {
	return protocol.Limits{
		MaxStartLine:  cfg.MaxStartLine,
		MaxHeaderLine: cfg.MaxHeaderLine,
		MaxHeaders:    cfg.MaxHeaders,
		MaxBody:       cfg.MaxBody,
	}
}

// newServerSession returns the TLS session for an accepted client, or nil
// when the listener is plain
func (w *worker) newServerSession() tlsx.Session {
	if w.serverTLS == nil {
		return nil
	}
	return tlsx.NewServer(w.serverTLS)
}

// newClientSession returns the TLS session for a connection to b, or nil
// when b speaks plain HTTP
func (w *worker) newClientSession(b *router.Backend) tlsx.Session {
	if !b.TLS() {
		return nil
	}
	cfg, ok := w.clientTLS[b]
	if !ok {
		cfg = tlsx.ClientConfig(b.ServerName(), b.Insecure())
		w.clientTLS[b] = cfg
	}
	return tlsx.NewClient(cfg)
}

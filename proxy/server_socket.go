package proxy

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
	"github.com/nczempin/uproxy-go-uring/router"
	"github.com/nczempin/uproxy-go-uring/transport"
	"go.uber.org/zap"
)

// ServerSocket is an outbound connection to a backend. It is attached to
// one Context at a time and parked in the worker's pool between
// exchanges.
type ServerSocket struct {
	w       *worker
	backend *router.Backend
	addr    netip.AddrPort
	ep      endpoint
	tx      *protocol.ServerTransaction
	stream  *protocol.Stream
	ctx     *Context

	connecting bool
	pooled     bool
	removed    bool
	// exchanges counts completed exchanges, so a reused connection can be
	// told apart from a fresh one
	exchanges int
}

// dialServer starts a non-blocking connect to addr and registers the
// socket with the worker's multiplexer
func dialServer(w *worker, b *router.Backend, addr netip.AddrPort) (*ServerSocket, error) {
	fd, inProgress, err := transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	tx, err := protocol.NewServerTransaction(w.alloc, w.limits, w.cfg.BufferSize)
	if err != nil {
		transport.CloseSocket(fd)
		return nil, err
	}

	s := &ServerSocket{
		w:          w,
		backend:    b,
		addr:       addr,
		tx:         tx,
		connecting: inProgress,
	}
	s.stream = protocol.NewStream(&tx.Transaction)
	s.ep = newEndpoint(fd, w.driver, w.newClientSession(b), w.scratch)

	if err := w.mux.Add(s); err != nil {
		s.removed = true
		s.ep.close()
		transport.CloseSocket(fd)
		tx.Release()
		return nil, err
	}
	w.logger.Debug("backend connect started",
		zap.String("backend", b.Name()),
		zap.Stringer("addr", addr),
		zap.Bool("in_progress", inProgress),
	)
	return s, nil
}

func (s *ServerSocket) Fd() int { return s.ep.fd }

func (s *ServerSocket) Name() string { return "server " + s.backend.Name() + " " + s.addr.String() }

// Backend returns the backend the socket is connected to
func (s *ServerSocket) Backend() *router.Backend { return s.backend }

// ready reports whether the socket can carry a request
func (s *ServerSocket) ready() bool {
	return !s.connecting && !s.ep.handshaking
}

func (s *ServerSocket) WantAccept() bool  { return false }
func (s *ServerSocket) WantConnect() bool { return s.connecting }

func (s *ServerSocket) WantRead() bool {
	switch {
	case s.connecting:
		return false
	case s.pooled:
		// any input on an idle connection is a close or garbage
		return true
	case s.ep.wantRead():
		return true
	}
	return s.ctx != nil && s.ctx.serverWantsRead()
}

func (s *ServerSocket) WantWrite() bool {
	if s.connecting {
		return false
	}
	return s.ep.pending() || !s.tx.Out().Empty()
}

func (s *ServerSocket) IdleTimeout() time.Duration {
	switch {
	case s.connecting || s.ep.handshaking:
		return s.w.cfg.ConnectTimeout
	case s.pooled:
		return s.w.cfg.PoolIdleTimeout
	case s.ctx != nil:
		return s.ctx.serverIdleLimit()
	default:
		return s.w.cfg.ExchangeIdleTimeout
	}
}

func (s *ServerSocket) HandleAccept() error { return nil }

// HandleConnect completes the non-blocking connect
func (s *ServerSocket) HandleConnect() error {
	s.connecting = false
	if err := transport.SocketError(s.ep.fd); err != nil {
		s.fail(errors.NewTransportError(errors.TransportErrorSocketConnectFailure, "connect failed", err))
		return nil
	}
	if s.ctx != nil {
		s.ctx.drive()
	}
	return nil
}

func (s *ServerSocket) HandleReadable() error {
	if s.pooled {
		return s.probeIdle()
	}
	if s.ctx != nil {
		s.ctx.drive()
	}
	return nil
}

func (s *ServerSocket) HandleWritable() error {
	if s.ctx != nil {
		s.ctx.drive()
	}
	return nil
}

func (s *ServerSocket) HandleError(err error) {
	if s.connecting {
		err = errors.NewTransportError(errors.TransportErrorSocketConnectFailure, "connect failed", err)
	}
	s.fail(err)
}

func (s *ServerSocket) HandleRemoteClose() {
	if s.ctx != nil {
		s.ctx.onServerHangup()
	}
}

func (s *ServerSocket) HandleIdle() {
	if s.connecting || s.ep.handshaking {
		s.fail(errors.NewTransportError(errors.TransportErrorTimeout, "connect timed out", nil))
		return
	}
	s.fail(errors.NewTransportError(errors.TransportErrorTimeout, "backend idle", nil))
}

// fail reports err to the attached context, if any
func (s *ServerSocket) fail(err error) {
	if s.ctx != nil {
		s.ctx.onServerFailure(err)
		return
	}
	s.w.mux.Remove(s)
}

// probeIdle reads from a pooled connection. Data or EOF while idle means
// the connection can no longer be reused.
func (s *ServerSocket) probeIdle() error {
	n, err := s.ep.driver.Read(s.ep.fd, s.ep.scratch)
	if err == errors.ErrWouldBlock {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.NewTransportError(errors.TransportErrorConnectionClosed,
		fmt.Sprintf("%d unexpected bytes on idle connection", n), nil)
}

// HandleRemove closes the descriptor. The buffers go back unless the
// attached context still relays a response out of them; it releases them
// once done.
func (s *ServerSocket) HandleRemove() {
	if s.removed {
		return
	}
	s.removed = true
	if s.pooled {
		s.w.pool.forget(s)
	}
	s.ep.close()
	transport.CloseSocket(s.ep.fd)
	if s.ctx != nil {
		s.ctx.serverRemoved(s)
	}
	if s.ctx == nil {
		s.tx.Release()
	}
	s.w.logger.Debug("backend connection closed", zap.String("backend", s.backend.Name()), zap.Stringer("addr", s.addr))
}

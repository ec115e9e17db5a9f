package proxy

import (
	"net/netip"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
	"github.com/nczempin/uproxy-go-uring/transport"
	"go.uber.org/zap"
)

// lingerTimeout bounds how long a closing client connection is drained
const lingerTimeout = 2 * time.Second

// ClientSocket is an accepted connection from a client. It owns the
// client-facing transaction for its whole life; each exchange on it gets
// a fresh Context.
type ClientSocket struct {
	w      *worker
	peer   netip.AddrPort
	ep     endpoint
	tx     *protocol.ClientTransaction
	stream *protocol.Stream
	ctx    *Context

	// lingering is set once the response was sent and the write side
	// shut down; remaining input is read and discarded until the client
	// closes
	lingering bool
	removed   bool
}

func newClientSocket(w *worker, fd int, peer netip.AddrPort) (*ClientSocket, error) {
	tx, err := protocol.NewClientTransaction(w.alloc, w.limits, w.cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	s := &ClientSocket{
		w:    w,
		peer: peer,
		tx:   tx,
	}
	s.stream = protocol.NewStream(&tx.Transaction)
	s.ep = newEndpoint(fd, w.driver, w.newServerSession(), w.scratch)
	s.ctx = newContext(w, s)
	return s, nil
}

func (s *ClientSocket) Fd() int { return s.ep.fd }

func (s *ClientSocket) Name() string { return "client " + s.peer.String() }

// Peer returns the client address
func (s *ClientSocket) Peer() netip.AddrPort { return s.peer }

func (s *ClientSocket) WantAccept() bool  { return false }
func (s *ClientSocket) WantConnect() bool { return false }

func (s *ClientSocket) WantRead() bool {
	if s.lingering || s.ep.wantRead() {
		return true
	}
	return s.ctx != nil && s.ctx.clientWantsRead()
}

func (s *ClientSocket) WantWrite() bool {
	if s.ep.pending() {
		return true
	}
	return !s.lingering && !s.tx.Out().Empty()
}

// IdleTimeout distinguishes a connection waiting for its next request
// from one in the middle of an exchange
func (s *ClientSocket) IdleTimeout() time.Duration {
	switch {
	case s.lingering:
		return lingerTimeout
	case s.ctx != nil:
		return s.ctx.clientIdleLimit()
	default:
		return s.w.cfg.ExchangeIdleTimeout
	}
}

func (s *ClientSocket) HandleAccept() error  { return nil }
func (s *ClientSocket) HandleConnect() error { return nil }

func (s *ClientSocket) HandleReadable() error {
	if s.lingering {
		return s.drain()
	}
	if s.ctx != nil {
		s.ctx.drive()
	}
	return nil
}

func (s *ClientSocket) HandleWritable() error {
	if s.lingering {
		if err := s.ep.send(); err != nil {
			if err == errors.ErrWouldBlock {
				return nil
			}
			return err
		}
		transport.ShutdownWrite(s.ep.fd)
		return nil
	}
	if s.ctx != nil {
		s.ctx.drive()
	}
	return nil
}

func (s *ClientSocket) HandleError(err error) {
	if s.ctx != nil {
		s.ctx.clientFailed(err)
	}
}

func (s *ClientSocket) HandleRemoteClose() {
	if s.ctx != nil {
		s.ctx.clientFailed(errors.NewTransportError(errors.TransportErrorConnectionClosed, "client hung up", nil))
	}
}

func (s *ClientSocket) HandleIdle() {
	if s.ctx != nil {
		s.ctx.clientIdle()
	}
}

// HandleRemove closes the descriptor and hands the buffers back
func (s *ClientSocket) HandleRemove() {
	if s.removed {
		return
	}
	s.removed = true
	if ctx := s.ctx; ctx != nil {
		s.ctx = nil
		ctx.clientRemoved()
	}
	s.ep.close()
	transport.CloseSocket(s.ep.fd)
	s.tx.Release()
	s.w.logger.Debug("client closed", zap.Stringer("peer", s.peer))
}

// nextExchange recycles the transaction for the next request. Pipelined
// bytes already read stay in the input buffer.
func (s *ClientSocket) nextExchange() {
	s.tx.Recycle()
	s.ctx = newContext(s.w, s)
	if !s.tx.In().Empty() {
		s.w.mux.Post(s)
	}
}

// linger shuts down the write side once everything was sent and waits
// for the client to close, so unread request bytes do not turn the close
// into a reset that could destroy the response in flight
func (s *ClientSocket) linger() {
	s.ctx = nil
	s.lingering = true
	s.ep.closeWrite()
	if !s.ep.pending() {
		transport.ShutdownWrite(s.ep.fd)
	}
	s.w.mux.Update(s)
}

// drain discards input of a lingering connection. Any error, including
// the client's EOF, ends the connection.
func (s *ClientSocket) drain() error {
	buf := s.tx.In().Bytes()
	for i := 0; i < maxRounds; i++ {
		_, err := s.ep.driver.Read(s.ep.fd, buf)
		if err == errors.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

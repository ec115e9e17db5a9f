package proxy

import (
	"net/netip"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/transport"
	"go.uber.org/zap"
)

// maxAcceptsPerEvent bounds the connections taken from the accept queue
// in one handler call
const maxAcceptsPerEvent = 64

// ListeningSocket accepts client connections for one worker
type ListeningSocket struct {
	w    *worker
	fd   int
	addr netip.AddrPort
}

func newListeningSocket(w *worker, fd int, addr netip.AddrPort) *ListeningSocket {
	return &ListeningSocket{w: w, fd: fd, addr: addr}
}

func (s *ListeningSocket) Fd() int                    { return s.fd }
func (s *ListeningSocket) Name() string               { return "listener " + s.addr.String() }
func (s *ListeningSocket) WantAccept() bool           { return true }
func (s *ListeningSocket) WantConnect() bool          { return false }
func (s *ListeningSocket) WantRead() bool             { return false }
func (s *ListeningSocket) WantWrite() bool            { return false }
func (s *ListeningSocket) IdleTimeout() time.Duration { return 0 }
func (s *ListeningSocket) HandleConnect() error       { return nil }
func (s *ListeningSocket) HandleReadable() error      { return nil }
func (s *ListeningSocket) HandleWritable() error      { return nil }
func (s *ListeningSocket) HandleRemoteClose()         {}
func (s *ListeningSocket) HandleIdle()                {}

// HandleAccept registers every pending connection as a ClientSocket
func (s *ListeningSocket) HandleAccept() error {
	for i := 0; i < maxAcceptsPerEvent; i++ {
		fd, peer, err := transport.Accept(s.fd)
		if err == errors.ErrWouldBlock {
			return nil
		}
		if err != nil {
			// EMFILE and friends: keep listening, the condition may clear
			s.w.logger.Warn("accept failed", zap.Error(err))
			return nil
		}

		client, err := newClientSocket(s.w, fd, peer)
		if err != nil {
			s.w.logger.Warn("failed to set up client", zap.Stringer("peer", peer), zap.Error(err))
			transport.CloseSocket(fd)
			continue
		}
		if err := s.w.mux.Add(client); err != nil {
			s.w.logger.Warn("rejecting client", zap.Stringer("peer", peer), zap.Error(err))
			client.HandleRemove()
			continue
		}
		s.w.logger.Debug("client accepted", zap.Stringer("peer", peer), zap.Int("fd", fd))
	}
	return nil
}

func (s *ListeningSocket) HandleError(err error) {
	s.w.logger.Error("listening socket failed", zap.Stringer("addr", s.addr), zap.Error(err))
}

func (s *ListeningSocket) HandleRemove() {
	transport.CloseSocket(s.fd)
}

// Package tlsx runs TLS over sockets driven by the multiplexer. A session
// never touches a descriptor: the owning socket feeds it ciphertext read
// from the network and writes out the ciphertext it produces.
package tlsx

import (
	"io"
	"net"
	"sync"
	"time"

	tls "github.com/sardanioss/utls"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// HandshakeStatus reports the progress of a handshake
type HandshakeStatus int

const (
	HandshakeComplete HandshakeStatus = iota
	HandshakeWantRead
	HandshakeWantWrite
	HandshakeFailed
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeComplete:
		return "COMPLETE"
	case HandshakeWantRead:
		return "WANT_READ"
	case HandshakeWantWrite:
		return "WANT_WRITE"
	case HandshakeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	// maxPlaintext bounds decrypted bytes waiting for the owner
	maxPlaintext = 64 * 1024
	// maxCiphertext bounds encrypted bytes waiting for the network
	maxCiphertext = 64 * 1024
)

// Session is a TLS connection stepped by its owning socket
type Session interface {
	// Handshake reports whether the handshake finished and, if not, which
	// direction the engine waits on
	Handshake() (HandshakeStatus, error)

	// Read copies decrypted application data into p. It returns
	// ErrWouldBlock when more ciphertext is needed and io.EOF once the
	// peer closed the session.
	Read(p []byte) (int, error)

	// Write encrypts p. It returns ErrWouldBlock before the handshake
	// completes or while too much ciphertext awaits the network.
	Write(p []byte) (int, error)

	// Want reports the direction the engine needs next
	Want() HandshakeStatus

	// FeedCiphertext hands bytes read from the network to the engine
	FeedCiphertext(p []byte)

	// FeedEOF tells the engine the network side was closed
	FeedEOF()

	// PendingCiphertext returns the bytes waiting to be sent; the view is
	// valid until the next DrainCiphertext
	PendingCiphertext() []byte

	// DrainCiphertext drops n bytes sent to the network
	DrainCiphertext(n int)

	CloseWrite() error
	Close() error
}

// conn is the part of a TLS connection the engine drives
type conn interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

// engineSession runs a TLS connection on a goroutine over in-memory queues.
// Every exported call returns only once that goroutine is quiescent:
// waiting for ciphertext, paused on a full plaintext queue, or finished.
type engineSession struct {
	mu   sync.Mutex
	cond *sync.Cond

	tls conn

	in    []byte
	out   []byte
	plain []byte

	inEOF  bool
	closed bool

	blocked bool
	paused  bool
	exited  bool

	handshakeDone bool
	handshakeErr  error
	readErr       error
}

func newEngine() *engineSession {
	s := &engineSession{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewServer creates a session that terminates TLS with cfg
func NewServer(cfg *tls.Config) Session {
	s := newEngine()
	s.tls = tls.Server(&memConn{s: s}, cfg)
	s.start()
	return s
}

// NewClient creates a session that originates TLS with cfg, presenting
// the Go default client hello
func NewClient(cfg *tls.Config) Session {
	s := newEngine()
	s.tls = tls.UClient(&memConn{s: s}, cfg, tls.HelloGolang)
	s.start()
	return s
}

func (s *engineSession) start() {
	go s.run()
	s.mu.Lock()
	s.settle()
	s.mu.Unlock()
}

func (s *engineSession) run() {
	defer func() {
		s.mu.Lock()
		s.exited = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	err := s.tls.Handshake()

	s.mu.Lock()
	s.handshakeDone = err == nil
	s.handshakeErr = err
	s.mu.Unlock()
	if err != nil {
		return
	}

	buf := make([]byte, 16*1024)
	for {
		n, err := s.tls.Read(buf)

		s.mu.Lock()
		s.plain = append(s.plain, buf[:n]...)
		if err != nil {
			s.readErr = err
			s.mu.Unlock()
			return
		}
		for len(s.plain) >= maxPlaintext && !s.closed {
			s.paused = true
			s.cond.Broadcast()
			s.cond.Wait()
		}
		s.paused = false
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

// settle waits until the engine goroutine cannot make progress. Callers
// hold s.mu.
func (s *engineSession) settle() {
	for !s.blocked && !s.paused && !s.exited {
		s.cond.Wait()
	}
}

func (s *engineSession) Handshake() (HandshakeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()

	switch {
	case s.handshakeErr != nil:
		return HandshakeFailed, errors.NewTransportError(errors.TransportErrorTLS, "handshake failed", s.handshakeErr)
	case s.handshakeDone:
		return HandshakeComplete, nil
	case len(s.out) > 0:
		return HandshakeWantWrite, nil
	default:
		return HandshakeWantRead, nil
	}
}

func (s *engineSession) Want() HandshakeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.out) > 0 {
		return HandshakeWantWrite
	}
	return HandshakeWantRead
}

func (s *engineSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()

	if len(s.plain) == 0 {
		switch {
		case s.readErr == io.EOF:
			return 0, io.EOF
		case s.readErr != nil:
			return 0, errors.NewTransportError(errors.TransportErrorTLS, "tls read failed", s.readErr)
		case s.handshakeErr != nil:
			return 0, errors.NewTransportError(errors.TransportErrorTLS, "handshake failed", s.handshakeErr)
		}
		return 0, errors.ErrWouldBlock
	}

	n := copy(p, s.plain)
	s.plain = s.plain[n:]
	if len(s.plain) == 0 {
		s.plain = nil
	}
	if s.paused && len(s.plain) < maxPlaintext {
		s.paused = false
		s.cond.Broadcast()
		s.settle()
	}
	return n, nil
}

func (s *engineSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.handshakeErr != nil:
		s.mu.Unlock()
		return 0, errors.NewTransportError(errors.TransportErrorTLS, "handshake failed", s.handshakeErr)
	case s.closed:
		s.mu.Unlock()
		return 0, errors.NewTransportError(errors.TransportErrorConnectionClosed, "session closed", nil)
	case !s.handshakeDone || len(s.out) >= maxCiphertext:
		s.mu.Unlock()
		return 0, errors.ErrWouldBlock
	}
	s.mu.Unlock()

	n, err := s.tls.Write(p)
	if err != nil {
		return n, errors.NewTransportError(errors.TransportErrorTLS, "tls write failed", err)
	}
	return n, nil
}

func (s *engineSession) FeedCiphertext(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = append(s.in, p...)
	s.blocked = false
	s.cond.Broadcast()
	s.settle()
}

func (s *engineSession) FeedEOF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inEOF = true
	s.blocked = false
	s.cond.Broadcast()
	s.settle()
}

func (s *engineSession) PendingCiphertext() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *engineSession) DrainCiphertext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = s.out[n:]
	if len(s.out) == 0 {
		s.out = nil
	}
}

// CloseWrite queues a close_notify alert
func (s *engineSession) CloseWrite() error {
	s.mu.Lock()
	done := s.handshakeDone
	s.mu.Unlock()
	if !done {
		return nil
	}
	return s.tls.CloseWrite()
}

// Close stops the engine goroutine
func (s *engineSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.blocked = false
	s.cond.Broadcast()
	s.settle()
	s.mu.Unlock()
	return nil
}

// memConn is the net.Conn the TLS connection runs over
type memConn struct {
	s *engineSession
}

func (c *memConn) Read(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.in) == 0 {
		if s.inEOF || s.closed {
			return 0, io.EOF
		}
		s.blocked = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.blocked = false
	n := copy(p, s.in)
	s.in = s.in[n:]
	if len(s.in) == 0 {
		s.in = nil
	}
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.out = append(s.out, p...)
	return len(p), nil
}

func (c *memConn) Close() error                       { return nil }
func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }

package proxy

import (
	"io"

	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/tlsx"
	"github.com/nczempin/uproxy-go-uring/transport"
)

// endpoint moves bytes between a non-blocking descriptor and a
// transaction's buffers, through a TLS session when there is one. Every
// method returns ErrWouldBlock instead of waiting.
type endpoint struct {
	fd      int
	driver  transport.Driver
	session tlsx.Session
	// scratch stages ciphertext read from the network; it is shared by
	// every endpoint of a worker
	scratch []byte

	handshaking bool
	eof         bool
}

func newEndpoint(fd int, driver transport.Driver, session tlsx.Session, scratch []byte) endpoint {
	return endpoint{
		fd:          fd,
		driver:      driver,
		session:     session,
		scratch:     scratch,
		handshaking: session != nil,
	}
}

// secure reports whether the endpoint runs TLS
func (e *endpoint) secure() bool {
	return e.session != nil
}

// pending reports whether the TLS session holds ciphertext not yet sent
func (e *endpoint) pending() bool {
	return e.session != nil && len(e.session.PendingCiphertext()) > 0
}

// wantRead reports whether an unfinished handshake waits for the peer
func (e *endpoint) wantRead() bool {
	return e.handshaking && e.session.Want() == tlsx.HandshakeWantRead
}

// fill reads into the free space of in. It returns ErrOutputFull when in
// has no room, io.EOF once the peer finished sending and ErrWouldBlock
// when nothing is available yet.
func (e *endpoint) fill(in *buffer.Buffer) (int, error) {
	if in.Free() == 0 {
		in.Compact()
	}
	dst := in.Writable()
	if len(dst) == 0 {
		return 0, errors.ErrOutputFull
	}

	if e.session == nil {
		n, err := e.driver.Read(e.fd, dst)
		if n > 0 {
			in.Commit(n)
		}
		if err == io.EOF {
			e.eof = true
		}
		return n, err
	}

	for {
		n, err := e.session.Read(dst)
		if n > 0 {
			in.Commit(n)
			return n, nil
		}
		if err != errors.ErrWouldBlock {
			return 0, err
		}
		if e.eof {
			return 0, io.EOF
		}
		if err := e.pull(); err != nil {
			return 0, err
		}
	}
}

// pull feeds one read worth of ciphertext to the session
func (e *endpoint) pull() error {
	n, err := e.driver.Read(e.fd, e.scratch)
	if n > 0 {
		e.session.FeedCiphertext(e.scratch[:n])
		return nil
	}
	if err == io.EOF {
		e.eof = true
		e.session.FeedEOF()
		return nil
	}
	return err
}

// send writes pending ciphertext to the network
func (e *endpoint) send() error {
	for {
		p := e.session.PendingCiphertext()
		if len(p) == 0 {
			return nil
		}
		n, err := e.driver.Write(e.fd, p)
		if n > 0 {
			e.session.DrainCiphertext(n)
		}
		if err != nil {
			return err
		}
	}
}

// flush writes the readable bytes of out. It returns the number of
// plaintext bytes taken from out.
func (e *endpoint) flush(out *buffer.Buffer) (int, error) {
	total := 0
	if e.session == nil {
		for !out.Empty() {
			n, err := e.driver.Write(e.fd, out.Readable())
			if n > 0 {
				out.Skip(n)
				total += n
			}
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}

	for {
		if err := e.send(); err != nil {
			return total, err
		}
		if out.Empty() || e.handshaking {
			return total, nil
		}
		n, err := e.session.Write(out.Readable())
		if n > 0 {
			out.Skip(n)
			total += n
		}
		if err != nil {
			return total, err
		}
	}
}

// handshake advances a TLS handshake as far as the descriptor allows. It
// returns nil once the handshake is complete.
func (e *endpoint) handshake() error {
	for e.handshaking {
		status, err := e.session.Handshake()
		switch status {
		case tlsx.HandshakeComplete:
			e.handshaking = false
		case tlsx.HandshakeFailed:
			return err
		case tlsx.HandshakeWantWrite:
			if err := e.send(); err != nil {
				return err
			}
		default:
			if e.eof {
				return errors.NewTransportError(errors.TransportErrorTLS, "connection closed during handshake", nil)
			}
			if err := e.pull(); err != nil {
				return err
			}
		}
	}
	// the final flight may still be queued
	if err := e.send(); err != nil && err != errors.ErrWouldBlock {
		return err
	}
	return nil
}

// closeWrite queues a close_notify and sends what the socket takes
func (e *endpoint) closeWrite() {
	if e.session == nil {
		return
	}
	e.session.CloseWrite()
	e.send()
}

// close stops the TLS session
func (e *endpoint) close() {
	if e.session != nil {
		e.session.Close()
	}
}

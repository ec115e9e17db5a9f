package transport

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// NetTransport implements the Transport interface on the Go runtime
// network poller. It needs no io_uring support from the kernel.
type NetTransport struct {
	conn        net.Conn
	dialTimeout time.Duration
	resolver    HostResolver
}

// NewNetTransport creates a new NetTransport. A zero dialTimeout leaves
// connects bounded only by the operating system.
func NewNetTransport(dialTimeout time.Duration) *NetTransport {
	return &NetTransport{dialTimeout: dialTimeout}
}

// SetResolver sets the resolver used for host names given to Connect
func (t *NetTransport) SetResolver(r HostResolver) { t.resolver = r }

// Connect establishes a TCP connection to the specified host and port
func (t *NetTransport) Connect(host string, port int) error {
	if t.conn != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			"already connected",
			nil,
		)
	}

	ap, err := resolveAddr(t.resolver, host, port, t.dialTimeout)
	if err != nil {
		return err
	}
	addr := ap.String()
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return classifyDialError(addr, err)
	}

	// Set TCP_NODELAY to disable Nagle's algorithm for lower latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return errors.NewTransportError(errors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
		}
	}

	t.conn = conn
	return nil
}

// classifyDialError maps dial failures onto transport error codes
func classifyDialError(addr string, err error) error {
	if isTimeout(err) {
		return errors.NewTransportError(errors.TransportErrorTimeout, fmt.Sprintf("connect to %s timed out", addr), err)
	}
	return errors.NewTransportError(errors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to %s", addr), err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SetDeadline bounds subsequent reads and writes
func (t *NetTransport) SetDeadline(deadline time.Time) error {
	if t.conn == nil {
		return nil
	}
	return t.conn.SetDeadline(deadline)
}

// Write sends data over the TCP connection
func (t *NetTransport) Write(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	n, err := t.conn.Write(buf)
	if err != nil {
		switch {
		case isTimeout(err):
			return n, errors.NewTransportError(errors.TransportErrorTimeout, "write timed out", err)
		case errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET):
			return n, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed during write", err)
		}
		return n, errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write failed", err)
	}

	return n, nil
}

// Read receives data from the TCP connection
func (t *NetTransport) Read(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, errors.NewTransportError(errors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	n, err := t.conn.Read(buf)
	if err != nil {
		switch {
		case isTimeout(err):
			return n, errors.NewTransportError(errors.TransportErrorTimeout, "read timed out", err)
		case errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET):
			return n, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed by peer", err)
		}
		return n, errors.NewTransportError(errors.TransportErrorSocketReadFailure, "read failed", err)
	}

	return n, nil
}

// Close closes the TCP connection
func (t *NetTransport) Close() error {
	if t.conn == nil {
		return nil // Idempotent close
	}

	err := t.conn.Close()
	t.conn = nil

	if err != nil {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "failed to close socket", err)
	}

	return nil
}

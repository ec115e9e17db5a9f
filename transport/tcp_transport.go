package transport

import (
	"fmt"
	"net/netip"
	"syscall"
	"time"

	"github.com/iceber/iouring-go"
	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// TcpTransport implements Transport using io_uring for async I/O. The
// socket stays in blocking mode so the ring parks each request until the
// socket is ready instead of completing it with EAGAIN.
type TcpTransport struct {
	iour     *iouring.IOURing
	fd       int
	closed   bool
	resolver HostResolver
	deadline fdDeadline
}

// NewTcpTransport creates a new TCP transport with io_uring
func NewTcpTransport() (*TcpTransport, error) {
	// Create io_uring instance with queue depth of 32
	iour, err := iouring.New(32)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &TcpTransport{
		iour: iour,
		fd:   -1,
	}, nil
}

// submit runs one request on the ring and waits for its result
func (t *TcpTransport) submit(req iouring.PrepRequest, op string) (int, error) {
	ch := make(chan iouring.Result, 1)
	submitted, err := t.iour.SubmitRequest(req, ch)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			fmt.Sprintf("failed to submit %s request", op),
			err,
		)
	}
	<-ch
	return completion(submitted)
}

// SetResolver sets the resolver used for host names given to Connect
func (t *TcpTransport) SetResolver(r HostResolver) { t.resolver = r }

// ringSockaddr converts addr for iouring-go, which takes syscall socket
// addresses
func ringSockaddr(addr netip.AddrPort) (syscall.Sockaddr, int) {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &syscall.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}, unix.AF_INET
	}
	return &syscall.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}, unix.AF_INET6
}

// Connect establishes a TCP connection using io_uring
func (t *TcpTransport) Connect(host string, port int) error {
	if t.fd >= 0 {
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			"already connected",
			nil,
		)
	}

	addr, err := resolveAddr(t.resolver, host, port, 0)
	if err != nil {
		return err
	}
	sa, family := ringSockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	// Set TCP_NODELAY
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to set TCP_NODELAY",
			err,
		)
	}

	prepReq, err := iouring.Connect(fd, sa)
	if err != nil {
		unix.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			"failed to prepare connect request",
			err,
		)
	}
	if _, err := t.submit(prepReq, "connect"); err != nil {
		unix.Close(fd)
		if _, ok := errors.TransportErrorOf(err); ok {
			return err
		}
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s:%d", host, port),
			err,
		)
	}

	t.fd = fd
	t.closed = false
	return nil
}

// SetDeadline bounds subsequent reads and writes
func (t *TcpTransport) SetDeadline(deadline time.Time) error {
	t.deadline.set(t.fd, deadline)
	return nil
}

// Write sends data over the connection using io_uring
func (t *TcpTransport) Write(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketWriteFailure,
			"not connected",
			nil,
		)
	}

	if t.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		n, err := t.submit(iouring.Send(t.fd, buf[totalWritten:], unix.MSG_NOSIGNAL), "write")
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if _, ok := errors.TransportErrorOf(err); !ok {
				err = errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write failed", err)
			}
			return totalWritten, t.deadline.check(err)
		}

		if n <= 0 {
			return totalWritten, t.deadline.check(errors.NewTransportError(
				errors.TransportErrorConnectionClosed,
				"connection closed during write",
				nil,
			))
		}

		totalWritten += n
	}

	return totalWritten, nil
}

// Read receives data from the connection using io_uring
func (t *TcpTransport) Read(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"not connected",
			nil,
		)
	}

	if t.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	for {
		n, err := t.submit(iouring.Recv(t.fd, buf, 0), "read")
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if _, ok := errors.TransportErrorOf(err); !ok {
				err = errors.NewTransportError(errors.TransportErrorSocketReadFailure, "read failed", err)
			}
			return 0, t.deadline.check(err)
		}

		if n == 0 && len(buf) > 0 {
			return 0, t.deadline.check(errors.NewTransportError(
				errors.TransportErrorConnectionClosed,
				"connection closed by peer",
				nil,
			))
		}

		return n, nil
	}
}

// Close closes the connection
func (t *TcpTransport) Close() error {
	if t.fd < 0 {
		return nil // Already closed or never connected
	}

	t.deadline.stop()
	t.closed = true
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"failed to close socket",
			err,
		)
	}

	return nil
}

// Destroy cleans up resources including the io_uring instance
func (t *TcpTransport) Destroy() {
	t.Close()
	if t.iour != nil {
		t.iour.Close()
		t.iour = nil
	}
}

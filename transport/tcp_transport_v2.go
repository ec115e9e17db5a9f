package transport

import (
	"fmt"
	"time"

	"github.com/godzie44/go-uring/uring"
	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// TcpTransportV2 implements Transport using godzie44/go-uring for async I/O
type TcpTransportV2 struct {
	ring     *uring.Ring
	fd       int
	resolver HostResolver
	deadline fdDeadline
}

// NewTcpTransportV2 creates a new TCP transport with io_uring (v2 using godzie44/go-uring)
func NewTcpTransportV2() (*TcpTransportV2, error) {
	// Create io_uring instance with queue depth of 32
	ring, err := uring.New(32)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &TcpTransportV2{
		ring: ring,
		fd:   -1,
	}, nil
}

// Connect establishes a TCP connection
func (t *TcpTransportV2) Connect(host string, port int) error {
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
	sa, family := sockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	// go-uring has no connect operation, so connect is a plain blocking call
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s:%d", host, port),
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

	t.fd = fd
	return nil
}

// SetResolver sets the resolver used for host names given to Connect
func (t *TcpTransportV2) SetResolver(r HostResolver) { t.resolver = r }

// SetDeadline bounds subsequent reads and writes
func (t *TcpTransportV2) SetDeadline(deadline time.Time) error {
	t.deadline.set(t.fd, deadline)
	return nil
}

// Write sends data over the connection using io_uring
func (t *TcpTransportV2) Write(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketWriteFailure,
			"not connected",
			nil,
		)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		// Queue write operation; sockets ignore the offset
		if err := t.ring.QueueSQE(uring.Send(uintptr(t.fd), buf[totalWritten:], unix.MSG_NOSIGNAL), 0, 0); err != nil {
			return totalWritten, errors.NewTransportError(
				errors.TransportErrorIoUringSubmit,
				"failed to queue write request",
				err,
			)
		}

		n, err := reapOne(t.ring, "write")
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if _, ok := errors.TransportErrorOf(err); !ok {
				err = errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write operation failed", err)
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
func (t *TcpTransportV2) Read(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"not connected",
			nil,
		)
	}

	for {
		// Queue read operation
		if err := t.ring.QueueSQE(uring.Recv(uintptr(t.fd), buf, 0), 0, 0); err != nil {
			return 0, errors.NewTransportError(
				errors.TransportErrorIoUringSubmit,
				"failed to queue read request",
				err,
			)
		}

		n, err := reapOne(t.ring, "read")
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if _, ok := errors.TransportErrorOf(err); !ok {
				err = errors.NewTransportError(errors.TransportErrorSocketReadFailure, "read operation failed", err)
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
func (t *TcpTransportV2) Close() error {
	if t.fd < 0 {
		return nil
	}

	t.deadline.stop()
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
func (t *TcpTransportV2) Destroy() {
	t.Close()
	if t.ring != nil {
		t.ring.Close()
		t.ring = nil
	}
}

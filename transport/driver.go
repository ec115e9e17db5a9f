package transport

import (
	"fmt"
	"io"

	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// Driver performs the actual byte transfer on a non-blocking socket once
// the multiplexer has reported it ready. A worker owns one driver and only
// uses it from its own goroutine.
//
// Read returns io.EOF on an orderly shutdown by the peer and ErrWouldBlock
// when the socket has nothing to offer; Write returns ErrWouldBlock when the
// send buffer is full.
type Driver interface {
	Name() string
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close() error
}

// Backend names accepted by NewDriver
const (
	BackendSyscall = "syscall"
	BackendIoUring = "iouring"
	BackendUring   = "uring"
)

// NewDriver creates the driver for the named backend
func NewDriver(backend string) (Driver, error) {
	switch backend {
	case "", BackendSyscall:
		return SyscallDriver{}, nil
	case BackendIoUring:
		return NewRingDriver(32)
	case BackendUring:
		return NewRingDriverV2()
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown I/O backend %q", backend))
	}
}

// classifyRead turns a raw read result into the driver contract
func classifyRead(n int, err error, want int) (int, error) {
	switch {
	case err == nil && n == 0 && want > 0:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case err == unix.EAGAIN:
		return 0, errors.ErrWouldBlock
	case err == unix.ECONNRESET:
		return 0, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection reset by peer", err)
	default:
		return 0, errors.NewTransportError(errors.TransportErrorSocketReadFailure, "read failed", err)
	}
}

// classifyWrite turns a raw write result into the driver contract
func classifyWrite(n int, err error) (int, error) {
	switch err {
	case nil:
		return n, nil
	case unix.EAGAIN:
		return 0, errors.ErrWouldBlock
	case unix.EPIPE, unix.ECONNRESET:
		return 0, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed during write", err)
	default:
		return 0, errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write failed", err)
	}
}

// SyscallDriver transfers bytes with plain read and write system calls
type SyscallDriver struct{}

// Name identifies the driver in logs
func (SyscallDriver) Name() string { return BackendSyscall }

// Read receives into p
func (SyscallDriver) Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return classifyRead(n, err, len(p))
	}
}

// Write sends from p without blocking. MSG_NOSIGNAL keeps a dead peer
// from raising SIGPIPE.
func (SyscallDriver) Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		return classifyWrite(n, err)
	}
}

// Close releases nothing
func (SyscallDriver) Close() error { return nil }

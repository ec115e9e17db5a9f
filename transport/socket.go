package transport

import (
	"fmt"
	"net/netip"

	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// ListenOptions configures a non-blocking listening socket
type ListenOptions struct {
	Backlog int
	// ReusePort lets several workers bind the same address, each with its
	// own accept queue
	ReusePort bool
}

func sockaddr(addr netip.AddrPort) (unix.Sockaddr, int) {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}, unix.AF_INET6
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// Listen creates a non-blocking TCP listening socket bound to addr
func Listen(addr netip.AddrPort, opts ListenOptions) (int, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create listening socket",
			err,
		)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.NewTransportError(errors.TransportErrorSocketCreateFailure, "failed to set SO_REUSEADDR", err)
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, errors.NewTransportError(errors.TransportErrorSocketCreateFailure, "failed to set SO_REUSEPORT", err)
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			fmt.Sprintf("failed to bind %s", addr),
			err,
		)
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.NewTransportError(errors.TransportErrorSocketCreateFailure, "failed to listen", err)
	}
	return fd, nil
}

// Accept takes one pending connection off a listening socket. The new
// socket is non-blocking with TCP_NODELAY set. ErrWouldBlock means the
// accept queue is empty.
func Accept(fd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return nfd, addrPort(sa), nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, netip.AddrPort{}, errors.ErrWouldBlock
		default:
			return -1, netip.AddrPort{}, errors.NewTransportError(
				errors.TransportErrorSocketReadFailure,
				"accept failed",
				err,
			)
		}
	}
}

// Dial starts a non-blocking connect to addr. The returned bool is true
// when the connect is still in progress and completion must be awaited
// through writability and SocketError.
func Dial(addr netip.AddrPort) (int, bool, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	for {
		err = unix.Connect(fd, sa)
		switch err {
		case nil:
			return fd, false, nil
		case unix.EINTR:
			continue
		case unix.EINPROGRESS, unix.EALREADY:
			return fd, true, nil
		default:
			unix.Close(fd)
			return -1, false, errors.NewTransportError(
				errors.TransportErrorSocketConnectFailure,
				fmt.Sprintf("failed to connect to %s", addr),
				err,
			)
		}
	}
}

// SocketError fetches and clears the pending error of a socket
func SocketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

// LocalAddr returns the address a socket is bound to
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(sa), nil
}

// ShutdownWrite half-closes the sending side of a socket
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// CloseSocket closes a descriptor. Negative descriptors are ignored.
func CloseSocket(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// IsRefused reports whether err means nobody accepted the connection, so
// another backend may be tried
func IsRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.ETIMEDOUT)
}

package transport

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// Transport defines the interface for blocking network transports used by
// the probe client
type Transport interface {
	// Connect establishes a connection to the specified host and port
	Connect(host string, port int) error

	// Write sends data over the connection
	// Returns the number of bytes written
	Write(buf []byte) (int, error)

	// Read receives data from the connection
	// Returns the number of bytes read
	Read(buf []byte) (int, error)

	// Close closes the connection
	Close() error
}

// Deadliner is implemented by transports that can bound blocking calls
type Deadliner interface {
	// SetDeadline makes Read and Write fail with a timeout error once t
	// has passed. The zero time removes the deadline.
	SetDeadline(t time.Time) error
}

// HostResolver looks up host names passed to Connect. resolver.DNSResolver
// satisfies it.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// resolveTimeout bounds a Connect's name lookup when no dial timeout is set
const resolveTimeout = 5 * time.Second

// resolveAddr turns host and port into an address. IP literals are used as
// they are; host names go through r, and without one they are refused.
func resolveAddr(r HostResolver, host string, port int, timeout time.Duration) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}
	if r == nil {
		return netip.AddrPort{}, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			fmt.Sprintf("no resolver for host name %q", host),
			nil,
		)
	}

	if timeout <= 0 {
		timeout = resolveTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := r.Resolve(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for %s", host)
	}
	if err != nil {
		if _, ok := errors.TransportErrorOf(err); ok {
			return netip.AddrPort{}, err
		}
		return netip.AddrPort{}, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			fmt.Sprintf("failed to resolve %s", host),
			err,
		)
	}
	return netip.AddrPortFrom(addrs[0], uint16(port)), nil
}

// fdDeadline shuts a socket down when its deadline passes so a blocked
// read or write returns
type fdDeadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired atomic.Bool
}

func (d *fdDeadline) set(fd int, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.expired.Store(false)
	if t.IsZero() || fd < 0 {
		return
	}
	d.timer = time.AfterFunc(time.Until(t), func() {
		d.expired.Store(true)
		unix.Shutdown(fd, unix.SHUT_RDWR)
	})
}

func (d *fdDeadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// check converts failures caused by an expired deadline into timeouts
func (d *fdDeadline) check(err error) error {
	if err != nil && d.expired.Load() {
		return errors.NewTransportError(errors.TransportErrorTimeout, "deadline exceeded", err)
	}
	return err
}

// NewBlocking creates the blocking transport matching an I/O backend name.
// Host names given to Connect are looked up through r, which may be nil
// when only addresses are dialed. The returned function releases the
// transport's ring, if any.
func NewBlocking(backend string, dialTimeout time.Duration, r HostResolver) (Transport, func(), error) {
	switch backend {
	case "", BackendSyscall:
		t := NewNetTransport(dialTimeout)
		t.SetResolver(r)
		return t, func() {}, nil
	case BackendIoUring:
		t, err := NewTcpTransport()
		if err != nil {
			return nil, nil, err
		}
		t.SetResolver(r)
		return t, t.Destroy, nil
	case BackendUring:
		t, err := NewTcpTransportV2()
		if err != nil {
			return nil, nil, err
		}
		t.SetResolver(r)
		return t, t.Destroy, nil
	default:
		return nil, nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown I/O backend %q", backend))
	}
}

package router

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// Backend is one upstream server. Health and resolved addresses change
// while workers read them, so both are held atomically.
type Backend struct {
	name       string
	host       string
	port       uint16
	tls        bool
	insecure   bool
	serverName string

	down  atomic.Bool
	addrs atomic.Pointer[[]netip.AddrPort]
}

// NewBackend parses "[tls://|tls+insecure://]host:port"
func NewBackend(spec string) (*Backend, error) {
	b := &Backend{name: spec}
	rest := spec
	switch {
	case strings.HasPrefix(rest, "tls+insecure://"):
		b.tls, b.insecure = true, true
		rest = strings.TrimPrefix(rest, "tls+insecure://")
	case strings.HasPrefix(rest, "tls://"):
		b.tls = true
		rest = strings.TrimPrefix(rest, "tls://")
	case strings.HasPrefix(rest, "http://"):
		rest = strings.TrimPrefix(rest, "http://")
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("backend %q: %v", spec, err))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("backend %q: invalid port", spec))
	}
	if host == "" {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("backend %q: missing host", spec))
	}

	b.host = host
	b.port = uint16(port)
	b.serverName = host
	if ip, err := netip.ParseAddr(host); err == nil {
		b.SetAddrs([]netip.Addr{ip})
	}
	return b, nil
}

// Name returns the backend as configured
func (b *Backend) Name() string { return b.name }

// Host returns the configured host name or address
func (b *Backend) Host() string { return b.host }

// Port returns the backend port
func (b *Backend) Port() uint16 { return b.port }

// TLS reports whether requests to the backend are encrypted
func (b *Backend) TLS() bool { return b.tls }

// Insecure reports whether the backend certificate is not verified
func (b *Backend) Insecure() bool { return b.insecure }

// ServerName is the name presented and verified during TLS origination
func (b *Backend) ServerName() string { return b.serverName }

// NeedsResolve reports whether the host is a name rather than an address
func (b *Backend) NeedsResolve() bool {
	_, err := netip.ParseAddr(b.host)
	return err != nil
}

// Healthy reports the result of the last health check. Backends start
// healthy.
func (b *Backend) Healthy() bool { return !b.down.Load() }

// SetHealthy records a health check result and reports whether it changed
func (b *Backend) SetHealthy(healthy bool) bool {
	return b.down.Swap(!healthy) != !healthy
}

// Addrs returns the resolved addresses, nil until the first resolution
func (b *Backend) Addrs() []netip.AddrPort {
	if p := b.addrs.Load(); p != nil {
		return *p
	}
	return nil
}

// SetAddrs replaces the resolved addresses
func (b *Backend) SetAddrs(ips []netip.Addr) {
	addrs := make([]netip.AddrPort, len(ips))
	for i, ip := range ips {
		addrs[i] = netip.AddrPortFrom(ip, b.port)
	}
	b.addrs.Store(&addrs)
}

func (b *Backend) String() string { return b.name }

package client

import (
	"net/netip"
	"time"

	"github.com/nczempin/uproxy-go-uring/protocol"
	"github.com/nczempin/uproxy-go-uring/transport"
	"go.uber.org/zap"
)

// Prober issues health-check requests against backends, one connection
// per probe
type Prober struct {
	backend string
	timeout time.Duration
	logger  *zap.Logger
}

// NewProber creates a prober using the blocking transport of the given I/O
// backend
func NewProber(backend string, timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{backend: backend, timeout: timeout, logger: logger}
}

// Probe sends GET path to addr with the given Host header and returns the
// response status code
func (p *Prober) Probe(addr netip.AddrPort, host, path string) (int, error) {
	// probes dial resolved addresses, so no resolver is needed
	tr, destroy, err := transport.NewBlocking(p.backend, p.timeout, nil)
	if err != nil {
		return 0, err
	}
	defer destroy()

	c := NewHttpClient(protocol.NewHttp1Protocol(tr))
	if err := c.Connect(addr.Addr().String(), int(addr.Port())); err != nil {
		return 0, err
	}
	defer c.Disconnect()

	if d, ok := tr.(transport.Deadliner); ok {
		d.SetDeadline(time.Now().Add(p.timeout))
	}

	resp, err := c.GetSafe(&protocol.HttpRequest{
		Path: path,
		Headers: protocol.HttpHeaders{
			{Key: "Host", Value: host},
			{Key: "User-Agent", Value: "uproxy-health"},
			{Key: "Connection", Value: "close"},
		},
	})
	if err != nil {
		p.logger.Debug("probe failed", zap.Stringer("addr", addr), zap.String("path", path), zap.Error(err))
		return 0, err
	}
	return resp.StatusCode, nil
}

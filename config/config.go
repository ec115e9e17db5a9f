// Package config holds the proxy configuration. A Config value is built
// once at startup and passed to constructors; nothing reads it globally.
package config

import (
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/transport"
)

// Config is the complete proxy configuration
type Config struct {
	// ListenAddr is where client connections are accepted
	ListenAddr netip.AddrPort
	// Workers is the number of worker threads, each with its own
	// multiplexer and listening socket
	Workers int
	// MaxSockets bounds the sockets registered with one worker
	MaxSockets int

	// BufferSize is the capacity of each transaction buffer
	BufferSize    int
	MaxStartLine  int
	MaxHeaderLine int
	MaxHeaders    int
	// MaxBody rejects request bodies larger than this with 413. Zero
	// disables the limit.
	MaxBody int64

	// AcceptIdleTimeout closes client connections that send nothing while
	// waiting for a request
	AcceptIdleTimeout time.Duration
	// ExchangeIdleTimeout aborts an exchange that makes no progress
	ExchangeIdleTimeout time.Duration
	ConnectTimeout      time.Duration
	PoolIdleTimeout     time.Duration
	MaxIdlePerBackend   int

	// IOBackend selects the byte transfer driver: syscall, iouring or uring
	IOBackend string

	TLSCertFile string
	TLSKeyFile  string

	HealthCheckPath     string
	HealthCheckInterval time.Duration
	ResolveInterval     time.Duration
	Nameservers         []string

	// Routes are rule specifications of the form host/prefix=backends
	Routes []string
}

// Default returns the configuration used when no option overrides a field
func Default() Config {
	return Config{
		ListenAddr:          netip.MustParseAddrPort("0.0.0.0:8080"),
		Workers:             runtime.NumCPU(),
		MaxSockets:          16384,
		BufferSize:          16 * 1024,
		MaxStartLine:        8192,
		MaxHeaderLine:       8192,
		MaxHeaders:          100,
		AcceptIdleTimeout:   60 * time.Second,
		ExchangeIdleTimeout: 30 * time.Second,
		ConnectTimeout:      5 * time.Second,
		PoolIdleTimeout:     90 * time.Second,
		MaxIdlePerBackend:   16,
		IOBackend:           transport.BackendSyscall,
		HealthCheckPath:     "/",
		HealthCheckInterval: 10 * time.Second,
		ResolveInterval:     30 * time.Second,
	}
}

// Option changes one aspect of a Config
type Option func(*Config)

// New returns the default configuration with opts applied
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithListenAddr sets the listening address
func WithListenAddr(addr netip.AddrPort) Option {
	return func(c *Config) { c.ListenAddr = addr }
}

// WithWorkers sets the number of workers
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithMaxSockets sets the per-worker socket limit
func WithMaxSockets(n int) Option {
	return func(c *Config) { c.MaxSockets = n }
}

// WithBufferSize sets the capacity of every transaction buffer
func WithBufferSize(n int) Option {
	return func(c *Config) { c.BufferSize = n }
}

// WithHeaderLimits sets the start line, header line and header count limits
func WithHeaderLimits(startLine, headerLine, headers int) Option {
	return func(c *Config) {
		c.MaxStartLine = startLine
		c.MaxHeaderLine = headerLine
		c.MaxHeaders = headers
	}
}

// WithMaxBody sets the request body limit
func WithMaxBody(n int64) Option {
	return func(c *Config) { c.MaxBody = n }
}

// WithIdleTimeouts sets the keep-alive and in-flight idle thresholds
func WithIdleTimeouts(accept, exchange time.Duration) Option {
	return func(c *Config) {
		c.AcceptIdleTimeout = accept
		c.ExchangeIdleTimeout = exchange
	}
}

// WithConnectTimeout bounds outbound connection attempts
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithPool sets how long and how many idle backend connections are kept
func WithPool(idle time.Duration, perBackend int) Option {
	return func(c *Config) {
		c.PoolIdleTimeout = idle
		c.MaxIdlePerBackend = perBackend
	}
}

// WithIOBackend selects the byte transfer driver
func WithIOBackend(name string) Option {
	return func(c *Config) { c.IOBackend = name }
}

// WithTLS enables TLS termination with the given key pair
func WithTLS(certFile, keyFile string) Option {
	return func(c *Config) {
		c.TLSCertFile = certFile
		c.TLSKeyFile = keyFile
	}
}

// WithHealthCheck sets the probe path and interval. A zero interval
// disables health checking.
func WithHealthCheck(path string, interval time.Duration) Option {
	return func(c *Config) {
		c.HealthCheckPath = path
		c.HealthCheckInterval = interval
	}
}

// WithResolver sets the nameservers and refresh interval for named
// backends
func WithResolver(interval time.Duration, nameservers ...string) Option {
	return func(c *Config) {
		c.ResolveInterval = interval
		c.Nameservers = nameservers
	}
}

// WithRoutes appends routing rule specifications
func WithRoutes(routes ...string) Option {
	return func(c *Config) { c.Routes = append(c.Routes, routes...) }
}

// TLSEnabled reports whether client connections are TLS
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" || c.TLSKeyFile != ""
}

func invalid(format string, args ...any) error {
	return errors.NewInvalidArgumentError(fmt.Sprintf(format, args...))
}

// Validate checks that the configuration can run a server
func (c Config) Validate() error {
	switch {
	case !c.ListenAddr.IsValid():
		return invalid("listen address is not set")
	case c.Workers <= 0:
		return invalid("workers must be positive, got %d", c.Workers)
	case c.MaxSockets < 2:
		return invalid("max sockets must be at least 2, got %d", c.MaxSockets)
	case c.BufferSize < 256:
		return invalid("buffer size must be at least 256 bytes, got %d", c.BufferSize)
	case c.MaxStartLine <= 0 || c.MaxHeaderLine <= 0 || c.MaxHeaders <= 0:
		return invalid("header limits must be positive")
	case c.MaxBody < 0:
		return invalid("max body must not be negative")
	case c.AcceptIdleTimeout < 0 || c.ExchangeIdleTimeout < 0 || c.ConnectTimeout < 0 || c.PoolIdleTimeout < 0:
		return invalid("timeouts must not be negative")
	case c.MaxIdlePerBackend < 0:
		return invalid("max idle per backend must not be negative")
	case c.HealthCheckInterval < 0 || c.ResolveInterval < 0:
		return invalid("intervals must not be negative")
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return invalid("TLS needs both a certificate and a key")
	case len(c.Routes) == 0:
		return invalid("at least one route is required")
	}

	switch c.IOBackend {
	case transport.BackendSyscall, transport.BackendIoUring, transport.BackendUring:
	default:
		return invalid("unknown I/O backend %q", c.IOBackend)
	}
	return nil
}

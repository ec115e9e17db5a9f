// Command uproxy runs the HTTP/1.1 reverse proxy.
//
//	uproxy -listen 0.0.0.0:8080 -route 'api.example.com/=10.0.0.1:8080,10.0.0.2:8080' -route '/=backend:80'
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/nczempin/uproxy-go-uring/config"
	"github.com/nczempin/uproxy-go-uring/proxy"
)

// stringList collects a repeatable flag
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, " ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "uproxy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	def := config.Default()
	fs := flag.NewFlagSet("uproxy", flag.ContinueOnError)

	listen := fs.String("listen", def.ListenAddr.String(), "address to accept clients on")
	workers := fs.Int("workers", def.Workers, "number of worker threads")
	maxSockets := fs.Int("max-sockets", def.MaxSockets, "sockets per worker")
	bufferSize := fs.Int("buffer-size", def.BufferSize, "capacity of each transaction buffer")
	maxStartLine := fs.Int("max-start-line", def.MaxStartLine, "longest accepted request line")
	maxHeaderLine := fs.Int("max-header-line", def.MaxHeaderLine, "longest accepted header line")
	maxHeaders := fs.Int("max-headers", def.MaxHeaders, "most header fields per message")
	maxBody := fs.Int64("max-body", def.MaxBody, "largest request body, 0 for no limit")
	acceptIdle := fs.Duration("accept-idle", def.AcceptIdleTimeout, "close connections idle between requests after this")
	exchangeIdle := fs.Duration("exchange-idle", def.ExchangeIdleTimeout, "abort exchanges without progress after this")
	connectTimeout := fs.Duration("connect-timeout", def.ConnectTimeout, "backend connect and handshake timeout")
	poolIdle := fs.Duration("pool-idle", def.PoolIdleTimeout, "close pooled backend connections idle this long")
	poolSize := fs.Int("pool-size", def.MaxIdlePerBackend, "idle connections kept per backend and worker")
	ioBackend := fs.String("io", def.IOBackend, "I/O driver: syscall, iouring or uring")
	certFile := fs.String("tls-cert", "", "certificate file for TLS termination")
	keyFile := fs.String("tls-key", "", "key file for TLS termination")
	healthPath := fs.String("health-path", def.HealthCheckPath, "path probed on backends")
	healthInterval := fs.Duration("health-interval", def.HealthCheckInterval, "backend probe interval, 0 to disable")
	resolveInterval := fs.Duration("resolve-interval", def.ResolveInterval, "backend name refresh interval")
	debug := fs.Bool("debug", false, "log at debug level in development format")
	var routes, nameservers stringList
	fs.Var(&routes, "route", "routing rule host/prefix=backend1,backend2 (repeatable)")
	fs.Var(&nameservers, "nameserver", "DNS server for backend names (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		return fmt.Errorf("invalid -listen: %w", err)
	}

	cfg := config.New(
		config.WithListenAddr(addr),
		config.WithWorkers(*workers),
		config.WithMaxSockets(*maxSockets),
		config.WithBufferSize(*bufferSize),
		config.WithHeaderLimits(*maxStartLine, *maxHeaderLine, *maxHeaders),
		config.WithMaxBody(*maxBody),
		config.WithIdleTimeouts(*acceptIdle, *exchangeIdle),
		config.WithConnectTimeout(*connectTimeout),
		config.WithPool(*poolIdle, *poolSize),
		config.WithIOBackend(*ioBackend),
		config.WithTLS(*certFile, *keyFile),
		config.WithHealthCheck(*healthPath, *healthInterval),
		config.WithResolver(*resolveInterval, nameservers...),
		config.WithRoutes(routes...),
	)

	var logger *zap.Logger
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := proxy.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/nczempin/uproxy-go-uring/errors"
	"go.uber.org/zap"
)

// DefaultResolvConf is read when no nameservers are configured
const DefaultResolvConf = "/etc/resolv.conf"

// Resolver turns backend host names into addresses
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// DNSResolver queries nameservers directly for A and AAAA records
type DNSResolver struct {
	client  *dns.Client
	servers []string
	logger  *zap.Logger
}

// NewDNSResolver creates a resolver for the given nameservers
// ("host:port" or bare host). With no servers the system resolv.conf is
// used.
func NewDNSResolver(servers []string, timeout time.Duration, logger *zap.Logger) (*DNSResolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(DefaultResolvConf)
		if err != nil {
			return nil, errors.NewTransportError(
				errors.TransportErrorDnsFailure,
				fmt.Sprintf("failed to read %s", DefaultResolvConf),
				err,
			)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		return nil, errors.NewInvalidArgumentError("no nameservers configured")
	}

	return &DNSResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
		logger:  logger,
	}, nil
}

// Servers returns the nameservers queried, in order
func (r *DNSResolver) Servers() []string { return r.servers }

// Resolve returns the IPv4 addresses of host followed by its IPv6
// addresses. IP literals and localhost are answered without a query.
func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if strings.EqualFold(host, "localhost") {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}, nil
	}

	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = errors.NewTransportError(errors.TransportErrorDnsFailure, fmt.Sprintf("no addresses for %s", host), nil)
		}
		return nil, lastErr
	}
	return addrs, nil
}

// query asks each nameserver in turn until one answers
func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			r.logger.Debug("nameserver failed",
				zap.String("server", server),
				zap.String("host", host),
				zap.Error(err),
			)
			lastErr = errors.NewTransportError(errors.TransportErrorDnsFailure, fmt.Sprintf("query %s failed", host), err)
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, errors.NewTransportError(errors.TransportErrorDnsFailure, fmt.Sprintf("%s does not exist", host), nil)
		default:
			lastErr = errors.NewTransportError(
				errors.TransportErrorDnsFailure,
				fmt.Sprintf("query %s answered %s", host, dns.RcodeToString[in.Rcode]),
				nil,
			)
			continue
		}

		var addrs []netip.Addr
		for _, rr := range in.Answer {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}

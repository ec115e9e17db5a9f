package router

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
)

// Router decides where a request goes. Match is synchronous and has no
// side effects; it returns candidate backends in the order they should be
// tried.
type Router interface {
	Match(target string, headers protocol.HttpHeaders) ([]*Backend, error)
}

// Rule maps a host pattern and path prefix to backends. Host is an exact
// name, a "*.suffix" wildcard, or "*" for any host. A Deny rule answers
// 403 instead of forwarding.
type Rule struct {
	Host       string
	PathPrefix string
	Backends   []*Backend
	Deny       bool
}

// Table is a static rule set indexed by host
type Table struct {
	exact    map[string][]*Rule
	wildcard map[string][]*Rule
	any      []*Rule
	backends []*Backend
}

// NewTable indexes rules. Within one host pattern longer path prefixes are
// tried first.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		exact:    make(map[string][]*Rule),
		wildcard: make(map[string][]*Rule),
	}
	seen := make(map[*Backend]bool)

	for i := range rules {
		r := rules[i]
		r.Host = strings.ToLower(r.Host)
		if r.PathPrefix == "" {
			r.PathPrefix = "/"
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("rule %d: path prefix %q must start with /", i, r.PathPrefix))
		}
		if !r.Deny && len(r.Backends) == 0 {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("rule %d: no backends", i))
		}
		for _, b := range r.Backends {
			if !seen[b] {
				seen[b] = true
				t.backends = append(t.backends, b)
			}
		}

		switch {
		case r.Host == "" || r.Host == "*":
			t.any = append(t.any, &r)
		case strings.HasPrefix(r.Host, "*."):
			suffix := r.Host[2:]
			t.wildcard[suffix] = append(t.wildcard[suffix], &r)
		case strings.Contains(r.Host, "*"):
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("rule %d: unsupported host pattern %q", i, r.Host))
		default:
			t.exact[r.Host] = append(t.exact[r.Host], &r)
		}
	}

	byPrefix := func(a, b *Rule) int { return len(b.PathPrefix) - len(a.PathPrefix) }
	for _, rs := range t.exact {
		slices.SortStableFunc(rs, byPrefix)
	}
	for _, rs := range t.wildcard {
		slices.SortStableFunc(rs, byPrefix)
	}
	slices.SortStableFunc(t.any, byPrefix)
	return t, nil
}

// Backends returns every backend referenced by the table
func (t *Table) Backends() []*Backend { return t.backends }

// splitTarget returns the host and path of a request target. Absolute-form
// targets carry their own host.
func splitTarget(target string) (host, path string) {
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		j := strings.IndexByte(rest, '/')
		if j < 0 {
			return rest, "/"
		}
		host, target = rest[:j], rest[j:]
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	return host, target
}

// normalizeHost lowercases a host and strips the port
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(strings.Trim(host, "[]"))
}

// Match finds the most specific rule: exact host first, then the longest
// wildcard suffix, then catch-all rules; within each, the longest matching
// path prefix
func (t *Table) Match(target string, headers protocol.HttpHeaders) ([]*Backend, error) {
	host, path := splitTarget(target)
	if host == "" {
		host = headers.Get("Host")
	}
	host = normalizeHost(host)

	if r := matchPath(t.exact[host], path); r != nil {
		return candidates(r)
	}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if r := matchPath(t.wildcard[rest], path); r != nil {
			return candidates(r)
		}
	}
	if r := matchPath(t.any, path); r != nil {
		return candidates(r)
	}
	return nil, errors.NewRouteError(errors.RouteErrorNotFound, fmt.Sprintf("no route for %s%s", host, path))
}

func matchPath(rules []*Rule, path string) *Rule {
	for _, r := range rules {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r
		}
	}
	return nil
}

// candidates orders a rule's backends: healthy ones first, then those
// still waiting for an address, keeping configured order within each group
func candidates(r *Rule) ([]*Backend, error) {
	if r.Deny {
		return nil, errors.NewRouteError(errors.RouteErrorForbidden, fmt.Sprintf("route %s%s denies access", r.Host, r.PathPrefix))
	}
	rank := func(b *Backend) int {
		switch {
		case !b.Healthy():
			return 2
		case len(b.Addrs()) == 0:
			return 1
		default:
			return 0
		}
	}
	out := slices.Clone(r.Backends)
	slices.SortStableFunc(out, func(a, b *Backend) int { return rank(a) - rank(b) })
	return out, nil
}

// ParseRule parses "host/prefix=backend1,backend2". The host part may be
// empty or "*"; "deny" in place of the backend list makes a deny rule.
func ParseRule(spec string) (Rule, error) {
	lhs, rhs, ok := strings.Cut(spec, "=")
	if !ok || rhs == "" {
		return Rule{}, errors.NewInvalidArgumentError(fmt.Sprintf("route %q: expected host/prefix=backends", spec))
	}

	var r Rule
	if i := strings.IndexByte(lhs, '/'); i >= 0 {
		r.Host, r.PathPrefix = lhs[:i], lhs[i:]
	} else {
		r.Host = lhs
	}

	if rhs == "deny" {
		r.Deny = true
		return r, nil
	}
	for _, spec := range strings.Split(rhs, ",") {
		b, err := NewBackend(strings.TrimSpace(spec))
		if err != nil {
			return Rule{}, err
		}
		r.Backends = append(r.Backends, b)
	}
	return r, nil
}

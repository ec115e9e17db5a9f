package router

import (
	"net/netip"
	"testing"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
)

func mustBackend(t *testing.T, spec string) *Backend {
	t.Helper()
	b, err := NewBackend(spec)
	if err != nil {
		t.Fatalf("Failed to parse backend %q: %v", spec, err)
	}
	return b
}

func hostHeader(host string) protocol.HttpHeaders {
	return protocol.HttpHeaders{{Key: "Host", Value: host}}
}

func TestNewBackend_Parse(t *testing.T) {
	tests := []struct {
		spec     string
		host     string
		port     uint16
		tls      bool
		insecure bool
		resolved bool
	}{
		{"127.0.0.1:8080", "127.0.0.1", 8080, false, false, true},
		{"http://app.internal:80", "app.internal", 80, false, false, false},
		{"tls://api.example.com:443", "api.example.com", 443, true, false, false},
		{"tls+insecure://[::1]:8443", "::1", 8443, true, true, true},
	}

	for _, tt := range tests {
		b := mustBackend(t, tt.spec)
		if b.Host() != tt.host || b.Port() != tt.port {
			t.Errorf("%s: expected %s:%d, got %s:%d", tt.spec, tt.host, tt.port, b.Host(), b.Port())
		}
		if b.TLS() != tt.tls || b.Insecure() != tt.insecure {
			t.Errorf("%s: expected tls=%v insecure=%v, got tls=%v insecure=%v", tt.spec, tt.tls, tt.insecure, b.TLS(), b.Insecure())
		}
		if (len(b.Addrs()) > 0) != tt.resolved {
			t.Errorf("%s: expected resolved=%v, got %v", tt.spec, tt.resolved, b.Addrs())
		}
		if b.NeedsResolve() == tt.resolved {
			t.Errorf("%s: expected NeedsResolve=%v", tt.spec, !tt.resolved)
		}
	}

	for _, bad := range []string{"nohost", ":80", "host:0", "host:http", "host:70000"} {
		if _, err := NewBackend(bad); errors.TypeOf(err) != errors.ErrorInvalidArgument {
			t.Errorf("%s: expected invalid argument, got %v", bad, err)
		}
	}
}

func TestBackend_Health(t *testing.T) {
	b := mustBackend(t, "127.0.0.1:80")
	if !b.Healthy() {
		t.Error("Expected backend to start healthy")
	}
	if !b.SetHealthy(false) {
		t.Error("Expected change to be reported")
	}
	if b.SetHealthy(false) {
		t.Error("Expected repeated state not to be reported as a change")
	}
	if b.Healthy() {
		t.Error("Expected backend to be down")
	}
}

func TestTable_Match_Specificity(t *testing.T) {
	exact := mustBackend(t, "10.0.0.1:80")
	exactAPI := mustBackend(t, "10.0.0.2:80")
	wild := mustBackend(t, "10.0.0.3:80")
	deepWild := mustBackend(t, "10.0.0.4:80")
	fallback := mustBackend(t, "10.0.0.5:80")

	table, err := NewTable([]Rule{
		{Host: "*", Backends: []*Backend{fallback}},
		{Host: "*.example.com", Backends: []*Backend{wild}},
		{Host: "*.api.example.com", Backends: []*Backend{deepWild}},
		{Host: "www.example.com", Backends: []*Backend{exact}},
		{Host: "www.example.com", PathPrefix: "/api/", Backends: []*Backend{exactAPI}},
	})
	if err != nil {
		t.Fatalf("Failed to build table: %v", err)
	}

	tests := []struct {
		target string
		host   string
		want   *Backend
	}{
		{"/", "www.example.com", exact},
		{"/api/users?id=1", "WWW.Example.com:8080", exactAPI},
		{"/api", "www.example.com", exact},
		{"/", "shop.example.com", wild},
		{"/", "v1.api.example.com", deepWild},
		{"/", "other.org", fallback},
		{"http://www.example.com/api/x", "ignored.org", exactAPI},
	}

	for _, tt := range tests {
		got, err := table.Match(tt.target, hostHeader(tt.host))
		if err != nil {
			t.Errorf("%s %s: unexpected error %v", tt.host, tt.target, err)
			continue
		}
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s %s: expected %s, got %v", tt.host, tt.target, tt.want, got)
		}
	}
}

func TestTable_Match_NotFound(t *testing.T) {
	table, err := NewTable([]Rule{
		{Host: "app.local", PathPrefix: "/app", Backends: []*Backend{mustBackend(t, "127.0.0.1:1")}},
	})
	if err != nil {
		t.Fatalf("Failed to build table: %v", err)
	}

	_, err = table.Match("/unknown", hostHeader("app.local"))
	code, ok := errors.RouteErrorOf(err)
	if !ok || code != errors.RouteErrorNotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestTable_Match_Forbidden(t *testing.T) {
	table, err := NewTable([]Rule{
		{Host: "*", Backends: []*Backend{mustBackend(t, "127.0.0.1:1")}},
		{Host: "*", PathPrefix: "/admin", Deny: true},
	})
	if err != nil {
		t.Fatalf("Failed to build table: %v", err)
	}

	_, err = table.Match("/admin/users", hostHeader("any"))
	code, ok := errors.RouteErrorOf(err)
	if !ok || code != errors.RouteErrorForbidden {
		t.Errorf("Expected Forbidden, got %v", err)
	}
}

func TestTable_Match_HealthyFirst(t *testing.T) {
	a := mustBackend(t, "10.0.0.1:80")
	b := mustBackend(t, "10.0.0.2:80")
	c := mustBackend(t, "backend.internal:80")
	table, err := NewTable([]Rule{{Host: "*", Backends: []*Backend{a, b, c}}})
	if err != nil {
		t.Fatalf("Failed to build table: %v", err)
	}

	a.SetHealthy(false)
	got, _ := table.Match("/", nil)
	want := []*Backend{b, c, a}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, got[i])
		}
	}

	c.SetAddrs([]netip.Addr{netip.MustParseAddr("10.0.0.3")})
	got, _ = table.Match("/", nil)
	if got[0] != b || got[1] != c {
		t.Errorf("Expected resolved backends in configured order, got %v", got)
	}
}

func TestNewTable_Invalid(t *testing.T) {
	tests := []Rule{
		{Host: "a", PathPrefix: "nope", Backends: []*Backend{mustBackend(t, "127.0.0.1:1")}},
		{Host: "a"},
		{Host: "a*b", Backends: []*Backend{mustBackend(t, "127.0.0.1:1")}},
	}
	for i, r := range tests {
		if _, err := NewTable([]Rule{r}); errors.TypeOf(err) != errors.ErrorInvalidArgument {
			t.Errorf("case %d: expected invalid argument, got %v", i, err)
		}
	}
}

func TestTable_Backends_Deduplicated(t *testing.T) {
	shared := mustBackend(t, "127.0.0.1:1")
	table, err := NewTable([]Rule{
		{Host: "a", Backends: []*Backend{shared}},
		{Host: "b", Backends: []*Backend{shared, mustBackend(t, "127.0.0.1:2")}},
	})
	if err != nil {
		t.Fatalf("Failed to build table: %v", err)
	}
	if len(table.Backends()) != 2 {
		t.Errorf("Expected 2 distinct backends, got %d", len(table.Backends()))
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("*.example.com/api=127.0.0.1:8080,tls://10.0.0.1:8443")
	if err != nil {
		t.Fatalf("Failed to parse rule: %v", err)
	}
	if r.Host != "*.example.com" || r.PathPrefix != "/api" {
		t.Errorf("Expected *.example.com /api, got %s %s", r.Host, r.PathPrefix)
	}
	if len(r.Backends) != 2 || !r.Backends[1].TLS() {
		t.Errorf("Expected two backends with TLS second, got %v", r.Backends)
	}

	r, err = ParseRule("/private=deny")
	if err != nil {
		t.Fatalf("Failed to parse rule: %v", err)
	}
	if !r.Deny || r.Host != "" || r.PathPrefix != "/private" {
		t.Errorf("Expected catch-all deny for /private, got %+v", r)
	}

	for _, bad := range []string{"host/path", "host/path=", "host=badbackend"} {
		if _, err := ParseRule(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

package protocol

import (
	"net/netip"
	"testing"
)

func TestHopByHopFilter_StripsConnectionFields(t *testing.T) {
	req := &Request{Method: "GET", Target: "/", Version: Version11}
	req.Headers.Add("Host", "a")
	req.Headers.Add("Connection", "keep-alive, X-Private")
	req.Headers.Add("X-Private", "secret")
	req.Headers.Add("Keep-Alive", "timeout=5")
	req.Headers.Add("Transfer-Encoding", "chunked")
	req.Headers.Add("Upgrade", "websocket")
	req.Headers.Add("Accept", "*/*")

	if err := (HopByHopFilter{}).FilterRequest(&FilterContext{}, req); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}

	want := HttpHeaders{{Key: "Host", Value: "a"}, {Key: "Accept", Value: "*/*"}}
	if len(req.Headers) != len(want) {
		t.Fatalf("Expected %v, got %v", want, req.Headers)
	}
	for i := range want {
		if req.Headers[i] != want[i] {
			t.Errorf("Expected %v at %d, got %v", want[i], i, req.Headers[i])
		}
	}
}

func TestHopByHopFilter_KeepsFramingFields(t *testing.T) {
	resp := &Response{Version: Version11, StatusCode: 200}
	resp.Headers.Add("Connection", "content-length, host, X-Private")
	resp.Headers.Add("Content-Length", "5")
	resp.Headers.Add("Host", "a")
	resp.Headers.Add("X-Private", "secret")

	if err := (HopByHopFilter{}).FilterResponse(&FilterContext{}, resp); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}

	if got := resp.Headers.Get("Content-Length"); got != "5" {
		t.Errorf("Expected Content-Length 5, got %q", got)
	}
	if !resp.Headers.Has("Host") {
		t.Error("Expected Host to survive a Connection listing")
	}
	if resp.Headers.Has("X-Private") || resp.Headers.Has("Connection") {
		t.Errorf("Expected listed and Connection fields removed, got %v", resp.Headers)
	}
}

func TestForwardedFilter_AppendsClient(t *testing.T) {
	req := &Request{Method: "GET", Target: "/", Version: Version11}
	req.Headers.Add("X-Forwarded-For", "10.0.0.1")

	fc := &FilterContext{
		ClientAddr: netip.MustParseAddrPort("192.0.2.7:5555"),
		Secure:     true,
		Via:        "uproxy",
	}
	if err := (ForwardedFilter{}).FilterRequest(fc, req); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}

	if got := req.Headers.Get("X-Forwarded-For"); got != "10.0.0.1, 192.0.2.7" {
		t.Errorf("Expected appended X-Forwarded-For, got %q", got)
	}
	if got := req.Headers.Get("X-Forwarded-Proto"); got != "https" {
		t.Errorf("Expected https, got %q", got)
	}
	if got := req.Headers.Get("Via"); got != "1.1 uproxy" {
		t.Errorf("Expected Via 1.1 uproxy, got %q", got)
	}
}

func TestChain_Order(t *testing.T) {
	resp := &Response{Version: Version10, StatusCode: 200}
	resp.Headers.Add("Via", "1.1 origin")
	resp.Headers.Add("Connection", "close")

	chain := DefaultChain()
	if err := chain.FilterResponse(&FilterContext{Via: "edge"}, resp); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}

	if resp.Headers.Has("Connection") {
		t.Error("Expected Connection to be stripped")
	}
	if got := resp.Headers.Get("Via"); got != "1.1 origin, 1.0 edge" {
		t.Errorf("Expected chained Via, got %q", got)
	}
}

func TestExpectFilter(t *testing.T) {
	req := &Request{Method: "PUT", Target: "/", Version: Version11}
	req.Headers.Add("Expect", "100-continue")

	(ExpectFilter{}).FilterRequest(&FilterContext{}, req)
	if req.Headers.Has("Expect") {
		t.Error("Expected Expect to be removed")
	}
}

func TestHttpHeaders_Lookup(t *testing.T) {
	var h HttpHeaders
	h.Add("Accept", "a")
	h.Add("accept", "b")
	h.Add("Host", "x")

	if got := h.Values("ACCEPT"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}
	h.Set("Accept", "c")
	if h.Len() != 2 || h[1].Key != "Accept" || h.Get("accept") != "c" {
		t.Errorf("Expected Set to replace both values, got %v", h)
	}
	h.Del("host")
	if h.Has("Host") {
		t.Error("Expected Host to be removed")
	}
}

package protocol

import (
	"net/netip"
	"strings"
)

// FilterContext carries connection facts a filter may need
type FilterContext struct {
	ClientAddr netip.AddrPort
	Secure     bool
	// Via is the pseudonym added to Via headers
	Via string
}

// Filter rewrites message heads as they pass through the proxy
type Filter interface {
	FilterRequest(fc *FilterContext, req *Request) error
	FilterResponse(fc *FilterContext, resp *Response) error
}

// Chain runs filters in order. Requests go front to back, responses back
// to front.
type Chain []Filter

// FilterRequest applies every filter to the request
func (c Chain) FilterRequest(fc *FilterContext, req *Request) error {
	for _, f := range c {
		if err := f.FilterRequest(fc, req); err != nil {
			return err
		}
	}
	return nil
}

// FilterResponse applies every filter to the response
func (c Chain) FilterResponse(fc *FilterContext, resp *Response) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].FilterResponse(fc, resp); err != nil {
			return err
		}
	}
	return nil
}

// hopHeaders are connection-level fields that are never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// pinnedHeaders are end-to-end fields the forwarded message depends on.
// Naming them in Connection does not remove them: the body was already
// framed by Content-Length and the route chosen by Host.
var pinnedHeaders = []string{"Content-Length", "Host"}

func pinned(name string) bool {
	for _, p := range pinnedHeaders {
		if strings.EqualFold(name, p) {
			return true
		}
	}
	return false
}

// HopByHopFilter strips hop-by-hop fields, including every field named in
// Connection. Framing fields are re-derived by the proxy after filtering.
type HopByHopFilter struct{}

func (HopByHopFilter) strip(h *HttpHeaders) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" && !pinned(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// FilterRequest removes hop-by-hop request fields
func (f HopByHopFilter) FilterRequest(_ *FilterContext, req *Request) error {
	f.strip(&req.Headers)
	return nil
}

// FilterResponse removes hop-by-hop response fields
func (f HopByHopFilter) FilterResponse(_ *FilterContext, resp *Response) error {
	f.strip(&resp.Headers)
	return nil
}

// ForwardedFilter records the client address and the proxy hop
type ForwardedFilter struct{}

// FilterRequest appends X-Forwarded-For, X-Forwarded-Proto and Via
func (ForwardedFilter) FilterRequest(fc *FilterContext, req *Request) error {
	if fc.ClientAddr.IsValid() {
		ip := fc.ClientAddr.Addr().Unmap().String()
		if prior := req.Headers.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		req.Headers.Set("X-Forwarded-For", ip)
	}
	if !req.Headers.Has("X-Forwarded-Proto") {
		proto := "http"
		if fc.Secure {
			proto = "https"
		}
		req.Headers.Add("X-Forwarded-Proto", proto)
	}
	addVia(&req.Headers, req.Version, fc.Via)
	return nil
}

// FilterResponse appends Via
func (ForwardedFilter) FilterResponse(fc *FilterContext, resp *Response) error {
	addVia(&resp.Headers, resp.Version, fc.Via)
	return nil
}

func addVia(h *HttpHeaders, v Version, pseudonym string) {
	if pseudonym == "" {
		return
	}
	hop := "1.1 " + pseudonym
	if v == Version10 {
		hop = "1.0 " + pseudonym
	}
	if prior := h.Values("Via"); len(prior) > 0 {
		hop = strings.Join(prior, ", ") + ", " + hop
	}
	h.Set("Via", hop)
}

// ExpectFilter removes Expect: 100-continue, which the proxy answers itself
type ExpectFilter struct{}

// FilterRequest drops the Expect field
func (ExpectFilter) FilterRequest(_ *FilterContext, req *Request) error {
	req.Headers.Del("Expect")
	return nil
}

// FilterResponse leaves responses untouched
func (ExpectFilter) FilterResponse(*FilterContext, *Response) error {
	return nil
}

// DefaultChain returns the filters applied to every proxied exchange
func DefaultChain() Chain {
	return Chain{HopByHopFilter{}, ExpectFilter{}, ForwardedFilter{}}
}

package protocol

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HttpMethod represents HTTP request methods the probe client can send
type HttpMethod int

const (
	MethodGet HttpMethod = iota
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
	MethodOptions
)

func (m HttpMethod) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodOptions:
		return "OPTIONS"
	default:
		return "GET"
	}
}

// Version is an HTTP/1.x protocol version
type Version int

const (
	Version11 Version = iota
	Version10
)

func (v Version) String() string {
	if v == Version10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// HttpHeader represents an HTTP header key-value pair
type HttpHeader struct {
	Key   string
	Value string
}

// HttpHeaders is an insertion-ordered header list. Duplicates are allowed
// and lookups compare names case-insensitively.
type HttpHeaders []HttpHeader

// Len returns the number of header lines
func (h HttpHeaders) Len() int {
	return len(h)
}

// Get returns the first value for key, or "" when absent
func (h HttpHeaders) Get(key string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether at least one header named key is present
func (h HttpHeaders) Has(key string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return true
		}
	}
	return false
}

// Values returns all values for key in insertion order
func (h HttpHeaders) Values(key string) []string {
	var values []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// HasToken reports whether the comma-separated values of key contain token,
// compared case-insensitively
func (h HttpHeaders) HasToken(key, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(key), token)
}

// Add appends a header line
func (h *HttpHeaders) Add(key, value string) {
	*h = append(*h, HttpHeader{Key: key, Value: value})
}

// Set replaces every header named key with a single line
func (h *HttpHeaders) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes every header named key, keeping the order of the rest
func (h *HttpHeaders) Del(key string) {
	kept := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Key, key) {
			kept = append(kept, hdr)
		}
	}
	clear((*h)[len(kept):])
	*h = kept
}

// reset empties the list and drops references to the old strings while
// keeping the backing array
func (h *HttpHeaders) reset() {
	clear((*h)[:cap(*h)])
	*h = (*h)[:0]
}

// Request is a parsed or to-be-formatted request head
type Request struct {
	Method  string
	Target  string
	Version Version
	Headers HttpHeaders
}

// Response is a parsed or to-be-formatted response head
type Response struct {
	Version    Version
	StatusCode int
	Reason     string
	Headers    HttpHeaders
}

// Interim reports whether the response is a 1xx informational response
func (r *Response) Interim() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

func (r *Request) reset() {
	r.Method = ""
	r.Target = ""
	r.Version = Version11
	r.Headers.reset()
}

func (r *Response) reset() {
	r.Version = Version11
	r.StatusCode = 0
	r.Reason = ""
	r.Headers.reset()
}

// HttpRequest represents a request issued by the probe client
type HttpRequest struct {
	Method  HttpMethod
	Path    string
	Headers HttpHeaders
	Body    []byte
}

// HttpResponse represents an HTTP response (safe mode - copies data)
type HttpResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       HttpHeaders
	Body          []byte
	ContentLength int
}

// UnsafeHttpResponse represents an HTTP response (unsafe mode - references buffer)
// The data is only valid while the protocol's internal buffer is not reused
type UnsafeHttpResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       HttpHeaders
	Body          []byte
	ContentLength int
}

// StatusText returns the reason phrase used for synthesized responses
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 413:
		return "Content Too Large"
	case 414:
		return "URI Too Long"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Status " + strconv.Itoa(code)
	}
}

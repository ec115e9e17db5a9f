package protocol

import (
	"strings"

	"github.com/nczempin/uproxy-go-uring/errors"
)

// FramingMode determines where a message body ends
type FramingMode int

const (
	// FramingNone means the message has no body
	FramingNone FramingMode = iota
	// FramingContentLength means the body is exactly Length bytes
	FramingContentLength
	// FramingChunked means the body uses chunked transfer coding
	FramingChunked
	// FramingClose means the body runs until the connection closes. Only
	// responses use it.
	FramingClose
)

func (m FramingMode) String() string {
	switch m {
	case FramingNone:
		return "none"
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close"
	default:
		return "unknown"
	}
}

// Framing is a body framing decision
type Framing struct {
	Mode   FramingMode
	Length int64
}

// HasBody reports whether a body follows the head
func (f Framing) HasBody() bool {
	switch f.Mode {
	case FramingContentLength:
		return f.Length > 0
	case FramingChunked, FramingClose:
		return true
	default:
		return false
	}
}

// maxContentLengthDigits keeps parsed lengths well inside int64
const maxContentLengthDigits = 18

// parseContentLength accepts only a plain run of ASCII digits
func parseContentLength(s string) (int64, bool) {
	if s == "" || len(s) > maxContentLengthDigits {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// contentLength collects every Content-Length value, including comma
// separated repeats, and requires them all to agree
func contentLength(headers HttpHeaders) (int64, bool, error) {
	found := false
	var length int64
	for _, hdr := range headers {
		if !strings.EqualFold(hdr.Key, "Content-Length") {
			continue
		}
		for _, part := range strings.Split(hdr.Value, ",") {
			n, ok := parseContentLength(strings.Trim(part, " \t"))
			if !ok {
				return 0, false, errors.NewParseError(errors.ParseErrorInvalidContentLength,
					"invalid Content-Length "+hdr.Value)
			}
			if found && n != length {
				return 0, false, errors.NewParseError(errors.ParseErrorAmbiguousFraming,
					"conflicting Content-Length values")
			}
			found = true
			length = n
		}
	}
	return length, found, nil
}

// transferCodings returns the lowercased codings listed by every
// Transfer-Encoding header, in order
func transferCodings(headers HttpHeaders) []string {
	var codings []string
	for _, hdr := range headers {
		if !strings.EqualFold(hdr.Key, "Transfer-Encoding") {
			continue
		}
		for _, part := range strings.Split(hdr.Value, ",") {
			if c := strings.ToLower(strings.Trim(part, " \t")); c != "" {
				codings = append(codings, c)
			}
		}
	}
	return codings
}

// OuterCodings returns the transfer codings listed in headers other than
// chunked, in order. A hop that re-chunks a body lists them again ahead of
// its own chunked coding.
func OuterCodings(headers HttpHeaders) []string {
	var out []string
	for _, c := range transferCodings(headers) {
		if c != "chunked" {
			out = append(out, c)
		}
	}
	return out
}

// ChunkedEncoding is the Transfer-Encoding value for a body chunked after
// the given codings
func ChunkedEncoding(codings []string) string {
	if len(codings) == 0 {
		return "chunked"
	}
	return strings.Join(codings, ", ") + ", chunked"
}

// headerFraming applies the framing rules common to requests and
// responses. Transfer-Encoding together with Content-Length is rejected
// instead of letting one silently win.
func headerFraming(headers HttpHeaders, request bool) (Framing, error) {
	length, hasLength, err := contentLength(headers)
	if err != nil {
		return Framing{}, err
	}

	codings := transferCodings(headers)
	if len(codings) > 0 || headers.Has("Transfer-Encoding") {
		if hasLength {
			return Framing{}, errors.NewParseError(errors.ParseErrorAmbiguousFraming,
				"both Transfer-Encoding and Content-Length present")
		}
		chunkedLast := len(codings) > 0 && codings[len(codings)-1] == "chunked"
		chunkedCount := 0
		for _, c := range codings {
			if c == "chunked" {
				chunkedCount++
			}
		}
		if chunkedLast && chunkedCount == 1 {
			return Framing{Mode: FramingChunked}, nil
		}
		if request {
			return Framing{}, errors.NewParseError(errors.ParseErrorUnsupportedTransferCoding,
				"request transfer coding must end in chunked")
		}
		return Framing{Mode: FramingClose}, nil
	}

	if hasLength {
		return Framing{Mode: FramingContentLength, Length: length}, nil
	}
	if request {
		return Framing{Mode: FramingNone}, nil
	}
	return Framing{Mode: FramingClose}, nil
}

// RequestFraming decides the body framing of a request head
func RequestFraming(req *Request) (Framing, error) {
	return headerFraming(req.Headers, true)
}

// ResponseFraming decides the body framing of a response head. method is
// the method of the request being answered; HEAD responses and 1xx, 204
// and 304 responses never carry a body.
func ResponseFraming(resp *Response, method string) (Framing, error) {
	f, err := headerFraming(resp.Headers, false)
	if err != nil {
		return Framing{}, err
	}
	if !ResponseHasBody(resp.StatusCode, method) {
		return Framing{Mode: FramingNone}, nil
	}
	return f, nil
}

// ResponseHasBody reports whether a response with this status, answering
// a request with this method, may carry a body
func ResponseHasBody(status int, method string) bool {
	if method == "HEAD" {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

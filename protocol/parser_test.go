package protocol

import (
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
)

// parsedMessage is everything a parser produced for one message
type parsedMessage struct {
	Request  Request
	Response Response
	Framing  Framing
	Body     string
	Trailers HttpHeaders
}

// feed copies up to step bytes of input starting at pos into in
func feed(in *buffer.Buffer, input []byte, pos, step int) int {
	in.Compact()
	end := min(pos+step, len(input))
	n := copy(in.Writable(), input[pos:end])
	in.Commit(n)
	return pos + n
}

// parseMessage runs a parser over input handing it step bytes at a time
func parseMessage(kind Kind, method string, input []byte, step int) (*parsedMessage, error) {
	p := NewParser(kind, DefaultLimits())
	p.SetRequestMethod(method)
	in := buffer.New(256)
	pos := 0
	var body []byte

	for {
		if p.State() < StateBody {
			err := p.ParseHeaders(in)
			if err == errors.ErrNeedMoreInput {
				if pos >= len(input) {
					return nil, p.Finish(in)
				}
				pos = feed(in, input, pos, step)
				continue
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		data, err := p.PeekBody(in)
		if err == io.EOF {
			break
		}
		if err == errors.ErrNeedMoreInput {
			if pos >= len(input) {
				if err := p.Finish(in); err != nil {
					return nil, err
				}
				break
			}
			pos = feed(in, input, pos, step)
			continue
		}
		if err != nil {
			return nil, err
		}
		body = append(body, data...)
		p.ConsumeBody(in, len(data))
	}

	m := &parsedMessage{
		Framing:  p.Framing(),
		Body:     string(body),
		Trailers: append(HttpHeaders{}, p.Trailers()...),
	}
	if kind == KindRequest {
		m.Request = *p.Request()
		m.Request.Headers = append(HttpHeaders{}, p.Request().Headers...)
	} else {
		m.Response = *p.Response()
		m.Response.Headers = append(HttpHeaders{}, p.Response().Headers...)
	}
	return m, nil
}

func TestParser_SimpleGet(t *testing.T) {
	m, err := parseMessage(KindRequest, "", []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"), 1024)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if m.Request.Method != "GET" || m.Request.Target != "/x" || m.Request.Version != Version11 {
		t.Errorf("Expected GET /x HTTP/1.1, got %s %s %s", m.Request.Method, m.Request.Target, m.Request.Version)
	}
	if m.Request.Headers.Get("host") != "a" {
		t.Errorf("Expected Host a, got %q", m.Request.Headers.Get("host"))
	}
	if m.Framing.Mode != FramingNone {
		t.Errorf("Expected no body framing, got %s", m.Framing.Mode)
	}
}

func TestParser_ResponseByteByByte(t *testing.T) {
	input := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	headEnd := len(input) - 5

	p := NewParser(KindResponse, DefaultLimits())
	in := buffer.New(64)
	var body []byte

	for i := 0; i < len(input); i++ {
		in.Write(input[i : i+1])

		if p.State() < StateBody {
			if err := p.ParseHeaders(in); err != nil && err != errors.ErrNeedMoreInput {
				t.Fatalf("Failed to parse headers at byte %d: %v", i, err)
			}
		}
		if p.State() == StateBody {
			data, err := p.PeekBody(in)
			if err == nil {
				body = append(body, data...)
				p.ConsumeBody(in, len(data))
			} else if err != errors.ErrNeedMoreInput {
				t.Fatalf("Failed to read body at byte %d: %v", i, err)
			}
		}

		complete := p.State() == StateComplete
		if i < len(input)-1 && complete {
			t.Fatalf("Expected parser to be incomplete after byte %d", i)
		}
		if i >= headEnd && i < len(input)-1 && p.State() != StateBody {
			t.Fatalf("Expected body state after byte %d, got %s", i, p.State())
		}
	}

	if p.State() != StateComplete {
		t.Fatalf("Expected COMPLETE after last byte, got %s", p.State())
	}
	if string(body) != "hello" {
		t.Errorf("Expected body %q, got %q", "hello", body)
	}
	if p.Response().StatusCode != 200 || p.Response().Reason != "OK" {
		t.Errorf("Expected 200 OK, got %d %s", p.Response().StatusCode, p.Response().Reason)
	}
}

func TestParser_AmbiguousFraming(t *testing.T) {
	input := "POST /u HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"

	p := NewParser(KindRequest, DefaultLimits())
	in := buffer.New(256)
	in.Write([]byte(input))

	err := p.ParseHeaders(in)
	code, ok := errors.ParseErrorOf(err)
	if !ok || code != errors.ParseErrorAmbiguousFraming {
		t.Fatalf("Expected PARSE_AMBIGUOUS_FRAMING, got %v", err)
	}
	if p.State() != StateError {
		t.Errorf("Expected ERROR state, got %s", p.State())
	}
	if _, err := p.PeekBody(in); err == nil {
		t.Error("Expected body read to fail after a framing error")
	}
	if string(in.Readable()) != "hello" {
		t.Errorf("Expected body bytes to stay unread, got %q", in.Readable())
	}
}

func TestParser_Resumability(t *testing.T) {
	cases := []struct {
		name   string
		kind   Kind
		method string
		input  string
	}{
		{"get", KindRequest, "", "GET /a?b=c HTTP/1.1\r\nHost: example\r\nAccept: */*\r\nAccept: text/plain\r\n\r\n"},
		{"content-length", KindRequest, "", "POST /upload HTTP/1.1\r\nHost: a\r\nContent-Length: 11\r\n\r\nhello world"},
		{"chunked", KindRequest, "", "POST /c HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Sum: 1\r\n\r\n"},
		{"until-close", KindResponse, "GET", "HTTP/1.0 200 OK\r\nServer: t\r\n\r\nstreamed until close"},
		{"head", KindResponse, "HEAD", "HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			whole, err := parseMessage(tc.kind, tc.method, []byte(tc.input), len(tc.input))
			if err != nil {
				t.Fatalf("Failed to parse whole message: %v", err)
			}
			for step := 1; step < len(tc.input); step++ {
				split, err := parseMessage(tc.kind, tc.method, []byte(tc.input), step)
				if err != nil {
					t.Fatalf("Failed to parse with step %d: %v", step, err)
				}
				if !reflect.DeepEqual(whole, split) {
					t.Fatalf("Expected identical result with step %d\nwhole: %+v\nsplit: %+v", step, whole, split)
				}
			}
		})
	}
}

func TestParser_ChunkedBodyAndTrailers(t *testing.T) {
	input := "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\n\r\na\r\n0123456789\r\n0\r\nExpires: never\r\n\r\n"
	m, err := parseMessage(KindResponse, "GET", []byte(input), 7)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if m.Framing.Mode != FramingChunked {
		t.Errorf("Expected chunked framing, got %s", m.Framing.Mode)
	}
	if m.Body != "0123456789" {
		t.Errorf("Expected body %q, got %q", "0123456789", m.Body)
	}
	if m.Trailers.Get("Expires") != "never" {
		t.Errorf("Expected trailer Expires, got %v", m.Trailers)
	}
}

func TestParser_Errors(t *testing.T) {
	cases := []struct {
		name  string
		kind  Kind
		input string
		code  errors.ParseError
	}{
		{"bad request line", KindRequest, "GET /\r\n\r\n", errors.ParseErrorInvalidStartLine},
		{"space in target", KindRequest, "GET /a b HTTP/1.1\r\n\r\n", errors.ParseErrorInvalidStartLine},
		{"http2", KindRequest, "GET / HTTP/2.0\r\n\r\n", errors.ParseErrorUnsupportedVersion},
		{"bad status", KindResponse, "HTTP/1.1 2x0 OK\r\n\r\n", errors.ParseErrorInvalidStartLine},
		{"folded header", KindRequest, "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n", errors.ParseErrorInvalidHeader},
		{"no colon", KindRequest, "GET / HTTP/1.1\r\nbroken\r\n\r\n", errors.ParseErrorInvalidHeader},
		{"space before colon", KindRequest, "GET / HTTP/1.1\r\nHost : a\r\n\r\n", errors.ParseErrorInvalidHeader},
		{"bare cr in value", KindRequest, "GET / HTTP/1.1\r\nA: b\rc\r\n\r\n", errors.ParseErrorInvalidHeader},
		{"plus length", KindRequest, "POST / HTTP/1.1\r\nContent-Length: +5\r\n\r\nhello", errors.ParseErrorInvalidContentLength},
		{"negative length", KindRequest, "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", errors.ParseErrorInvalidContentLength},
		{"junk length", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 5a\r\n\r\n", errors.ParseErrorInvalidContentLength},
		{"conflicting lengths", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\n", errors.ParseErrorAmbiguousFraming},
		{"conflicting list", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 5, 6\r\n\r\n", errors.ParseErrorAmbiguousFraming},
		{"gzip only request", KindRequest, "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", errors.ParseErrorUnsupportedTransferCoding},
		{"bad chunk size", KindRequest, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", errors.ParseErrorInvalidChunk},
		{"missing chunk crlf", KindRequest, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nabc\r\n", errors.ParseErrorInvalidChunk},
		{"truncated body", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", errors.ParseErrorIncompleteMessage},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseMessage(tc.kind, "GET", []byte(tc.input), 3)
			code, ok := errors.ParseErrorOf(err)
			if !ok {
				t.Fatalf("Expected parse error %s, got %v", tc.code, err)
			}
			if code != tc.code {
				t.Errorf("Expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestParser_RepeatedEqualLengths(t *testing.T) {
	m, err := parseMessage(KindRequest, "", []byte("POST / HTTP/1.1\r\nContent-Length: 3, 3\r\nContent-Length: 3\r\n\r\nabc"), 4)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if m.Body != "abc" {
		t.Errorf("Expected body %q, got %q", "abc", m.Body)
	}
}

func TestParser_Limits(t *testing.T) {
	limits := Limits{MaxStartLine: 32, MaxHeaderLine: 32, MaxHeaders: 2}

	cases := []struct {
		name  string
		input string
		code  errors.ParseError
	}{
		{"start line", "GET /" + strings.Repeat("a", 64) + " HTTP/1.1\r\n\r\n", errors.ParseErrorStartLineTooLong},
		{"header line", "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("b", 64) + "\r\n\r\n", errors.ParseErrorHeaderTooLarge},
		{"header count", "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n", errors.ParseErrorTooManyHeaders},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser(KindRequest, limits)
			in := buffer.New(256)
			in.Write([]byte(tc.input))

			err := p.ParseHeaders(in)
			code, ok := errors.ParseErrorOf(err)
			if !ok || code != tc.code {
				t.Errorf("Expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestParser_LineLongerThanBuffer(t *testing.T) {
	p := NewParser(KindRequest, DefaultLimits())
	in := buffer.New(16)
	in.Write([]byte("GET /abcdefghijklmnop"))

	err := p.ParseHeaders(in)
	code, ok := errors.ParseErrorOf(err)
	if !ok || code != errors.ParseErrorStartLineTooLong {
		t.Errorf("Expected start line too long, got %v", err)
	}
}

func TestParser_MaxBody(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBody = 4

	p := NewParser(KindRequest, limits)
	in := buffer.New(128)
	in.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"))

	err := p.ParseHeaders(in)
	if errors.TypeOf(err) != errors.ErrorCapacity {
		t.Errorf("Expected capacity error, got %v", err)
	}
}

func TestParser_BodylessResponses(t *testing.T) {
	cases := []struct {
		name   string
		method string
		input  string
	}{
		{"head", "HEAD", "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"},
		{"no content", "GET", "HTTP/1.1 204 No Content\r\n\r\n"},
		{"not modified", "GET", "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n"},
		{"continue", "POST", "HTTP/1.1 100 Continue\r\n\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser(KindResponse, DefaultLimits())
			p.SetRequestMethod(tc.method)
			in := buffer.New(128)
			in.Write([]byte(tc.input))

			if err := p.ParseHeaders(in); err != nil {
				t.Fatalf("Failed to parse: %v", err)
			}
			if p.State() != StateComplete {
				t.Errorf("Expected COMPLETE right after headers, got %s", p.State())
			}
		})
	}
}

func TestParser_ResponseUntilClose(t *testing.T) {
	p := NewParser(KindResponse, DefaultLimits())
	in := buffer.New(128)
	in.Write([]byte("HTTP/1.1 200 OK\r\n\r\npartial"))

	if err := p.ParseHeaders(in); err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if p.Framing().Mode != FramingClose {
		t.Fatalf("Expected close framing, got %s", p.Framing().Mode)
	}
	if err := p.SkipBody(in); err != errors.ErrNeedMoreInput {
		t.Fatalf("Expected ErrNeedMoreInput, got %v", err)
	}
	if err := p.Finish(in); err != nil {
		t.Fatalf("Expected EOF to complete the body, got %v", err)
	}
	if p.State() != StateComplete || p.BodyBytes() != 7 {
		t.Errorf("Expected COMPLETE with 7 bytes, got %s with %d", p.State(), p.BodyBytes())
	}
}

func TestParser_FinishIdle(t *testing.T) {
	p := NewParser(KindRequest, DefaultLimits())
	in := buffer.New(32)

	if err := p.Finish(in); err != io.EOF {
		t.Errorf("Expected io.EOF for a close between messages, got %v", err)
	}
}

func TestParser_LeadingBlankLines(t *testing.T) {
	m, err := parseMessage(KindRequest, "", []byte("\r\n\r\nGET / HTTP/1.0\r\n\r\n"), 2)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if m.Request.Version != Version10 {
		t.Errorf("Expected HTTP/1.0, got %s", m.Request.Version)
	}
}

func TestOuterCodings(t *testing.T) {
	tests := []struct {
		name    string
		headers HttpHeaders
		want    string
	}{
		{"none", nil, "chunked"},
		{"chunked only", HttpHeaders{{Key: "Transfer-Encoding", Value: "chunked"}}, "chunked"},
		{"gzip then chunked", HttpHeaders{{Key: "Transfer-Encoding", Value: "gzip, chunked"}}, "gzip, chunked"},
		{"split fields", HttpHeaders{
			{Key: "Transfer-Encoding", Value: "Deflate"},
			{Key: "Transfer-Encoding", Value: "gzip,chunked"},
		}, "deflate, gzip, chunked"},
		{"close framed", HttpHeaders{{Key: "Transfer-Encoding", Value: "gzip"}}, "gzip, chunked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkedEncoding(OuterCodings(tt.headers)); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

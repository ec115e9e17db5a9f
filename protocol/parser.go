package protocol

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/net/http/httpguts"
)

// ParserState is the position of a parser within one message
type ParserState int

const (
	StateStartLine ParserState = iota
	StateHeaders
	StateBody
	StateComplete
	StateError
)

func (s ParserState) String() string {
	switch s {
	case StateStartLine:
		return "START_LINE"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Kind selects whether a parser reads requests or responses
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// Limits bounds what a parser accepts. Nothing grows past these.
type Limits struct {
	MaxStartLine  int
	MaxHeaderLine int
	MaxHeaders    int
	// MaxBody caps a request body; 0 means unlimited
	MaxBody int64
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		MaxStartLine:  8192,
		MaxHeaderLine: 8192,
		MaxHeaders:    100,
	}
}

// chunk decoding sub-states within StateBody
type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Parser is an incremental HTTP/1.x message parser. It works directly on
// a transaction's input buffer and only consumes a line once the whole
// line is available, remembering how far it has already scanned.
type Parser struct {
	kind   Kind
	limits Limits

	state ParserState
	err   error

	// scan is how many readable bytes have been searched for a line feed
	scan int
	// started is set once any byte of the message has been consumed
	started bool

	req      Request
	resp     Response
	trailers HttpHeaders

	// method of the request being answered, for response framing
	method string

	framing   Framing
	remaining int64
	chunk     chunkState
	bodyBytes int64
}

// NewParser creates a parser for the given message kind
func NewParser(kind Kind, limits Limits) *Parser {
	p := &Parser{}
	p.init(kind, limits)
	return p
}

func (p *Parser) init(kind Kind, limits Limits) {
	p.kind = kind
	p.limits = limits
	p.req.Headers = make(HttpHeaders, 0, 16)
	p.resp.Headers = make(HttpHeaders, 0, 16)
	p.trailers = make(HttpHeaders, 0, 4)
}

// Reset returns the parser to StateStartLine for the next message
func (p *Parser) Reset() {
	p.state = StateStartLine
	p.err = nil
	p.scan = 0
	p.started = false
	p.req.reset()
	p.resp.reset()
	p.trailers.reset()
	p.method = ""
	p.framing = Framing{}
	p.remaining = 0
	p.chunk = chunkSize
	p.bodyBytes = 0
}

// SetRequestMethod records the method of the request a response parser is
// answering. HEAD responses have no body.
func (p *Parser) SetRequestMethod(method string) {
	p.method = method
}

// State returns the current parser state
func (p *Parser) State() ParserState {
	return p.state
}

// Err returns the error that moved the parser to StateError
func (p *Parser) Err() error {
	return p.err
}

// Request returns the parsed request head (request parsers only)
func (p *Parser) Request() *Request {
	return &p.req
}

// Response returns the parsed response head (response parsers only)
func (p *Parser) Response() *Response {
	return &p.resp
}

// Trailers returns the trailer fields of a chunked body
func (p *Parser) Trailers() HttpHeaders {
	return p.trailers
}

// Framing returns the framing decision; valid once headers are complete
func (p *Parser) Framing() Framing {
	return p.framing
}

// BodyBytes returns the number of body bytes consumed so far
func (p *Parser) BodyBytes() int64 {
	return p.bodyBytes
}

// Started reports whether any bytes of the current message were consumed
func (p *Parser) Started() bool {
	return p.started
}

func (p *Parser) fail(err error) error {
	p.state = StateError
	p.err = err
	return err
}

// nextLine returns the next complete line without its terminator and the
// number of bytes to skip to consume it. Bytes already scanned in a
// previous call are not scanned again.
func (p *Parser) nextLine(in *buffer.Buffer, limit int, tooLong errors.ParseError) ([]byte, int, error) {
	data := in.Readable()
	if p.scan > len(data) {
		p.scan = 0
	}
	idx := bytes.IndexByte(data[p.scan:], '\n')
	if idx < 0 {
		p.scan = len(data)
		if len(data) > limit || in.Full() {
			return nil, 0, p.fail(errors.NewParseError(tooLong, "line exceeds limit"))
		}
		return nil, 0, errors.ErrNeedMoreInput
	}
	end := p.scan + idx
	if end > limit {
		return nil, 0, p.fail(errors.NewParseError(tooLong, "line exceeds limit"))
	}
	p.scan = 0
	line := data[:end]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, end + 1, nil
}

// ParseHeaders advances through the start line and header section. It
// returns nil once the head is complete, ErrNeedMoreInput when the buffer
// holds no complete line, or a parse error.
func (p *Parser) ParseHeaders(in *buffer.Buffer) error {
	for {
		switch p.state {
		case StateBody, StateComplete:
			return nil
		case StateError:
			return p.err
		case StateStartLine:
			line, n, err := p.nextLine(in, p.limits.MaxStartLine, errors.ParseErrorStartLineTooLong)
			if err != nil {
				return err
			}
			if len(line) == 0 && p.kind == KindRequest && !p.started {
				// leading blank lines before a request are ignored
				in.Skip(n)
				continue
			}
			p.started = true
			if p.kind == KindRequest {
				err = p.parseRequestLine(line)
			} else {
				err = p.parseStatusLine(line)
			}
			if err != nil {
				return p.fail(err)
			}
			in.Skip(n)
			p.state = StateHeaders
		case StateHeaders:
			line, n, err := p.nextLine(in, p.limits.MaxHeaderLine, errors.ParseErrorHeaderTooLarge)
			if err != nil {
				return err
			}
			if len(line) == 0 {
				in.Skip(n)
				return p.endHeaders()
			}
			headers := &p.req.Headers
			if p.kind == KindResponse {
				headers = &p.resp.Headers
			}
			if headers.Len() >= p.limits.MaxHeaders {
				return p.fail(errors.NewParseError(errors.ParseErrorTooManyHeaders, "too many header fields"))
			}
			key, value, err := parseHeaderLine(line)
			if err != nil {
				return p.fail(err)
			}
			headers.Add(key, value)
			in.Skip(n)
		}
	}
}

func (p *Parser) parseRequestLine(line []byte) error {
	method, rest, ok1 := bytes.Cut(line, []byte{' '})
	target, version, ok2 := bytes.Cut(rest, []byte{' '})
	if !ok1 || !ok2 || len(method) == 0 || len(target) == 0 {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "malformed request line")
	}
	if !httpguts.ValidHeaderFieldName(string(method)) {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "invalid method")
	}
	if bytes.IndexByte(target, ' ') >= 0 || bytes.IndexByte(target, '\r') >= 0 {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "invalid request target")
	}
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	p.req.Method = string(method)
	p.req.Target = string(target)
	p.req.Version = v
	return nil
}

func (p *Parser) parseStatusLine(line []byte) error {
	version, rest, ok := bytes.Cut(line, []byte{' '})
	if !ok {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "malformed status line")
	}
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	code, reason, _ := bytes.Cut(rest, []byte{' '})
	if len(code) != 3 {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "invalid status code")
	}
	status, err := strconv.Atoi(string(code))
	if err != nil || status < 100 {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "invalid status code")
	}
	if bytes.IndexByte(reason, '\r') >= 0 {
		return errors.NewParseError(errors.ParseErrorInvalidStartLine, "invalid reason phrase")
	}
	p.resp.Version = v
	p.resp.StatusCode = status
	p.resp.Reason = string(reason)
	return nil
}

func parseVersion(b []byte) (Version, error) {
	switch string(b) {
	case "HTTP/1.1":
		return Version11, nil
	case "HTTP/1.0":
		return Version10, nil
	}
	if len(b) == 8 && bytes.HasPrefix(b, []byte("HTTP/")) && b[6] == '.' &&
		b[5] >= '0' && b[5] <= '9' && b[7] >= '0' && b[7] <= '9' {
		return 0, errors.NewParseError(errors.ParseErrorUnsupportedVersion, "unsupported version "+string(b))
	}
	return 0, errors.NewParseError(errors.ParseErrorInvalidStartLine, "malformed version")
}

// parseHeaderLine splits a field line on its first colon and trims the
// value. Folded continuation lines and whitespace before the colon are
// rejected.
func parseHeaderLine(line []byte) (string, string, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return "", "", errors.NewParseError(errors.ParseErrorInvalidHeader, "obsolete line folding")
	}
	key, value, ok := bytes.Cut(line, []byte{':'})
	if !ok {
		return "", "", errors.NewParseError(errors.ParseErrorInvalidHeader, "missing colon")
	}
	if !httpguts.ValidHeaderFieldName(string(key)) {
		return "", "", errors.NewParseError(errors.ParseErrorInvalidHeader, "invalid field name")
	}
	value = bytes.Trim(value, " \t")
	if bytes.IndexByte(value, '\r') >= 0 || bytes.IndexByte(value, 0) >= 0 {
		return "", "", errors.NewParseError(errors.ParseErrorInvalidHeader, "invalid field value")
	}
	return string(key), string(value), nil
}

// endHeaders fixes the framing for the rest of the message
func (p *Parser) endHeaders() error {
	var (
		f   Framing
		err error
	)
	if p.kind == KindRequest {
		f, err = RequestFraming(&p.req)
		if err == nil && p.limits.MaxBody > 0 && f.Mode == FramingContentLength && f.Length > p.limits.MaxBody {
			err = errors.NewCapacityError("request body exceeds limit")
		}
	} else {
		f, err = ResponseFraming(&p.resp, p.method)
	}
	if err != nil {
		return p.fail(err)
	}
	p.framing = f
	p.chunk = chunkSize
	switch {
	case !f.HasBody():
		p.state = StateComplete
	case f.Mode == FramingContentLength:
		p.remaining = f.Length
		p.state = StateBody
	default:
		p.state = StateBody
	}
	return nil
}

// PeekBody returns a view of contiguous body bytes available in the input
// buffer without consuming them. It returns io.EOF once the body is
// complete and ErrNeedMoreInput when more bytes must be read first.
func (p *Parser) PeekBody(in *buffer.Buffer) ([]byte, error) {
	for {
		switch p.state {
		case StateComplete:
			return nil, io.EOF
		case StateError:
			return nil, p.err
		case StateStartLine, StateHeaders:
			return nil, errors.NewInvalidArgumentError("body requested before headers are complete")
		}

		switch p.framing.Mode {
		case FramingContentLength:
			data := in.Readable()
			if len(data) == 0 {
				return nil, errors.ErrNeedMoreInput
			}
			return data[:min(int64(len(data)), p.remaining)], nil
		case FramingClose:
			data := in.Readable()
			if len(data) == 0 {
				return nil, errors.ErrNeedMoreInput
			}
			return data, nil
		case FramingChunked:
			data, err := p.peekChunked(in)
			if err != nil || data != nil {
				return data, err
			}
			// chunk framing consumed, go around again
		default:
			p.state = StateComplete
		}
	}
}

// peekChunked processes chunk framing lines until body bytes are
// available. A nil view with a nil error means the state advanced.
func (p *Parser) peekChunked(in *buffer.Buffer) ([]byte, error) {
	switch p.chunk {
	case chunkSize:
		line, n, err := p.nextLine(in, p.limits.MaxHeaderLine, errors.ParseErrorInvalidChunk)
		if err != nil {
			return nil, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return nil, p.fail(err)
		}
		in.Skip(n)
		if size == 0 {
			p.chunk = chunkTrailer
		} else {
			if p.kind == KindRequest && p.limits.MaxBody > 0 && p.bodyBytes+size > p.limits.MaxBody {
				return nil, p.fail(errors.NewCapacityError("request body exceeds limit"))
			}
			p.remaining = size
			p.chunk = chunkData
		}
		return nil, nil
	case chunkData:
		if p.remaining == 0 {
			p.chunk = chunkDataEnd
			return nil, nil
		}
		data := in.Readable()
		if len(data) == 0 {
			return nil, errors.ErrNeedMoreInput
		}
		return data[:min(int64(len(data)), p.remaining)], nil
	case chunkDataEnd:
		line, n, err := p.nextLine(in, 2, errors.ParseErrorInvalidChunk)
		if err != nil {
			return nil, err
		}
		if len(line) != 0 {
			return nil, p.fail(errors.NewParseError(errors.ParseErrorInvalidChunk, "missing CRLF after chunk data"))
		}
		in.Skip(n)
		p.chunk = chunkSize
		return nil, nil
	default:
		line, n, err := p.nextLine(in, p.limits.MaxHeaderLine, errors.ParseErrorHeaderTooLarge)
		if err != nil {
			return nil, err
		}
		in.Skip(n)
		if len(line) == 0 {
			p.state = StateComplete
			return nil, io.EOF
		}
		if p.trailers.Len() >= p.limits.MaxHeaders {
			return nil, p.fail(errors.NewParseError(errors.ParseErrorTooManyHeaders, "too many trailer fields"))
		}
		key, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, p.fail(err)
		}
		p.trailers.Add(key, value)
		return nil, nil
	}
}

// parseChunkSize reads the hex size of a chunk-size line, ignoring any
// chunk extensions
func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := strings.TrimRight(string(line), " \t")
	if s == "" || len(s) > 15 {
		return 0, errors.NewParseError(errors.ParseErrorInvalidChunk, "invalid chunk size")
	}
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil || size < 0 || s[0] == '+' || s[0] == '-' {
		return 0, errors.NewParseError(errors.ParseErrorInvalidChunk, "invalid chunk size "+s)
	}
	return size, nil
}

// ConsumeBody marks n body bytes returned by PeekBody as relayed
func (p *Parser) ConsumeBody(in *buffer.Buffer, n int) {
	if n <= 0 {
		return
	}
	in.Skip(n)
	p.bodyBytes += int64(n)
	switch p.framing.Mode {
	case FramingContentLength:
		p.remaining -= int64(n)
		if p.remaining == 0 {
			p.state = StateComplete
		}
	case FramingChunked:
		p.remaining -= int64(n)
	}
}

// SkipBody discards whatever body bytes are available. It returns io.EOF
// once the body is complete.
func (p *Parser) SkipBody(in *buffer.Buffer) error {
	for {
		data, err := p.PeekBody(in)
		if err != nil {
			return err
		}
		p.ConsumeBody(in, len(data))
	}
}

// Finish tells the parser the connection reached end of file. It returns
// nil when that completed a read-until-close body, io.EOF when no message
// was in progress, and a parse error when the message was cut short.
func (p *Parser) Finish(in *buffer.Buffer) error {
	switch p.state {
	case StateComplete:
		return nil
	case StateError:
		return p.err
	case StateStartLine:
		if !p.started && in.Empty() {
			return io.EOF
		}
	case StateBody:
		if p.framing.Mode == FramingClose && in.Empty() {
			p.state = StateComplete
			return nil
		}
	}
	return p.fail(errors.NewParseError(errors.ParseErrorIncompleteMessage, "connection closed mid-message"))
}

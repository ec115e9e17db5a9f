package protocol

import (
	"strconv"

	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
)

type formatterState int

const (
	formatStartLine formatterState = iota
	formatHeaders
	formatBody
	formatTrailers
	formatDone
)

// Formatter serializes a message head and body into an output buffer. Every
// line and every chunk is written whole or not at all, so a call that
// returns ErrOutputFull can be repeated after the buffer was flushed.
type Formatter struct {
	state     formatterState
	next      int
	framing   Framing
	remaining int64
	bodyBytes int64
}

// NewFormatter creates a formatter ready for a message head
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Reset prepares the formatter for the next message
func (f *Formatter) Reset() {
	*f = Formatter{}
}

// Framing returns the framing chosen when the head was formatted
func (f *Formatter) Framing() Framing {
	return f.framing
}

// HeadDone reports whether the whole head has been written
func (f *Formatter) HeadDone() bool {
	return f.state >= formatBody
}

// Done reports whether the message has been written completely
func (f *Formatter) Done() bool {
	return f.state == formatDone
}

// BodyBytes returns the number of body bytes written so far
func (f *Formatter) BodyBytes() int64 {
	return f.bodyBytes
}

// FormatRequest writes a request head. The framing is derived from the
// request's headers with the same rules the parser applies.
func (f *Formatter) FormatRequest(out *buffer.Buffer, req *Request) error {
	if f.state == formatStartLine {
		framing, err := RequestFraming(req)
		if err != nil {
			return err
		}
		n := len(req.Method) + 1 + len(req.Target) + 1 + 8 + 2
		if err := reserve(out, n); err != nil {
			return err
		}
		out.WriteString(req.Method)
		out.WriteString(" ")
		out.WriteString(req.Target)
		out.WriteString(" ")
		out.WriteString(req.Version.String())
		out.WriteString("\r\n")
		f.startHead(framing)
	}
	return f.formatHeaders(out, req.Headers)
}

// FormatResponse writes a response head answering a request with the given
// method
func (f *Formatter) FormatResponse(out *buffer.Buffer, resp *Response, method string) error {
	if f.state == formatStartLine {
		framing, err := ResponseFraming(resp, method)
		if err != nil {
			return err
		}
		code := strconv.Itoa(resp.StatusCode)
		n := 8 + 1 + len(code) + 1 + len(resp.Reason) + 2
		if err := reserve(out, n); err != nil {
			return err
		}
		out.WriteString(resp.Version.String())
		out.WriteString(" ")
		out.WriteString(code)
		out.WriteString(" ")
		out.WriteString(resp.Reason)
		out.WriteString("\r\n")
		f.startHead(framing)
	}
	return f.formatHeaders(out, resp.Headers)
}

func (f *Formatter) startHead(framing Framing) {
	f.framing = framing
	f.remaining = framing.Length
	f.next = 0
	f.state = formatHeaders
}

// reserve makes room for an atomic write of n bytes. A line that cannot
// fit even into an empty buffer is a capacity error rather than a flush
// request.
func reserve(out *buffer.Buffer, n int) error {
	if out.Fits(n) {
		return nil
	}
	if n > out.Cap() {
		return errors.NewCapacityError("line larger than output buffer")
	}
	return errors.ErrOutputFull
}

func (f *Formatter) formatHeaders(out *buffer.Buffer, headers HttpHeaders) error {
	if f.state != formatHeaders {
		return nil
	}
	for f.next < len(headers) {
		if err := writeField(out, headers[f.next]); err != nil {
			return err
		}
		f.next++
	}
	if err := reserve(out, 2); err != nil {
		return err
	}
	out.WriteString("\r\n")
	f.next = 0
	if f.framing.HasBody() {
		f.state = formatBody
	} else {
		f.state = formatDone
	}
	return nil
}

func writeField(out *buffer.Buffer, hdr HttpHeader) error {
	if err := reserve(out, len(hdr.Key)+2+len(hdr.Value)+2); err != nil {
		return err
	}
	out.WriteString(hdr.Key)
	out.WriteString(": ")
	out.WriteString(hdr.Value)
	out.WriteString("\r\n")
	return nil
}

// WriteBody writes as much of p as the framing and the buffer allow and
// returns the number of body bytes taken. A short count comes with
// ErrOutputFull.
func (f *Formatter) WriteBody(out *buffer.Buffer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	switch f.state {
	case formatBody:
	case formatDone:
		if !f.framing.HasBody() {
			return 0, errors.NewInvalidArgumentError("message has no body")
		}
		return 0, errors.NewCapacityError("body longer than Content-Length")
	default:
		return 0, errors.NewInvalidArgumentError("body written outside the body section")
	}

	var n int
	switch f.framing.Mode {
	case FramingContentLength:
		want := p
		if int64(len(want)) > f.remaining {
			want = want[:f.remaining]
		}
		n, _ = out.Write(want)
		f.remaining -= int64(n)
		if f.remaining == 0 {
			f.state = formatDone
		}
	case FramingClose:
		n, _ = out.Write(p)
	case FramingChunked:
		n = writeChunk(out, p)
	}

	f.bodyBytes += int64(n)
	if n < len(p) {
		if f.state == formatDone {
			return n, errors.NewCapacityError("body longer than Content-Length")
		}
		return n, errors.ErrOutputFull
	}
	return n, nil
}

// writeChunk writes one chunk holding as much of p as fits, framing
// included. It never writes a partial chunk or an empty one.
func writeChunk(out *buffer.Buffer, p []byte) int {
	out.Compact()
	space := out.Free()
	n := len(p)
	for n > 0 && chunkOverhead(n)+n > space {
		n = space - chunkOverhead(n)
		if n < 0 {
			n = 0
		}
	}
	if n == 0 {
		return 0
	}
	var hex [16]byte
	out.Write(strconv.AppendInt(hex[:0], int64(n), 16))
	out.WriteString("\r\n")
	out.Write(p[:n])
	out.WriteString("\r\n")
	return n
}

func chunkOverhead(n int) int {
	digits := 1
	for n >= 16 {
		n >>= 4
		digits++
	}
	return digits + 4
}

// EndBody finishes the body. For chunked bodies it writes the last chunk
// and any trailers; for Content-Length bodies it checks that every
// declared byte was written.
func (f *Formatter) EndBody(out *buffer.Buffer, trailers HttpHeaders) error {
	switch f.state {
	case formatDone:
		return nil
	case formatStartLine, formatHeaders:
		return errors.NewInvalidArgumentError("body ended before head")
	}

	switch f.framing.Mode {
	case FramingContentLength:
		if f.remaining > 0 {
			return errors.NewParseError(errors.ParseErrorIncompleteMessage, "body shorter than Content-Length")
		}
		f.state = formatDone
		return nil
	case FramingChunked:
		if f.state == formatBody {
			if err := reserve(out, 3); err != nil {
				return err
			}
			out.WriteString("0\r\n")
			f.state = formatTrailers
			f.next = 0
		}
		for f.next < len(trailers) {
			if err := writeField(out, trailers[f.next]); err != nil {
				return err
			}
			f.next++
		}
		if err := reserve(out, 2); err != nil {
			return err
		}
		out.WriteString("\r\n")
		f.state = formatDone
		return nil
	default:
		f.state = formatDone
		return nil
	}
}

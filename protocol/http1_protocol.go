package protocol

import (
	"io"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/transport"
)

// DefaultBufferSize is the size of each transaction buffer used by the
// blocking client
const DefaultBufferSize = 16 * 1024

// Http1Protocol implements HTTP/1.1 protocol over a blocking transport. It
// drives the same incremental parser and formatter the proxy uses.
type Http1Protocol struct {
	transport transport.Transport
	tx        *ServerTransaction
	body      []byte
}

// NewHttp1Protocol creates a new HTTP/1.1 protocol handler
func NewHttp1Protocol(t transport.Transport) *Http1Protocol {
	tx, _ := NewServerTransaction(nil, DefaultLimits(), DefaultBufferSize)
	return &Http1Protocol{
		transport: t,
		tx:        tx,
		body:      make([]byte, 0, 1024),
	}
}

// Connect establishes a connection to the specified host and port
func (p *Http1Protocol) Connect(host string, port int) error {
	p.tx.Reset()
	return p.transport.Connect(host, port)
}

// Disconnect closes the connection
func (p *Http1Protocol) Disconnect() error {
	return p.transport.Close()
}

// flush writes the whole output buffer to the transport
func (p *Http1Protocol) flush() error {
	out := p.tx.Out()
	for !out.Empty() {
		n, err := p.transport.Write(out.Readable())
		if err != nil {
			return err
		}
		out.Skip(n)
	}
	return nil
}

// fill reads once from the transport into the input buffer
func (p *Http1Protocol) fill() error {
	in := p.tx.In()
	in.Compact()
	n, err := p.transport.Read(in.Writable())
	if err != nil {
		return err
	}
	in.Commit(n)
	return nil
}

func isConnectionClosed(err error) bool {
	code, ok := errors.TransportErrorOf(err)
	return ok && code == errors.TransportErrorConnectionClosed
}

// sendRequest formats the request head and body, flushing whenever the
// output buffer fills up
func (p *Http1Protocol) sendRequest(req *HttpRequest) error {
	r := p.tx.Request()
	r.Method = req.Method.String()
	r.Target = req.Path
	r.Version = Version11
	r.Headers = append(r.Headers, req.Headers...)

	for {
		err := p.tx.FormatRequest()
		if err == nil {
			break
		}
		if err != errors.ErrOutputFull {
			return err
		}
		if err := p.flush(); err != nil {
			return err
		}
	}

	body := req.Body
	for len(body) > 0 && !p.tx.Formatter().Done() {
		n, err := p.tx.Formatter().WriteBody(p.tx.Out(), body)
		body = body[n:]
		if err != nil && err != errors.ErrOutputFull {
			return err
		}
		if err := p.flush(); err != nil {
			return err
		}
	}

	for {
		err := p.tx.Formatter().EndBody(p.tx.Out(), nil)
		if err == nil {
			break
		}
		if err != errors.ErrOutputFull {
			return err
		}
		if err := p.flush(); err != nil {
			return err
		}
	}
	return p.flush()
}

// readResponse parses the final response head and collects its body
func (p *Http1Protocol) readResponse() error {
	parser := p.tx.Parser()
	for {
		err := p.tx.ParseResponse()
		if err == errors.ErrNeedMoreInput {
			if err := p.fill(); err != nil {
				if isConnectionClosed(err) {
					return parser.Finish(p.tx.In())
				}
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if p.tx.Response().Interim() {
			p.tx.NextResponse()
			continue
		}
		break
	}

	p.body = p.body[:0]
	for {
		data, err := parser.PeekBody(p.tx.In())
		switch {
		case err == io.EOF:
			return nil
		case err == errors.ErrNeedMoreInput:
			if err := p.fill(); err != nil {
				if isConnectionClosed(err) {
					return parser.Finish(p.tx.In())
				}
				return err
			}
		case err != nil:
			return err
		default:
			p.body = append(p.body, data...)
			parser.ConsumeBody(p.tx.In(), len(data))
		}
	}
}

// PerformRequestUnsafe performs an HTTP request and returns zero-copy response
func (p *Http1Protocol) PerformRequestUnsafe(req *HttpRequest) (*UnsafeHttpResponse, error) {
	p.tx.Recycle()

	if err := p.sendRequest(req); err != nil {
		return nil, err
	}
	if err := p.readResponse(); err != nil {
		if err == io.EOF {
			return nil, errors.NewParseError(errors.ParseErrorIncompleteMessage,
				"connection closed before response received")
		}
		return nil, err
	}

	resp := p.tx.Response()
	contentLength := -1
	if f := p.tx.Parser().Framing(); f.Mode == FramingContentLength {
		contentLength = int(f.Length)
	}

	return &UnsafeHttpResponse{
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.Reason,
		Headers:       resp.Headers,
		Body:          p.body,
		ContentLength: contentLength,
	}, nil
}

// PerformRequestSafe performs an HTTP request and returns a copied response
func (p *Http1Protocol) PerformRequestSafe(req *HttpRequest) (*HttpResponse, error) {
	unsafeResp, err := p.PerformRequestUnsafe(req)
	if err != nil {
		return nil, err
	}

	// Copy all data to ensure it remains valid
	headers := make(HttpHeaders, len(unsafeResp.Headers))
	copy(headers, unsafeResp.Headers)

	body := make([]byte, len(unsafeResp.Body))
	copy(body, unsafeResp.Body)

	return &HttpResponse{
		StatusCode:    unsafeResp.StatusCode,
		StatusMessage: unsafeResp.StatusMessage,
		Headers:       headers,
		Body:          body,
		ContentLength: unsafeResp.ContentLength,
	}, nil
}

// KeepAlive reports whether the connection can carry another request
func (p *Http1Protocol) KeepAlive() bool {
	return p.tx.KeepAlive()
}

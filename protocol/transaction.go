package protocol

import (
	"github.com/nczempin/uproxy-go-uring/arena"
	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
)

// Transaction owns the per-exchange state of one side of a connection: an
// input buffer feeding the parser and an output buffer filled by the
// formatter. It is used by exactly one worker at a time.
type Transaction struct {
	alloc     arena.Allocator
	in        *buffer.Buffer
	out       *buffer.Buffer
	parser    Parser
	formatter Formatter
}

func (t *Transaction) init(alloc arena.Allocator, kind Kind, limits Limits, size int) error {
	t.alloc = alloc
	t.parser.init(kind, limits)

	in, err := allocBuffer(alloc, size)
	if err != nil {
		return err
	}
	out, err := allocBuffer(alloc, size)
	if err != nil {
		if alloc != nil {
			alloc.Deallocate(in.Bytes())
		}
		return err
	}
	t.in = in
	t.out = out
	return nil
}

func allocBuffer(alloc arena.Allocator, size int) (*buffer.Buffer, error) {
	if size <= 0 {
		return nil, errors.NewInvalidArgumentError("buffer size must be positive")
	}
	if alloc == nil {
		return buffer.New(size), nil
	}
	block, err := alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	return buffer.Wrap(block), nil
}

// Allocator returns the allocator that owns the transaction's buffers
func (t *Transaction) Allocator() arena.Allocator {
	return t.alloc
}

// In returns the input buffer
func (t *Transaction) In() *buffer.Buffer {
	return t.in
}

// Out returns the output buffer
func (t *Transaction) Out() *buffer.Buffer {
	return t.out
}

// Parser returns the transaction's parser
func (t *Transaction) Parser() *Parser {
	return &t.parser
}

// Formatter returns the transaction's formatter
func (t *Transaction) Formatter() *Formatter {
	return &t.formatter
}

// Released reports whether the buffers were handed back to the allocator
func (t *Transaction) Released() bool {
	return t.in == nil
}

// Reset returns every field to its freshly constructed state, discarding
// buffered input and output
func (t *Transaction) Reset() {
	if t.in != nil {
		t.in.Reset()
		t.out.Reset()
	}
	t.parser.Reset()
	t.formatter.Reset()
}

// Recycle prepares the transaction for the next exchange on the same
// connection. Unread input, such as a pipelined request, is kept.
func (t *Transaction) Recycle() {
	if t.in != nil {
		t.in.ResetKeep()
		t.out.Reset()
	}
	t.parser.Reset()
	t.formatter.Reset()
}

// Release returns the buffers to the allocator. The transaction must not be
// used afterwards.
func (t *Transaction) Release() {
	if t.in == nil {
		return
	}
	if t.alloc != nil {
		t.alloc.Deallocate(t.in.Bytes())
		t.alloc.Deallocate(t.out.Bytes())
	}
	t.in = nil
	t.out = nil
}

// keepAlive applies the HTTP/1.x persistence defaults to one message
func keepAlive(v Version, headers HttpHeaders) bool {
	if headers.HasToken("Connection", "close") {
		return false
	}
	if v == Version10 {
		return headers.HasToken("Connection", "keep-alive")
	}
	return true
}

// ClientTransaction is the client-facing side of a proxied exchange: it
// parses the request and formats the response
type ClientTransaction struct {
	Transaction
	resp Response
}

// NewClientTransaction allocates a client-facing transaction with buffers of
// the given size
func NewClientTransaction(alloc arena.Allocator, limits Limits, size int) (*ClientTransaction, error) {
	t := &ClientTransaction{}
	if err := t.init(alloc, KindRequest, limits, size); err != nil {
		return nil, err
	}
	t.resp.Headers = make(HttpHeaders, 0, 16)
	return t, nil
}

// Request returns the parsed request head
func (t *ClientTransaction) Request() *Request {
	return t.parser.Request()
}

// Response returns the response head to be formatted
func (t *ClientTransaction) Response() *Response {
	return &t.resp
}

// ParseRequest advances the request parser over the input buffer
func (t *ClientTransaction) ParseRequest() error {
	return t.parser.ParseHeaders(t.in)
}

// FormatResponse writes the response head into the output buffer
func (t *ClientTransaction) FormatResponse() error {
	return t.formatter.FormatResponse(t.out, &t.resp, t.parser.Request().Method)
}

// IsHead reports whether the request method is HEAD
func (t *ClientTransaction) IsHead() bool {
	return t.parser.Request().Method == "HEAD"
}

// ExpectsContinue reports whether the client waits for a 100 Continue
// before sending its body
func (t *ClientTransaction) ExpectsContinue() bool {
	req := t.parser.Request()
	return req.Version == Version11 && req.Headers.HasToken("Expect", "100-continue")
}

// KeepAlive reports whether the client connection may carry another
// exchange once this one completes
func (t *ClientTransaction) KeepAlive() bool {
	if t.parser.State() == StateError {
		return false
	}
	req := t.parser.Request()
	if !keepAlive(req.Version, req.Headers) {
		return false
	}
	if t.resp.Headers.HasToken("Connection", "close") {
		return false
	}
	return t.formatter.Framing().Mode != FramingClose
}

// Reset returns the transaction to its freshly constructed state
func (t *ClientTransaction) Reset() {
	t.Transaction.Reset()
	t.resp.reset()
}

// Recycle prepares for the next request on the same connection
func (t *ClientTransaction) Recycle() {
	t.Transaction.Recycle()
	t.resp.reset()
}

// ServerTransaction is the backend-facing side of a proxied exchange: it
// formats the request and parses the response
type ServerTransaction struct {
	Transaction
	req Request
}

// NewServerTransaction allocates a backend-facing transaction with buffers
// of the given size
func NewServerTransaction(alloc arena.Allocator, limits Limits, size int) (*ServerTransaction, error) {
	t := &ServerTransaction{}
	if err := t.init(alloc, KindResponse, limits, size); err != nil {
		return nil, err
	}
	t.req.Headers = make(HttpHeaders, 0, 16)
	return t, nil
}

// Request returns the request head to be formatted
func (t *ServerTransaction) Request() *Request {
	return &t.req
}

// Response returns the parsed response head
func (t *ServerTransaction) Response() *Response {
	return t.parser.Response()
}

// FormatRequest writes the request head into the output buffer
func (t *ServerTransaction) FormatRequest() error {
	return t.formatter.FormatRequest(t.out, &t.req)
}

// ParseResponse advances the response parser over the input buffer
func (t *ServerTransaction) ParseResponse() error {
	t.parser.SetRequestMethod(t.req.Method)
	return t.parser.ParseHeaders(t.in)
}

// NextResponse discards a parsed interim response so the final response
// can be parsed from the remaining input
func (t *ServerTransaction) NextResponse() {
	t.in.ResetKeep()
	t.parser.Reset()
	t.parser.SetRequestMethod(t.req.Method)
}

// KeepAlive reports whether the backend connection may be reused once the
// exchange completes
func (t *ServerTransaction) KeepAlive() bool {
	if t.parser.State() != StateComplete {
		return false
	}
	resp := t.parser.Response()
	if !keepAlive(resp.Version, resp.Headers) || !keepAlive(t.req.Version, t.req.Headers) {
		return false
	}
	return t.parser.Framing().Mode != FramingClose
}

// Reset returns the transaction to its freshly constructed state
func (t *ServerTransaction) Reset() {
	t.Transaction.Reset()
	t.req.reset()
}

// Recycle prepares for the next request on the same connection
func (t *ServerTransaction) Recycle() {
	t.Transaction.Recycle()
	t.req.reset()
}

package proxy

import (
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
	"github.com/nczempin/uproxy-go-uring/router"
)

// State is the position of a Context in its exchange
type State int

const (
	StateClientRequestWait State = iota
	StateRouteDecision
	StateServerConnectWait
	StateServerRequestSend
	StateServerResponseWait
	StateClientResponseSend
	StateDone
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateClientRequestWait:
		return "CLIENT_REQUEST_WAIT"
	case StateRouteDecision:
		return "ROUTE_DECISION"
	case StateServerConnectWait:
		return "SERVER_CONNECT_WAIT"
	case StateServerRequestSend:
		return "SERVER_REQUEST_SEND"
	case StateServerResponseWait:
		return "SERVER_RESPONSE_WAIT"
	case StateClientResponseSend:
		return "CLIENT_RESPONSE_SEND"
	case StateDone:
		return "DONE"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// maxRounds bounds the steps one handler call runs for a context before
// yielding to the other sockets of the worker
const maxRounds = 16

const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// Context drives one request/response exchange between a client socket
// and, once routed, a server socket. It lives on the worker that accepted
// the client and is only touched from that worker's goroutine.
type Context struct {
	w      *worker
	client *ClientSocket
	server *ServerSocket
	state  State
	err    error

	candidates []*router.Backend
	next       int
	connectErr error
	// fresh skips the pool for the next connect attempt
	fresh bool

	target     string
	reqFraming protocol.Framing
	keepAlive  bool

	requestDone  bool
	responseDone bool
	headSent     bool

	// waitClient and waitServer record that the last relay step stopped
	// because the peer had nothing more to read
	waitClient bool
	waitServer bool

	synthetic bool
	kind      FailureKind
	body      []byte
	bodyOff   int

	started time.Time
}

func newContext(w *worker, client *ClientSocket) *Context {
	return &Context{
		w:      w,
		client: client,
		state:  StateClientRequestWait,
	}
}

// State returns the current state
func (c *Context) State() State { return c.state }

// Err returns the error that ended the exchange, if any
func (c *Context) Err() error { return c.err }

func (c *Context) terminal() bool {
	return c.state == StateDone || c.state == StateAbort
}

func (c *Context) setState(s State) {
	c.w.logger.Debug("context state",
		zap.Stringer("peer", c.client.peer),
		zap.Stringer("from", c.state),
		zap.Stringer("to", s),
	)
	c.state = s
}

// awaitingRequest reports whether the client has not sent a single byte
// of its next request
func (c *Context) awaitingRequest() bool {
	tx := c.client.tx
	return c.state == StateClientRequestWait && !tx.Parser().Started() && tx.In().Empty()
}

func (c *Context) clientWantsRead() bool {
	switch c.state {
	case StateClientRequestWait:
		return true
	case StateServerRequestSend:
		return c.waitClient
	}
	return false
}

func (c *Context) serverWantsRead() bool {
	switch c.state {
	case StateServerResponseWait:
		return true
	case StateClientResponseSend:
		return c.waitServer
	}
	return false
}

// clientIdleLimit is the client's idle threshold during an exchange.
// While the context waits on the backend only the server socket's
// threshold applies.
func (c *Context) clientIdleLimit() time.Duration {
	switch c.state {
	case StateClientRequestWait:
		if c.awaitingRequest() {
			return c.w.cfg.AcceptIdleTimeout
		}
	case StateServerConnectWait, StateServerResponseWait:
		return 0
	}
	return c.w.cfg.ExchangeIdleTimeout
}

// serverIdleLimit is the idle threshold of the attached server socket
// once connected
func (c *Context) serverIdleLimit() time.Duration {
	if c.state == StateServerResponseWait {
		return c.w.cfg.ExchangeIdleTimeout
	}
	return 0
}

// drive runs steps until neither side can make progress, then lets the
// multiplexer know what each socket waits for
func (c *Context) drive() {
	if c.terminal() {
		return
	}
	progressed := false
	for round := 0; round < maxRounds; round++ {
		progress := c.step()
		progressed = progressed || progress
		if c.terminal() || !progress {
			c.settle(progressed)
			return
		}
	}
	c.settle(progressed)
	c.w.mux.Post(c.client)
}

// settle refreshes idle clocks and interest of both sockets
func (c *Context) settle(progressed bool) {
	mux := c.w.mux
	if progressed {
		mux.Touch(c.client)
	}
	if !c.client.removed {
		mux.Update(c.client)
	}
	if s := c.server; s != nil && !s.removed {
		if progressed {
			mux.Touch(s)
		}
		mux.Update(s)
	}
}

func (c *Context) step() bool {
	progress := c.flush()
	if c.terminal() {
		return progress
	}

	var advanced bool
	switch c.state {
	case StateClientRequestWait:
		advanced = c.readRequest()
	case StateRouteDecision:
		advanced = c.route()
	case StateServerConnectWait:
		advanced = c.awaitConnect()
	case StateServerRequestSend:
		advanced = c.sendRequest()
	case StateServerResponseWait:
		advanced = c.readResponse()
	case StateClientResponseSend:
		advanced = c.sendResponse()
	}
	return progress || advanced
}

// flush sends buffered output on both sides
func (c *Context) flush() bool {
	progress := false
	cl := c.client
	if !cl.tx.Out().Empty() || cl.ep.pending() {
		n, err := cl.ep.flush(cl.tx.Out())
		if n > 0 {
			progress = true
			c.w.counters.BytesRelayed(Downstream, n)
		}
		if err != nil && err != errors.ErrWouldBlock {
			c.clientFailed(err)
			return true
		}
	}

	s := c.server
	if s != nil && !s.removed && s.ready() && (!s.tx.Out().Empty() || s.ep.pending()) {
		n, err := s.ep.flush(s.tx.Out())
		if n > 0 {
			progress = true
			c.w.counters.BytesRelayed(Upstream, n)
		}
		if err != nil && err != errors.ErrWouldBlock {
			c.serverFailed(err)
			return true
		}
	}
	return progress
}

// readRequest parses the request head, reading from the client as needed
func (c *Context) readRequest() bool {
	cl := c.client
	progress := false
	if cl.ep.handshaking {
		if err := cl.ep.handshake(); err != nil {
			if err == errors.ErrWouldBlock {
				return false
			}
			c.abort(err, FailureTLS)
			return true
		}
		progress = true
	}

	for {
		err := cl.tx.ParseRequest()
		if err == nil {
			c.started = time.Now()
			c.setState(StateRouteDecision)
			return true
		}
		if err != errors.ErrNeedMoreInput {
			c.reject(err)
			return true
		}

		n, err := cl.ep.fill(cl.tx.In())
		switch {
		case n > 0:
			progress = true
		case err == errors.ErrWouldBlock || err == errors.ErrOutputFull:
			return progress
		case err == io.EOF:
			ferr := cl.tx.Parser().Finish(cl.tx.In())
			if ferr == io.EOF {
				// closed between requests
				c.close()
			} else {
				c.reject(ferr)
			}
			return true
		default:
			c.clientFailed(err)
			return true
		}
	}
}

// route picks the backends and prepares the outbound request head
func (c *Context) route() bool {
	tx := c.client.tx
	req := tx.Request()

	candidates, err := c.w.router.Match(req.Target, req.Headers)
	if err != nil {
		c.reject(err)
		return true
	}
	c.candidates = candidates

	expect := tx.ExpectsContinue()
	c.keepAlive = tx.KeepAlive()
	c.reqFraming = tx.Parser().Framing()
	c.target = originForm(req)
	codings := protocol.OuterCodings(req.Headers)

	fc := c.filterContext()
	if err := c.w.filters.FilterRequest(&fc, req); err != nil {
		c.reject(err)
		return true
	}
	if c.reqFraming.Mode == protocol.FramingChunked {
		req.Headers.Add("Transfer-Encoding", protocol.ChunkedEncoding(codings))
	}
	if expect && c.reqFraming.HasBody() {
		tx.Out().WriteString(continueResponse)
	}

	c.setState(StateServerConnectWait)
	c.connect()
	return true
}

func (c *Context) filterContext() protocol.FilterContext {
	return protocol.FilterContext{
		ClientAddr: c.client.peer,
		Secure:     c.client.ep.secure(),
		Via:        c.w.via,
	}
}

// originForm returns the target to send upstream. An absolute-form target
// is reduced to its path and its authority replaces the Host field.
func originForm(req *protocol.Request) string {
	target := req.Target
	var rest string
	switch {
	case len(target) > 7 && strings.EqualFold(target[:7], "http://"):
		rest = target[7:]
	case len(target) > 8 && strings.EqualFold(target[:8], "https://"):
		rest = target[8:]
	default:
		return target
	}

	host, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		host, path = rest[:i], rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
	}
	if host != "" {
		req.Headers.Set("Host", host)
	}
	return path
}

// connect attaches a server socket for the next candidate: an idle pooled
// connection if there is one, otherwise a new non-blocking connect. With
// no candidates left the client gets an error response.
func (c *Context) connect() {
	for c.next < len(c.candidates) {
		b := c.candidates[c.next]
		c.next++

		if !c.fresh {
			if s := c.w.pool.get(b); s != nil {
				c.w.logger.Debug("reusing backend connection", zap.String("backend", b.Name()), zap.Stringer("addr", s.addr))
				c.attach(s)
				c.setState(StateServerRequestSend)
				return
			}
		}
		c.fresh = false

		addrs := b.Addrs()
		if len(addrs) == 0 {
			c.connectErr = errors.NewTransportError(errors.TransportErrorDnsFailure, "backend "+b.Name()+" has no address", nil)
			continue
		}
		s, err := dialServer(c.w, b, addrs[0])
		if err != nil {
			c.w.logger.Debug("backend connect failed", zap.String("backend", b.Name()), zap.Error(err))
			c.connectErr = err
			continue
		}
		c.attach(s)
		return
	}

	err := c.connectErr
	if err == nil {
		err = errors.NewTransportError(errors.TransportErrorSocketConnectFailure, "no backend available", nil)
	}
	c.respondServerError(err)
}

// attach binds s to the context and copies the filtered request head into
// its transaction
func (c *Context) attach(s *ServerSocket) {
	c.server = s
	s.ctx = c

	req := c.client.tx.Request()
	out := s.tx.Request()
	out.Method = req.Method
	out.Target = c.target
	out.Version = protocol.Version11
	out.Headers = append(out.Headers[:0], req.Headers...)
}

// awaitConnect waits for the connect and any TLS handshake to finish
func (c *Context) awaitConnect() bool {
	s := c.server
	if s == nil || s.connecting {
		return false
	}
	if s.ep.handshaking {
		if err := s.ep.handshake(); err != nil {
			if err == errors.ErrWouldBlock {
				return false
			}
			c.serverFailed(err)
			return true
		}
	}
	c.w.logger.Debug("backend connected", zap.String("backend", s.backend.Name()), zap.Stringer("addr", s.addr))
	c.setState(StateServerRequestSend)
	return true
}

// sendRequest formats the request head and relays the request body
func (c *Context) sendRequest() bool {
	s := c.server
	progress := false
	if !s.tx.Formatter().HeadDone() {
		err := s.tx.FormatRequest()
		if err == errors.ErrOutputFull {
			return false
		}
		if err != nil {
			c.respondServerError(err)
			return true
		}
		progress = true
	}

	for !c.requestDone {
		status, moved, err := protocol.RelayBody(c.client.stream, s.stream)
		if moved > 0 {
			progress = true
			c.waitClient = false
		}
		if err != nil {
			// the request body was malformed or too large
			c.reject(err)
			return true
		}

		switch status {
		case protocol.RelayDone:
			c.requestDone = true
			c.waitClient = false
		case protocol.RelayOutputFull:
			return progress
		case protocol.RelayNeedInput:
			n, err := c.client.ep.fill(c.client.tx.In())
			switch {
			case n > 0:
				progress = true
				c.waitClient = false
			case err == errors.ErrWouldBlock || err == errors.ErrOutputFull:
				c.waitClient = true
				return progress
			case err == io.EOF:
				c.abort(errors.NewParseError(errors.ParseErrorIncompleteMessage, "client closed during request body"), FailureClient)
				return true
			default:
				c.clientFailed(err)
				return true
			}
		}
	}

	c.setState(StateServerResponseWait)
	return true
}

// fillServer reads from the backend. A socket already removed after the
// backend hung up only has its buffered bytes left.
func (c *Context) fillServer() (int, error) {
	s := c.server
	if s.removed {
		return 0, io.EOF
	}
	return s.ep.fill(s.tx.In())
}

// readResponse parses the backend's response head. Interim responses are
// dropped; the proxy already answered Expect itself.
func (c *Context) readResponse() bool {
	s := c.server
	progress := false
	for {
		err := s.tx.ParseResponse()
		if err == nil {
			resp := s.tx.Response()
			if resp.Interim() {
				if resp.StatusCode == 101 {
					c.serverFailed(errors.NewParseError(errors.ParseErrorInvalidStartLine, "protocol upgrade is not supported"))
					return true
				}
				s.tx.NextResponse()
				progress = true
				continue
			}
			if err := c.prepareResponse(); err != nil {
				c.serverFailed(err)
				return true
			}
			c.setState(StateClientResponseSend)
			return true
		}
		if err != errors.ErrNeedMoreInput {
			c.serverFailed(err)
			return true
		}

		n, err := c.fillServer()
		switch {
		case n > 0:
			progress = true
		case err == errors.ErrWouldBlock || err == errors.ErrOutputFull:
			return progress
		case err == io.EOF:
			c.serverFailed(errors.NewTransportError(errors.TransportErrorConnectionClosed, "backend closed before responding", nil))
			return true
		default:
			c.serverFailed(err)
			return true
		}
	}
}

// prepareResponse builds the client response head from the backend's.
// Framing fields are re-derived after the hop-by-hop filter: chunked and
// read-until-close bodies go to HTTP/1.1 clients chunked, after any other
// codings the backend applied.
func (c *Context) prepareResponse() error {
	in := c.server.tx.Response()
	out := c.client.tx.Response()
	out.Version = protocol.Version11
	out.StatusCode = in.StatusCode
	out.Reason = in.Reason
	out.Headers = append(out.Headers[:0], in.Headers...)

	fc := c.filterContext()
	if err := c.w.filters.FilterResponse(&fc, out); err != nil {
		return err
	}

	req := c.client.tx.Request()
	switch c.server.tx.Parser().Framing().Mode {
	case protocol.FramingChunked, protocol.FramingClose:
		if req.Version == protocol.Version11 {
			out.Headers.Add("Transfer-Encoding", protocol.ChunkedEncoding(protocol.OuterCodings(in.Headers)))
		}
	}
	if !c.keepAlive || req.Version == protocol.Version10 {
		out.Headers.Add("Connection", "close")
	}
	return nil
}

// sendResponse formats the response head and relays the response body
func (c *Context) sendResponse() bool {
	tx := c.client.tx
	progress := false
	if !tx.Formatter().HeadDone() {
		c.headSent = true
		err := tx.FormatResponse()
		if err == errors.ErrOutputFull {
			return false
		}
		if err != nil {
			c.abort(err, FailureServer)
			return true
		}
		progress = true
	}

	if c.synthetic {
		return c.sendErrorBody() || progress
	}

	for !c.responseDone {
		status, moved, err := protocol.RelayBody(c.server.stream, c.client.stream)
		if moved > 0 {
			progress = true
			c.waitServer = false
		}
		if err != nil {
			c.abort(err, FailureServer)
			return true
		}

		switch status {
		case protocol.RelayDone:
			c.responseDone = true
			c.waitServer = false
		case protocol.RelayOutputFull:
			return progress
		case protocol.RelayNeedInput:
			n, err := c.fillServer()
			switch {
			case n > 0:
				progress = true
				c.waitServer = false
			case err == errors.ErrWouldBlock || err == errors.ErrOutputFull:
				c.waitServer = true
				return progress
			case err == io.EOF:
				s := c.server
				if ferr := s.tx.Parser().Finish(s.tx.In()); ferr != nil {
					c.abort(ferr, FailureServer)
					return true
				}
				progress = true
			default:
				c.abort(err, FailureServer)
				return true
			}
		}
	}

	if tx.Out().Empty() && !c.client.ep.pending() {
		c.finish()
		return true
	}
	return progress
}

// sendErrorBody writes the body of a synthesized response
func (c *Context) sendErrorBody() bool {
	stream := c.client.stream
	progress := false
	if c.client.tx.Formatter().Framing().HasBody() {
		for c.bodyOff < len(c.body) {
			n, err := stream.WriteBody(c.body[c.bodyOff:])
			c.bodyOff += n
			if n > 0 {
				progress = true
			}
			if err == errors.ErrOutputFull {
				return progress
			}
			if err != nil {
				c.abort(err, c.kind)
				return true
			}
		}
	}
	if !c.responseDone {
		if err := stream.EndBody(nil); err != nil {
			if err == errors.ErrOutputFull {
				return progress
			}
			c.abort(err, c.kind)
			return true
		}
		c.responseDone = true
		progress = true
	}

	if c.client.tx.Out().Empty() && !c.client.ep.pending() {
		c.finish()
		return true
	}
	return progress
}

// finish completes the exchange once the response has been sent. The
// backend connection goes back to the pool when it can carry another
// exchange; the client either starts its next request or is closed.
func (c *Context) finish() {
	c.setState(StateDone)
	if s := c.server; s != nil {
		keep := !s.removed && c.responseDone &&
			s.tx.KeepAlive() && s.tx.Out().Empty() && s.tx.In().Empty()
		if keep {
			s.exchanges++
		}
		c.releaseServer(keep)
	}

	client := c.client
	if c.synthetic {
		client.linger()
		return
	}

	c.w.counters.TransactionSucceeded()
	resp := client.tx.Response()
	req := client.tx.Request()
	c.w.logger.Debug("exchange complete",
		zap.Stringer("peer", client.peer),
		zap.String("method", req.Method),
		zap.String("target", c.target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(c.started)),
	)
	if c.keepAlive && client.tx.KeepAlive() {
		client.nextExchange()
		return
	}
	client.linger()
}

// releaseServer detaches the server socket, parking it in the pool when
// keep is set and the pool has room, closing it otherwise
func (c *Context) releaseServer(keep bool) {
	s := c.server
	if s == nil {
		return
	}
	c.server = nil
	s.ctx = nil

	if s.removed {
		s.tx.Release()
		return
	}
	if keep && c.w.pool.put(s) {
		c.w.mux.Update(s)
		return
	}
	c.w.mux.Remove(s)
}

// reject answers a request the proxy will not forward
func (c *Context) reject(err error) {
	status, kind := statusFor(err)
	c.respond(status, kind, err)
}

// respondServerError answers with 502, or 504 after a timeout
func (c *Context) respondServerError(err error) {
	status, kind := statusFor(err)
	switch kind {
	case FailureTimeout, FailureTLS, FailureConnect:
	default:
		status, kind = 502, FailureServer
	}
	c.respond(status, kind, err)
}

// respond replaces the exchange with a synthesized error response. Once
// part of a real response went out only an abort is left.
func (c *Context) respond(status int, kind FailureKind, err error) {
	if c.terminal() {
		return
	}
	c.releaseServer(false)
	if c.headSent {
		c.abort(err, kind)
		return
	}

	c.err = err
	c.synthetic = true
	c.kind = kind
	c.body = []byte(errorBody(status))
	setErrorResponse(c.client.tx.Response(), status, string(c.body))
	c.w.counters.TransactionFailed(kind)
	c.w.logger.Debug("synthesized response",
		zap.Stringer("peer", c.client.peer),
		zap.Int("status", status),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	c.setState(StateClientResponseSend)
}

// canRetry reports whether a failure on a reused connection may be
// retried on a fresh one: the backend closed it before reading anything
// and the request can be sent again
func (c *Context) canRetry(err error) bool {
	s := c.server
	if s == nil || s.exchanges == 0 || c.headSent || c.reqFraming.HasBody() {
		return false
	}
	if code, ok := errors.TransportErrorOf(err); ok && code == errors.TransportErrorTimeout {
		return false
	}
	return !s.tx.Parser().Started() && s.tx.In().Empty()
}

// serverFailed handles a backend failure. While connecting the next
// candidate is tried; before any response byte reached the client it gets
// a 502 or 504; afterwards the exchange is aborted.
func (c *Context) serverFailed(err error) {
	if c.terminal() {
		return
	}
	switch {
	case c.state == StateServerConnectWait:
		c.w.logger.Debug("backend connect failed", zap.Error(err))
		c.connectErr = err
		c.releaseServer(false)
		c.connect()
	case c.canRetry(err):
		c.w.logger.Debug("reused backend connection failed, retrying", zap.Error(err))
		c.releaseServer(false)
		c.fresh = true
		c.next--
		c.requestDone = false
		c.setState(StateServerConnectWait)
		c.connect()
	case !c.headSent:
		c.respondServerError(err)
	default:
		c.abort(err, FailureServer)
	}
}

// onServerFailure is serverFailed for errors reported by the multiplexer
func (c *Context) onServerFailure(err error) {
	c.serverFailed(err)
	c.drive()
}

// onServerHangup handles the backend closing while the multiplexer has no
// read interest in it. A response body still buffered is relayed before
// the exchange ends.
func (c *Context) onServerHangup() {
	if c.state == StateClientResponseSend && !c.synthetic {
		c.server.ep.eof = true
		c.w.mux.Post(c.client)
		return
	}
	c.onServerFailure(errors.NewTransportError(errors.TransportErrorConnectionClosed, "backend hung up", nil))
}

// serverRemoved is called when the multiplexer removed the attached
// server socket on its own
func (c *Context) serverRemoved(s *ServerSocket) {
	if c.server != s || c.terminal() {
		s.ctx = nil
		return
	}
	if c.state == StateClientResponseSend && !c.synthetic {
		// keep the buffers until the body is relayed
		c.w.mux.Post(c.client)
		return
	}
	c.server = nil
	s.ctx = nil
	c.serverFailed(errors.NewTransportError(errors.TransportErrorConnectionClosed, "backend connection removed", nil))
	c.w.mux.Post(c.client)
}

// clientFailed ends the exchange after a client-side error. A client that
// goes away between requests is not a failure.
func (c *Context) clientFailed(err error) {
	if c.terminal() {
		return
	}
	if c.awaitingRequest() {
		c.close()
		return
	}
	c.abort(err, FailureClient)
}

// clientIdle handles the idle sweep. A connection that never started its
// next request is closed silently.
func (c *Context) clientIdle() {
	if c.terminal() {
		return
	}
	if c.awaitingRequest() {
		c.w.logger.Debug("idle client closed", zap.Stringer("peer", c.client.peer))
		c.close()
		return
	}
	c.abort(errors.NewTransportError(errors.TransportErrorTimeout, "client idle", nil), FailureTimeout)
}

// clientRemoved is called when the client socket left the multiplexer
// while the exchange was still running
func (c *Context) clientRemoved() {
	if c.terminal() {
		return
	}
	quiet := c.awaitingRequest() || c.synthetic
	c.setState(StateAbort)
	c.releaseServer(false)
	if !quiet {
		c.w.counters.TransactionFailed(FailureClient)
	}
}

// close ends the connection without a response
func (c *Context) close() {
	c.setState(StateDone)
	c.releaseServer(false)
	c.client.ctx = nil
	c.w.mux.Remove(c.client)
}

// abort closes every socket of the exchange
func (c *Context) abort(err error, kind FailureKind) {
	if c.terminal() {
		return
	}
	c.err = err
	c.setState(StateAbort)
	if !c.synthetic {
		c.w.counters.TransactionFailed(kind)
	}
	c.w.logger.Debug("exchange aborted",
		zap.Stringer("peer", c.client.peer),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	c.releaseServer(false)
	c.client.ctx = nil
	c.w.mux.Remove(c.client)
}

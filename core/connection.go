package core

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/http"
	"github.com/searchktools/guesthttp/core/middleware"
	"github.com/searchktools/guesthttp/core/observability"
	"github.com/searchktools/guesthttp/core/registry"
	"github.com/searchktools/guesthttp/core/stream"
	"github.com/searchktools/guesthttp/core/transport"
)

// LoopKey is the context key holding the transport.EventLoop that owns the
// request. Handlers that finish a response from another goroutine hop back
// with its Execute method.
const LoopKey = "loop"

// Loop returns the event loop stored in ctx.
func Loop(ctx *http.Context) transport.EventLoop {
	v, _ := ctx.Get(LoopKey)
	l, _ := v.(transport.EventLoop)
	return l
}

var continue100 = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// connection decodes requests from one transport.Conn and runs them one at a
// time. Pipelined requests stay buffered until the previous response has
// been fully queued.
type connection struct {
	e     *Engine
	conn  transport.Conn
	local *registry.Local
	log   *zap.Logger

	in      *bytebufferpool.ByteBuffer
	decoder http.BodyDecoder
	ex      *exchange

	// eof is set once the peer stopped sending; buffered requests are still
	// answered before the connection closes.
	eof        bool
	closing    bool
	closed     bool
	processing bool
	again      bool
}

func (e *Engine) newConnection(c transport.Conn) transport.Handler {
	return &connection{
		e:     e,
		conn:  c,
		local: e.local(c.Loop()),
		log:   e.log.With(zap.Uint64("conn", c.ID()), zap.Int("worker", c.Loop().ID())),
	}
}

func (c *connection) OnOpen(transport.Conn) {
	c.e.metrics.ConnectionOpened(c.conn.Loop().ID())
}

func (c *connection) OnData(_ transport.Conn, data []byte) {
	if c.closing || c.closed {
		return
	}
	if c.in == nil {
		c.in = bytebufferpool.Get()
	}
	c.in.B = append(c.in.B, data...)
	c.process()
}

func (c *connection) OnEOF(transport.Conn) {
	if c.closing || c.closed {
		return
	}
	c.eof = true
	c.process()
}

func (c *connection) OnDrain(transport.Conn) {
	if ex := c.ex; ex != nil && !ex.responded {
		ex.resp.Demand()
	}
}

func (c *connection) OnClose(_ transport.Conn, err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.e.metrics.ConnectionClosed(c.conn.Loop().ID())
	if err != nil {
		c.log.Debug("connection closed", zap.Error(err))
	}

	if ex := c.ex; ex != nil {
		lost := fmt.Errorf("%w: %w", http.ErrConnectionLost, closeCause(err))
		if !ex.bodyDone {
			ex.bodyDone = true
			ex.req.Body.Finish(lost)
		}
		ex.resp.Abort(lost)
		c.ex = nil
	}
	c.releaseInput()
}

func closeCause(err error) error {
	if err == nil {
		return transport.ErrServerClosed
	}
	return err
}

// process parses and feeds input until it runs out of bytes or has to wait
// for the handler. Re-entrant calls from handler callbacks are folded into
// the running loop.
func (c *connection) process() {
	if c.processing {
		c.again = true
		return
	}
	c.processing = true
	defer func() { c.processing = false }()

	for {
		c.again = false
		c.step()
		if c.closed {
			return
		}
		if !c.again {
			break
		}
	}
	c.conn.SetReadEnabled(c.wantsInput())
	if c.in != nil && len(c.in.B) == 0 {
		c.releaseInput()
	}
}

func (c *connection) step() {
	for !c.closed && !c.closing {
		if ex := c.ex; ex != nil {
			if !ex.bodyDone && !c.feedBody(ex) {
				if c.eof && !ex.bodyDone && !c.bodyFull(ex) {
					c.bodyFailed(ex, http.ErrBodyTruncated)
					continue
				}
				return
			}
			if !ex.responded {
				return
			}
			c.finishExchange(ex)
			continue
		}

		if c.in == nil || len(c.in.B) == 0 {
			c.endOfInput()
			return
		}
		req, n, err := http.ParseHead(c.in.B, c.e.cfg.MaxHeaderBytes)
		if err != nil {
			c.reject(err)
			return
		}
		if req == nil {
			// a partial head after EOF never completes
			c.endOfInput()
			return
		}
		c.consume(n)
		c.begin(req)
	}
}

// feedBody moves decoded body bytes into the request body stream. It returns
// true once the body is complete.
func (c *connection) feedBody(ex *exchange) bool {
	body := ex.req.Body
	for c.in != nil && len(c.in.B) > 0 {
		if c.bodyFull(ex) {
			return false
		}
		data, n, err := c.decoder.Decode(c.in.B)
		if err != nil {
			c.bodyFailed(ex, err)
			return false
		}
		if len(data) > 0 {
			body.Offer(stream.NewPooledChunk(c.e.bytes.Copy(data), c.e.bytes.Put))
		}
		c.consume(n)
		if c.decoder.Done() {
			break
		}
		if n == 0 {
			return false
		}
	}
	if !c.decoder.Done() {
		return false
	}
	ex.bodyDone = true
	body.Finish(nil)
	return true
}

// bodyFull reports whether the handler has to consume before more body is fed.
func (c *connection) bodyFull(ex *exchange) bool {
	body := ex.req.Body
	return !body.Released() && body.Buffered() >= c.e.cfg.MaxBodyBuffer
}

// endOfInput closes an idle connection whose peer stopped sending.
func (c *connection) endOfInput() {
	if c.eof && !c.closing {
		c.closing = true
		c.conn.Close()
	}
}

func (c *connection) bodyFailed(ex *exchange, err error) {
	c.log.Debug("bad request body", zap.Error(err))
	ex.bodyDone = true
	ex.req.Body.Finish(err)
	if ex.responded {
		c.closing = true
		c.conn.Close()
		return
	}
	ex.failed = true
	if !ex.resp.Fail(http.StatusCode(err)) {
		ex.resp.Abort(err)
	}
}

func (c *connection) wantsInput() bool {
	if c.closing || c.closed {
		return false
	}
	if ex := c.ex; ex != nil && !ex.bodyDone {
		body := ex.req.Body
		return body.Released() || body.Buffered() < c.e.cfg.MaxBodyBuffer
	}
	// a request waiting on its response may have the next one queued behind it
	return c.in == nil || len(c.in.B) < c.e.cfg.MaxBodyBuffer+c.maxHeaderBytes()
}

func (c *connection) maxHeaderBytes() int {
	if c.e.cfg.MaxHeaderBytes > 0 {
		return c.e.cfg.MaxHeaderBytes
	}
	return http.DefaultMaxHeaderBytes
}

func (c *connection) consume(n int) {
	if n <= 0 {
		return
	}
	c.in.B = c.in.B[:copy(c.in.B, c.in.B[n:])]
}

func (c *connection) releaseInput() {
	if c.in != nil {
		bytebufferpool.Put(c.in)
		c.in = nil
	}
}

// reject answers an undecodable request head and closes the connection.
func (c *connection) reject(err error) {
	c.log.Debug("bad request", zap.Error(err))
	c.closing = true
	req := &http.Request{ProtoMajor: 1, ProtoMinor: 1, Body: stream.Empty()}
	ex := &exchange{conn: c, req: req, start: time.Now(), route: observability.UnmatchedRoute, bodyDone: true, failed: true}
	ex.resp = http.NewResponse(ex, req)
	ex.resp.Fail(http.StatusCode(err))
	c.conn.Close()
}

func (c *connection) begin(req *http.Request) {
	if addr := c.conn.RemoteAddr(); addr != nil {
		req.RemoteAddr = addr.String()
	}
	ex := &exchange{conn: c, req: req, start: time.Now(), state: StateReceived}
	ex.ctx = http.NewContext()
	ex.ctx.Set(LoopKey, c.conn.Loop())

	if req.Chunked || req.ContentLength > 0 {
		req.Body = stream.NewConsumable()
		req.Body.SetDemandListener(c.process)
		c.decoder.Reset(req)
		if req.ProtoMinor == 1 && req.Header("Expect") == "100-continue" {
			c.conn.Write(continue100)
		}
	} else {
		req.Body = stream.Empty()
		ex.bodyDone = true
	}
	ex.resp = http.NewResponse(ex, req)
	c.ex = ex
	c.dispatch(ex)
}

func (c *connection) dispatch(ex *exchange) {
	h, stage, ok := c.e.router.Route(c.local, ex.req, ex.ctx)
	ex.state = StateRouted
	if !ok {
		ex.route = observability.UnmatchedRoute
		c.e.metrics.RecordNotFound()
		_ = ex.resp.Send(nethttp.StatusNotFound, nil)
		return
	}
	ex.route = stage.Key

	ex.state = StateHandling
	if err := invoke(c.e.chain, h, ex); err != nil {
		c.handlerFailed(ex, err)
		return
	}
	if !ex.responded {
		ex.state = StateResponding
	}
}

func invoke(chain *middleware.Pipeline, h guest.Handler, ex *exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	if chain.Len() == 0 {
		return h.Invoke(ex.req, ex.resp, ex.ctx)
	}
	return chain.Execute(ex.req, ex.resp, ex.ctx, h)
}

// handlerFailed replaces an uncommitted response with a 500 and closes the
// connection; a committed one is aborted.
func (c *connection) handlerFailed(ex *exchange, err error) {
	panicked := errors.Is(err, ErrHandlerPanic)
	outcome := "error"
	if panicked {
		outcome = "panic"
	}
	c.e.metrics.RecordHandlerFailure(ex.route, outcome)
	c.log.Error("handler failed",
		zap.String("route", ex.route),
		zap.String("request_id", ex.ctx.RequestID()),
		zap.Bool("panic", panicked),
		zap.Error(err),
	)
	if ex.responded {
		return
	}
	ex.failed = true
	if !ex.resp.Fail(nethttp.StatusInternalServerError) {
		ex.resp.Abort(err)
	}
}

// finishExchange retires a fully answered request and decides whether the
// connection carries on.
func (c *connection) finishExchange(ex *exchange) {
	c.ex = nil
	if !ex.req.Body.Closed() {
		ex.req.Body.Release()
	}
	if !ex.resp.KeepAlive() || ex.failed {
		c.closing = true
		c.conn.Close()
	}
}

// State is the dispatch state of one request.
type State uint8

const (
	StateReceived State = iota
	StateRouted
	StateHandling
	StateResponding
	StateSent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateRouted:
		return "ROUTED"
	case StateHandling:
		return "HANDLING"
	case StateResponding:
		return "RESPONDING"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// exchange is one request and its response. It is the http.Output of the
// response.
type exchange struct {
	conn  *connection
	req   *http.Request
	resp  *http.Response
	ctx   *http.Context
	route string
	start time.Time
	state State

	bodyDone  bool
	responded bool
	failed    bool
}

func (ex *exchange) Write(b []byte) {
	if !ex.conn.closed {
		ex.conn.conn.Write(b)
	}
}

func (ex *exchange) Pending() int {
	if ex.conn.closed {
		return 0
	}
	return ex.conn.conn.Pending()
}

// Done is called by the response once it is fully queued or aborted.
func (ex *exchange) Done(err error) {
	if ex.responded {
		return
	}
	ex.responded = true
	c := ex.conn

	if err != nil || ex.failed {
		ex.state = StateFailed
	} else {
		ex.state = StateSent
	}
	c.e.metrics.RecordRequest(ex.route, ex.resp.Status(), time.Since(ex.start))
	if ce := c.log.Check(zap.DebugLevel, "request done"); ce != nil {
		ce.Write(
			zap.String("method", ex.req.Method),
			zap.String("path", ex.req.Path),
			zap.String("route", ex.route),
			zap.Int("status", ex.resp.Status()),
			zap.Stringer("state", ex.state),
			zap.Duration("duration", time.Since(ex.start)),
		)
	}

	if err != nil {
		if !ex.bodyDone {
			ex.bodyDone = true
			ex.req.Body.Finish(err)
		}
		c.ex = nil
		c.closing = true
		if !c.closed {
			c.conn.Abort(err)
		}
		return
	}
	if ex.failed && !ex.bodyDone {
		// the rest of the body is never read
		ex.bodyDone = true
		ex.req.Body.Finish(http.ErrConnectionLost)
	}
	// unread body is discarded; the next request starts after it
	if !ex.req.Body.Closed() {
		ex.req.Body.Release()
	}
	if c.ex == ex {
		c.process()
	}
}

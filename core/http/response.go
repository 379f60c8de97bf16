package http

import (
	nethttp "net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/guesthttp/core/stream"
)

// LowWatermark is the amount of unflushed output below which a streaming
// response body is asked for more data.
const LowWatermark = 64 << 10

// Output is the connection side of a response.
type Output interface {
	// Write queues encoded bytes in order. b may be reused once Write returns.
	Write(b []byte)
	// Pending returns the number of queued bytes not yet flushed.
	Pending() int
	// Done reports the end of the response: nil once every byte is queued,
	// otherwise the reason the exchange was aborted.
	Done(err error)
}

type headerField struct {
	key   string
	value string
}

// Response builds an HTTP/1.1 response. The head is committed by Send or by
// attaching a body source; the body is either a fixed buffer or a pull-driven
// stream.
type Response struct {
	out Output

	status    int
	header    []headerField
	keepAlive bool
	http10    bool
	noBody    bool

	committed bool
	finished  bool
	chunked   bool
	length    int64
	written   int64

	body *stream.Producible
}

// NewResponse creates the response for req, writing to out.
func NewResponse(out Output, req *Request) *Response {
	return &Response{
		out:       out,
		status:    nethttp.StatusOK,
		keepAlive: req.KeepAlive,
		http10:    req.ProtoMinor == 0,
		noBody:    req.Method == nethttp.MethodHead,
		length:    -1,
	}
}

// Status returns the status code.
func (r *Response) Status() int {
	return r.status
}

// SetStatus sets the status code.
func (r *Response) SetStatus(code int) error {
	if r.committed {
		return ErrHeadCommitted
	}
	if code < 100 || code > 999 {
		return ErrInvalidStatus
	}
	r.status = code
	return nil
}

// SetHeader replaces a response header.
func (r *Response) SetHeader(key, value string) error {
	if err := r.checkHeader(key, value); err != nil {
		return err
	}
	r.DelHeader(key)
	r.header = append(r.header, headerField{textproto.CanonicalMIMEHeaderKey(key), value})
	return nil
}

// AddHeader appends a response header value.
func (r *Response) AddHeader(key, value string) error {
	if err := r.checkHeader(key, value); err != nil {
		return err
	}
	r.header = append(r.header, headerField{textproto.CanonicalMIMEHeaderKey(key), value})
	return nil
}

// Header returns the first value set for key.
func (r *Response) Header(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	for _, f := range r.header {
		if f.key == key {
			return f.value
		}
	}
	return ""
}

// DelHeader removes every value of key. It has no effect once the head is
// committed.
func (r *Response) DelHeader(key string) {
	if r.committed {
		return
	}
	key = textproto.CanonicalMIMEHeaderKey(key)
	kept := r.header[:0]
	for _, f := range r.header {
		if f.key != key {
			kept = append(kept, f)
		}
	}
	r.header = kept
}

func (r *Response) checkHeader(key, value string) error {
	if r.committed {
		return ErrHeadCommitted
	}
	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return ErrInvalidHeader
	}
	return nil
}

// Committed reports whether the head has been written.
func (r *Response) Committed() bool {
	return r.committed
}

// Finished reports whether the response completed or was aborted.
func (r *Response) Finished() bool {
	return r.finished
}

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool {
	return r.keepAlive
}

// SetKeepAlive(false) closes the connection after the response.
func (r *Response) SetKeepAlive(keep bool) {
	if r.committed {
		return
	}
	r.keepAlive = r.keepAlive && keep
}

// Written returns the number of body bytes produced so far.
func (r *Response) Written() int64 {
	return r.written
}

// Body returns the streaming response body. Attaching a source commits the
// head; without a Content-Length header the body is sent chunked.
func (r *Response) Body() *stream.Producible {
	if r.body == nil {
		r.body = stream.NewProducible(bodySink{r}, r.start)
		if r.finished {
			r.body.Abort(ErrResponseDone)
		}
	}
	return r.body
}

// Send writes a complete response with a fixed body.
func (r *Response) Send(status int, body []byte) error {
	if r.finished {
		return ErrResponseDone
	}
	if r.committed {
		return ErrHeadCommitted
	}
	if err := r.SetStatus(status); err != nil {
		return err
	}
	r.DelHeader("Transfer-Encoding")
	r.DelHeader("Content-Length")
	r.header = append(r.header, headerField{"Content-Length", strconv.Itoa(len(body))})
	r.commit()
	if len(body) > 0 && r.hasBody() {
		r.out.Write(body)
	}
	r.written = int64(len(body))
	r.finish(nil)
	if r.body != nil {
		r.body.Abort(ErrResponseDone)
	}
	return nil
}

// Fail replaces an uncommitted response with an empty one carrying status
// and closes the connection afterwards. It returns false when the head was
// already committed and the response could not be replaced.
func (r *Response) Fail(status int) bool {
	if r.committed || r.finished {
		return false
	}
	r.header = r.header[:0]
	r.keepAlive = false
	return r.Send(status, nil) == nil
}

// Demand is called by the connection when its output has drained.
func (r *Response) Demand() {
	if r.body != nil && !r.finished {
		r.body.Demand()
	}
}

// Abort terminates the response without completing it. The connection is
// closed by the caller.
func (r *Response) Abort(err error) {
	if r.finished {
		return
	}
	if err == nil {
		err = ErrConnectionLost
	}
	r.finished = true
	if r.body != nil {
		r.body.Abort(err)
	}
	r.out.Done(err)
}

func (r *Response) start() bool {
	if !r.committed {
		r.commit()
	}
	return r.out.Pending() < LowWatermark
}

func (r *Response) hasBody() bool {
	return !r.noBody && r.status >= 200 && r.status != nethttp.StatusNoContent && r.status != nethttp.StatusNotModified
}

func (r *Response) commit() {
	r.committed = true

	if cl := r.Header("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 63)
		if err != nil || n < 0 {
			r.removeField("Content-Length")
		} else {
			r.length = n
		}
	}
	if httpguts.HeaderValuesContainsToken([]string{r.Header("Connection")}, "close") {
		r.keepAlive = false
	}
	r.removeField("Connection")

	switch {
	case !r.hasBody():
		r.chunked = false
		if r.status < 200 || r.status == nethttp.StatusNoContent {
			r.removeField("Content-Length")
			r.removeField("Transfer-Encoding")
		}
	case r.length >= 0:
		r.removeField("Transfer-Encoding")
	case r.http10:
		// close-delimited body
		r.keepAlive = false
	default:
		r.removeField("Transfer-Encoding")
		r.chunked = true
		r.header = append(r.header, headerField{"Transfer-Encoding", "chunked"})
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, "HTTP/1.1 "...)
	buf.B = strconv.AppendInt(buf.B, int64(r.status), 10)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, statusText(r.status)...)
	buf.B = append(buf.B, "\r\n"...)

	hasDate := false
	for _, f := range r.header {
		hasDate = hasDate || f.key == "Date"
		buf.B = appendField(buf.B, f.key, f.value)
	}
	if !hasDate {
		buf.B = appendField(buf.B, "Date", time.Now().UTC().Format(nethttp.TimeFormat))
	}
	switch {
	case !r.keepAlive:
		buf.B = appendField(buf.B, "Connection", "close")
	case r.http10:
		buf.B = appendField(buf.B, "Connection", "keep-alive")
	}
	buf.B = append(buf.B, "\r\n"...)

	r.out.Write(buf.B)
}

func (r *Response) removeField(key string) {
	kept := r.header[:0]
	for _, f := range r.header {
		if f.key != key {
			kept = append(kept, f)
		}
	}
	r.header = kept
}

func (r *Response) writeChunk(chunk *stream.Chunk) {
	defer chunk.Release()
	if r.finished || chunk.Len() == 0 {
		return
	}
	n := int64(chunk.Len())
	if !r.hasBody() {
		r.written += n
		return
	}
	if r.length >= 0 && r.written+n > r.length {
		r.finished = true
		r.body.Abort(ErrBodyOverflow)
		r.out.Done(ErrBodyOverflow)
		return
	}
	r.written += n

	if r.chunked {
		buf := bytebufferpool.Get()
		buf.B = strconv.AppendInt(buf.B, n, 16)
		buf.B = append(buf.B, "\r\n"...)
		buf.B = append(buf.B, chunk.Bytes()...)
		buf.B = append(buf.B, "\r\n"...)
		r.out.Write(buf.B)
		bytebufferpool.Put(buf)
	} else {
		r.out.Write(chunk.Bytes())
	}

	// keep the producer going while the connection absorbs output
	if r.out.Pending() < LowWatermark {
		r.body.Demand()
	}
}

func (r *Response) finish(err error) {
	if r.finished {
		return
	}
	if err == nil && r.hasBody() {
		if r.chunked {
			r.out.Write(lastChunk)
		} else if r.length >= 0 && r.written < r.length {
			err = ErrBodyUnderflow
		}
	}
	r.finished = true
	r.out.Done(err)
}

var lastChunk = []byte("0\r\n\r\n")

// bodySink keeps the stream.Sink methods off the Response API.
type bodySink struct {
	r *Response
}

func (s bodySink) WriteChunk(chunk *stream.Chunk) { s.r.writeChunk(chunk) }
func (s bodySink) Finish(err error)               { s.r.finish(err) }

func appendField(b []byte, key, value string) []byte {
	b = append(b, key...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}

func statusText(code int) string {
	if text := nethttp.StatusText(code); text != "" {
		return text
	}
	return "status code " + strconv.Itoa(code)
}

package http

import (
	"bufio"
	"errors"
	"io"
	nethttp "net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/guesthttp/core/stream"
)

type fakeOutput struct {
	buf     []byte
	pending int
	done    int
	err     error
}

func (o *fakeOutput) Write(b []byte) { o.buf = append(o.buf, b...) }
func (o *fakeOutput) Pending() int   { return o.pending }
func (o *fakeOutput) Done(err error) {
	o.done++
	o.err = err
}

// parse reads the recorded bytes back with net/http as a client would.
func (o *fakeOutput) parse(t *testing.T, method string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(bufio.NewReader(strings.NewReader(string(o.buf))), &nethttp.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func get(proto int) *Request {
	return &Request{Method: "GET", Path: "/", ProtoMajor: 1, ProtoMinor: proto, KeepAlive: proto == 1}
}

func TestResponse_Send(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	resp := NewResponse(out, get(1))
	require.NoError(t, resp.SetHeader("content-type", "text/plain"))
	require.NoError(t, resp.Send(200, []byte("ok")))

	assert.Equal(t, 1, out.done)
	assert.NoError(t, out.err)
	assert.True(t, resp.Committed())
	assert.True(t, resp.Finished())

	r, body := out.parse(t, "GET")
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "ok", body)
	assert.Equal(t, int64(2), r.ContentLength)
	assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
	assert.NotEmpty(t, r.Header.Get("Date"))
	assert.False(t, r.Close)

	assert.ErrorIs(t, resp.Send(200, nil), ErrResponseDone)
	assert.ErrorIs(t, resp.SetHeader("X-Late", "1"), ErrHeadCommitted)
}

func TestResponse_NotFoundHasZeroLength(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	require.NoError(t, NewResponse(out, get(1)).Send(404, nil))
	assert.Contains(t, string(out.buf), "HTTP/1.1 404 Not Found\r\n")
	assert.Contains(t, string(out.buf), "Content-Length: 0\r\n")
	assert.True(t, strings.HasSuffix(string(out.buf), "\r\n\r\n"))
}

func TestResponse_FailClosesConnection(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	resp := NewResponse(out, get(1))
	require.NoError(t, resp.SetHeader("X-Partial", "1"))
	assert.True(t, resp.Fail(500))
	assert.False(t, resp.KeepAlive())

	r, body := out.parse(t, "GET")
	assert.Equal(t, 500, r.StatusCode)
	assert.Empty(t, body)
	assert.Empty(t, r.Header.Get("X-Partial"))
	assert.True(t, r.Close)
	assert.Equal(t, int64(0), r.ContentLength)

	assert.False(t, resp.Fail(500), "a committed response cannot be replaced")
}

func TestResponse_StreamedChunked(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	resp := NewResponse(out, get(1))
	parts := []string{"stream", "ed ", "body"}
	next := 0
	closes := 0
	require.NoError(t, resp.Body().Source(nil, func(err error) {
		closes++
		assert.NoError(t, err)
	}, func(w stream.Writer) {
		if next == len(parts) {
			w.End(nil)
			return
		}
		require.NoError(t, w.Write(stream.NewChunk([]byte(parts[next]))))
		next++
	}))
	assert.True(t, resp.Committed())
	assert.True(t, resp.Finished(), "the producer runs to completion while output stays below the watermark")
	assert.Equal(t, 1, out.done)
	assert.NoError(t, out.err)
	assert.Equal(t, 1, closes)

	r, body := out.parse(t, "GET")
	assert.Equal(t, []string{"chunked"}, r.TransferEncoding)
	assert.Equal(t, "streamed body", body)
}

func TestResponse_StreamedWaitsForDrain(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{pending: LowWatermark}
	resp := NewResponse(out, get(1))
	pulls := 0
	require.NoError(t, resp.Body().Source(nil, nil, func(w stream.Writer) {
		pulls++
		if pulls == 5 {
			w.End(nil)
			return
		}
		require.NoError(t, w.Write(stream.NewChunk([]byte("x"))))
	}))
	assert.Zero(t, pulls)

	resp.Demand()
	assert.Equal(t, 1, pulls, "a congested connection gets one chunk per drain")

	out.pending = 0
	resp.Demand()
	assert.Equal(t, 5, pulls)
	assert.True(t, resp.Finished())
}

func TestResponse_StreamedFixedLength(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	resp := NewResponse(out, get(1))
	require.NoError(t, resp.SetHeader("Content-Length", "4"))
	var w stream.Writer
	require.NoError(t, resp.Body().Source(func(wr stream.Writer) { w = wr }, nil, nil))
	require.NoError(t, w.Write(stream.NewChunk([]byte("ab"))))
	require.NoError(t, w.Write(stream.NewChunk([]byte("cd"))))
	w.End(nil)

	assert.NoError(t, out.err)
	r, body := out.parse(t, "GET")
	assert.Nil(t, r.TransferEncoding)
	assert.Equal(t, "abcd", body)
}

func TestResponse_StreamedLengthMismatch(t *testing.T) {
	t.Parallel()

	t.Run("overflow", func(t *testing.T) {
		out := &fakeOutput{}
		resp := NewResponse(out, get(1))
		require.NoError(t, resp.SetHeader("Content-Length", "2"))
		var closeErr error
		var w stream.Writer
		require.NoError(t, resp.Body().Source(func(wr stream.Writer) { w = wr }, func(err error) { closeErr = err }, nil))
		_ = w.Write(stream.NewChunk([]byte("too much")))

		assert.ErrorIs(t, out.err, ErrBodyOverflow)
		assert.ErrorIs(t, closeErr, ErrBodyOverflow)
		assert.ErrorIs(t, w.Write(stream.NewChunk([]byte("x"))), stream.ErrStreamClosed)
	})

	t.Run("underflow", func(t *testing.T) {
		out := &fakeOutput{}
		resp := NewResponse(out, get(1))
		require.NoError(t, resp.SetHeader("Content-Length", "10"))
		var w stream.Writer
		require.NoError(t, resp.Body().Source(func(wr stream.Writer) { w = wr }, nil, nil))
		require.NoError(t, w.Write(stream.NewChunk([]byte("short"))))
		w.End(nil)

		assert.ErrorIs(t, out.err, ErrBodyUnderflow)
	})
}

func TestResponse_HTTP10(t *testing.T) {
	t.Parallel()

	t.Run("close delimited stream", func(t *testing.T) {
		out := &fakeOutput{}
		resp := NewResponse(out, get(0))
		var w stream.Writer
		require.NoError(t, resp.Body().Source(func(wr stream.Writer) { w = wr }, nil, nil))
		require.NoError(t, w.Write(stream.NewChunk([]byte("raw"))))
		w.End(nil)

		assert.False(t, resp.KeepAlive())
		assert.NotContains(t, string(out.buf), "Transfer-Encoding")
		assert.True(t, strings.HasSuffix(string(out.buf), "\r\n\r\nraw"))
	})

	t.Run("keep-alive echoed", func(t *testing.T) {
		out := &fakeOutput{}
		req := get(0)
		req.KeepAlive = true
		require.NoError(t, NewResponse(out, req).Send(200, nil))
		assert.Contains(t, string(out.buf), "Connection: keep-alive\r\n")
	})
}

func TestResponse_HeadOmitsBody(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	req := get(1)
	req.Method = "HEAD"
	require.NoError(t, NewResponse(out, req).Send(200, []byte("hidden")))

	r, body := out.parse(t, "HEAD")
	assert.Equal(t, int64(6), r.ContentLength)
	assert.Empty(t, body)
	assert.NotContains(t, string(out.buf), "hidden")
}

func TestResponse_HeaderValidation(t *testing.T) {
	t.Parallel()

	resp := NewResponse(&fakeOutput{}, get(1))
	assert.ErrorIs(t, resp.SetHeader("Bad Name", "x"), ErrInvalidHeader)
	assert.ErrorIs(t, resp.SetHeader("X-Ok", "line\r\nbreak"), ErrInvalidHeader)
	assert.ErrorIs(t, resp.SetStatus(42), ErrInvalidStatus)

	require.NoError(t, resp.AddHeader("Set-Cookie", "a=1"))
	require.NoError(t, resp.AddHeader("set-cookie", "b=2"))
	assert.Equal(t, "a=1", resp.Header("Set-Cookie"))
	resp.DelHeader("SET-COOKIE")
	assert.Empty(t, resp.Header("Set-Cookie"))
}

func TestResponse_Abort(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	resp := NewResponse(out, get(1))
	var closeErr error
	require.NoError(t, resp.Body().Source(nil, func(err error) { closeErr = err }, nil))

	lost := errors.New("peer reset")
	resp.Abort(lost)
	resp.Abort(nil)

	assert.Equal(t, 1, out.done)
	assert.ErrorIs(t, out.err, lost)
	assert.ErrorIs(t, closeErr, lost)
}

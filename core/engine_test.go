package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/http"
	"github.com/searchktools/guesthttp/core/middleware"
	"github.com/searchktools/guesthttp/core/registry"
	"github.com/searchktools/guesthttp/core/stream"
	"github.com/searchktools/guesthttp/core/transport"
)

func startEngine(t *testing.T, kind transport.Kind, setup func(e *Engine)) (*Engine, string) {
	t.Helper()

	var bound net.Addr
	e := New(Config{Host: "127.0.0.1", Port: 0, Transport: kind, EventLoops: 2},
		WithLogger(zaptest.NewLogger(t)),
		WithOnBind(func(addr net.Addr) { bound = addr }),
	)
	setup(e)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = e.Close()
	})
	require.NotNil(t, bound)
	return e, "http://" + e.Addr().String()
}

func client(t *testing.T) *nethttp.Client {
	t.Helper()
	tr := &nethttp.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return &nethttp.Client{Transport: tr, Timeout: 5 * time.Second}
}

func text(body string) guest.HandlerFunc {
	return func(_ *http.Request, resp *http.Response, _ *http.Context) error {
		if err := resp.SetHeader("Content-Type", "text/plain"); err != nil {
			return err
		}
		return resp.Send(200, []byte(body))
	}
}

func get(t *testing.T, c *nethttp.Client, url string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestEngine_HealthAndNotFound(t *testing.T) {
	t.Parallel()

	for _, kind := range []transport.Kind{transport.Auto, transport.NIO} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			_, base := startEngine(t, kind, func(e *Engine) {
				require.NoError(t, e.GET("/health", text("ok")))
			})
			c := client(t)

			resp, body := get(t, c, base+"/health")
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "ok", body)
			assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

			resp, body = get(t, c, base+"/missing")
			assert.Equal(t, 404, resp.StatusCode)
			assert.Empty(t, body)
			assert.Equal(t, int64(0), resp.ContentLength)
			assert.Equal(t, "0", resp.Header.Get("Content-Length"))
		})
	}
}

func TestEngine_PathVariablesAndQuery(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/items/:category/:id", func(req *http.Request, resp *http.Response, ctx *http.Context) error {
			return resp.Send(200, []byte(ctx.Param("category")+"/"+ctx.Param("id")+"?"+req.Query("sort")))
		}))
	})

	resp, body := get(t, client(t), base+"/items/books/42?sort=asc")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "books/42?asc", body)
}

func TestEngine_FirstMatchWins(t *testing.T) {
	t.Parallel()

	e, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/users/:id", text("by-id")))
		require.NoError(t, e.GET("/users/active", text("active")))
	})
	assert.Equal(t, []string{"get /users/:id", "get /users/active"}, e.Routes())

	_, body := get(t, client(t), base+"/users/active")
	assert.Equal(t, "by-id", body)
}

func TestEngine_HandlerFailure(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/panic", func(*http.Request, *http.Response, *http.Context) error {
			panic("boom")
		}))
		require.NoError(t, e.GET("/error", func(_ *http.Request, resp *http.Response, _ *http.Context) error {
			_ = resp.SetHeader("X-Partial", "1")
			return errors.New("guest trapped")
		}))
		require.NoError(t, e.GET("/late-error", func(_ *http.Request, resp *http.Response, _ *http.Context) error {
			if err := resp.Send(200, []byte("sent")); err != nil {
				return err
			}
			return errors.New("after send")
		}))
	})
	c := client(t)

	for _, path := range []string{"/panic", "/error"} {
		resp, body := get(t, c, base+path)
		assert.Equal(t, 500, resp.StatusCode, path)
		assert.Empty(t, body, path)
		assert.True(t, resp.Close, path)
		assert.Empty(t, resp.Header.Get("X-Partial"), path)
	}

	resp, body := get(t, c, base+"/late-error")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "sent", body)
}

func TestEngine_RequestBody(t *testing.T) {
	t.Parallel()

	echo := func(req *http.Request, resp *http.Response, _ *http.Context) error {
		return stream.Collect(req.Body, 1<<20, func(b []byte, err error) {
			if err != nil {
				resp.Fail(400)
				return
			}
			_ = resp.Send(200, b)
		})
	}
	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.POST("/echo", echo))
	})
	c := client(t)

	t.Run("content-length", func(t *testing.T) {
		resp, err := c.Post(base+"/echo", "text/plain", strings.NewReader("hello body"))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "hello body", string(body))
	})

	t.Run("chunked", func(t *testing.T) {
		pr, pw := io.Pipe()
		go func() {
			for i := 0; i < 3; i++ {
				fmt.Fprintf(pw, "part%d;", i)
			}
			pw.Close()
		}()
		resp, err := c.Post(base+"/echo", "text/plain", pr)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "part0;part1;part2;", string(body))
	})

	t.Run("larger than the body buffer", func(t *testing.T) {
		big := strings.Repeat("z", 1<<20-1)
		resp, err := c.Post(base+"/echo", "text/plain", strings.NewReader(big))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, len(big), len(body))
	})
}

func TestEngine_StreamedResponse(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/stream", func(_ *http.Request, resp *http.Response, _ *http.Context) error {
			parts := []string{"a", "b", "c"}
			return resp.Body().Source(nil, nil, func(w stream.Writer) {
				if len(parts) == 0 {
					w.End(nil)
					return
				}
				_ = w.Write(stream.NewChunk([]byte(parts[0])))
				parts = parts[1:]
			})
		}))
	})

	resp, body := get(t, client(t), base+"/stream")
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "abc", body)
}

func TestEngine_AsyncResponse(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/later", func(_ *http.Request, resp *http.Response, ctx *http.Context) error {
			loop := Loop(ctx)
			go func() {
				time.Sleep(20 * time.Millisecond)
				loop.Execute(func() { _ = resp.Send(200, []byte("later")) })
			}()
			return nil
		}))
	})

	resp, body := get(t, client(t), base+"/later")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "later", body)
}

func TestEngine_Pipelining(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.GET("/slow", func(_ *http.Request, resp *http.Response, ctx *http.Context) error {
			loop := Loop(ctx)
			go func() {
				time.Sleep(30 * time.Millisecond)
				loop.Execute(func() { _ = resp.Send(200, []byte("slow")) })
			}()
			return nil
		}))
		require.NoError(t, e.GET("/fast", text("fast")))
	})

	nc, err := net.Dial("tcp", strings.TrimPrefix(base, "http://"))
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(nc, "GET /slow HTTP/1.1\r\nHost: x\r\n\r\nGET /fast HTTP/1.1\r\nHost: x\r\n\r\nGET /none HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(nc)
	for _, want := range []struct {
		status int
		body   string
	}{{200, "slow"}, {200, "fast"}, {404, ""}} {
		resp, err := nethttp.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want.status, resp.StatusCode)
		assert.Equal(t, want.body, string(body))
	}
}

func nativeAndNIO() []transport.Kind {
	var kinds []transport.Kind
	for _, k := range []transport.Kind{transport.IOUring, transport.Epoll, transport.Kqueue, transport.NIO} {
		if transport.Available(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// halfClose writes raw, shuts down the client's sending side and returns
// everything the server sent until it closed.
func halfClose(t *testing.T, base, raw string) *bufio.Reader {
	t.Helper()
	nc, err := net.Dial("tcp", strings.TrimPrefix(base, "http://"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(nc, raw)
	require.NoError(t, err)
	require.NoError(t, nc.(*net.TCPConn).CloseWrite())

	all, err := io.ReadAll(nc)
	require.NoError(t, err, "server closes after answering")
	return bufio.NewReader(strings.NewReader(string(all)))
}

func TestEngine_HalfClosedClient(t *testing.T) {
	t.Parallel()

	for _, kind := range nativeAndNIO() {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			_, base := startEngine(t, kind, func(e *Engine) {
				require.NoError(t, e.GET("/now", text("now")))
				require.NoError(t, e.GET("/later", func(_ *http.Request, resp *http.Response, ctx *http.Context) error {
					loop := Loop(ctx)
					time.AfterFunc(30*time.Millisecond, func() {
						loop.Execute(func() { _ = resp.Send(200, []byte("later")) })
					})
					return nil
				}))
				require.NoError(t, e.POST("/upload", func(req *http.Request, resp *http.Response, _ *http.Context) error {
					return stream.Collect(req.Body, 0, func(b []byte, err error) {
						if err != nil {
							resp.Fail(400)
							return
						}
						_ = resp.Send(200, b)
					})
				}))
			})

			t.Run("async response", func(t *testing.T) {
				br := halfClose(t, base, "GET /later HTTP/1.1\r\nHost: x\r\n\r\n")
				resp, err := nethttp.ReadResponse(br, nil)
				require.NoError(t, err)
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, 200, resp.StatusCode)
				assert.Equal(t, "later", string(body))
			})

			t.Run("pipelined requests are all answered", func(t *testing.T) {
				br := halfClose(t, base, "GET /later HTTP/1.1\r\nHost: x\r\n\r\nGET /now HTTP/1.1\r\nHost: x\r\n\r\n")
				for _, want := range []string{"later", "now"} {
					resp, err := nethttp.ReadResponse(br, nil)
					require.NoError(t, err)
					body, _ := io.ReadAll(resp.Body)
					assert.Equal(t, want, string(body))
				}
				_, err := br.ReadByte()
				assert.ErrorIs(t, err, io.EOF)
			})

			t.Run("truncated body", func(t *testing.T) {
				br := halfClose(t, base, "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabc")
				resp, err := nethttp.ReadResponse(br, nil)
				require.NoError(t, err)
				assert.Equal(t, 400, resp.StatusCode)
			})

			t.Run("partial head", func(t *testing.T) {
				br := halfClose(t, base, "GET /now HTTP/1.1\r\nHo")
				_, err := br.ReadByte()
				assert.ErrorIs(t, err, io.EOF, "nothing is sent for an incomplete head")
			})
		})
	}
}

func TestEngine_BadRequest(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(*Engine) {})
	nc, err := net.Dial("tcp", strings.TrimPrefix(base, "http://"))
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(nc, "GET / HTTP/2.0\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(nc)
	resp, err := nethttp.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, 505, resp.StatusCode)
	assert.True(t, resp.Close)

	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "the connection is closed after the error response")
}

func TestEngine_ThreadAffineHandlers(t *testing.T) {
	t.Parallel()

	var instances atomic.Int32
	e, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.Register(func(r guest.Registrar) error {
			id := instances.Add(1)
			return r.Handle("GET", "/who", text(fmt.Sprint(id)))
		}))
	})
	require.Equal(t, int32(1), instances.Load(), "registration runs once for the main worker")

	for i := 0; i < 4; i++ {
		// a fresh connection per request so both loops are likely to serve one
		resp, err := client(t).Get(base + "/who")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.NotEqual(t, "1", string(body), "loops never use the main worker's handler")
	}

	workers := e.Registry().Workers()
	assert.Equal(t, registry.MainWorker, workers[0])
	assert.GreaterOrEqual(t, len(workers), 2)
	assert.Equal(t, int32(len(workers)), instances.Load(), "one handler instance per worker")
}

func TestEngine_Middleware(t *testing.T) {
	t.Parallel()

	_, base := startEngine(t, transport.Auto, func(e *Engine) {
		require.NoError(t, e.Use(
			middleware.RequestID(),
			func(req *http.Request, resp *http.Response, _ *http.Context) error {
				if req.Path == "/private" && req.Header("Authorization") == "" {
					return resp.Send(nethttp.StatusUnauthorized, nil)
				}
				return nil
			},
		))
		require.NoError(t, e.GET("/private", text("secret")))
		require.NoError(t, e.GET("/public", text("open")))
	})
	c := client(t)

	resp, err := c.Get(base + "/public")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	resp, err = c.Get(base + "/private")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	req, _ := nethttp.NewRequest("GET", base+"/private", nil)
	req.Header.Set("Authorization", "Bearer x")
	req.Header.Set(middleware.RequestIDHeader, "trace-7")
	resp, err = c.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "secret", string(body))
	assert.Equal(t, "trace-7", resp.Header.Get(middleware.RequestIDHeader))

	resp, err = c.Get(base + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(middleware.RequestIDHeader), "unmatched requests skip the chain")
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Parallel()

	e := New(Config{Host: "127.0.0.1", Transport: transport.NIO, EventLoops: 1})
	assert.Nil(t, e.Addr())
	assert.Nil(t, e.Done())
	assert.ErrorIs(t, e.Close(), ErrNotStarted)
	assert.ErrorIs(t, e.Handle("GET", "/", nil), registry.ErrNilHandler)
	require.NoError(t, e.GET("/", text("root")))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	addr := e.Addr()
	require.NotNil(t, addr)
	assert.Equal(t, transport.NIO, e.Transport().Kind())

	assert.NoError(t, e.Start(ctx), "a second start is ignored")
	assert.Equal(t, addr.String(), e.Addr().String())
	assert.ErrorIs(t, e.GET("/late", text("late")), ErrAlreadyStarted)
	assert.ErrorIs(t, e.Use(middleware.CORS()), ErrAlreadyStarted)

	cancel()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_StartRetryAfterBindFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := busy.Addr().(*net.TCPAddr).Port

	e := New(Config{Host: "127.0.0.1", Port: port, Transport: transport.NIO, EventLoops: 1})
	require.NoError(t, e.GET("/", text("root")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, e.Start(ctx), "port in use")
	assert.Nil(t, e.Addr())
	assert.Nil(t, e.Done())

	require.NoError(t, e.GET("/late", text("late")), "registration reopens after a failed start")
	require.NoError(t, busy.Close())

	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Close() })
	require.NotNil(t, e.Addr())
	assert.Equal(t, port, e.Addr().(*net.TCPAddr).Port)

	c := client(t)
	resp, err := c.Get("http://" + e.Addr().String() + "/late")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "late", string(body))
}

func TestEngine_ForcedTransportUnavailable(t *testing.T) {
	t.Parallel()

	var missing transport.Kind
	for _, k := range []transport.Kind{transport.IOUring, transport.Epoll, transport.Kqueue} {
		if !transport.Available(k) {
			missing = k
			break
		}
	}
	if missing == "" {
		t.Skip("every native transport is available")
	}
	err := New(Config{Host: "127.0.0.1", Transport: missing}).Start(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransportUnavailable)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "RECEIVED", StateReceived.String())
	assert.Equal(t, "SENT", StateSent.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

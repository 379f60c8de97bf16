// Package middleware runs a fixed chain of steps in front of every guest
// handler the engine dispatches to.
package middleware

import (
	"sync"
	"time"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/http"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// HandlerFunc is one step of the chain. A step that answers the request ends
// the chain; the remaining steps and the handler are skipped.
type HandlerFunc func(req *http.Request, resp *http.Response, ctx *http.Context) error

// Pipeline is an ordered list of steps. It is built before the engine starts
// and only read afterwards, from every event loop.
type Pipeline struct {
	handlers []HandlerFunc
}

func NewPipeline() *Pipeline {
	return &Pipeline{handlers: make([]HandlerFunc, 0, 8)}
}

// Use appends a step.
func (p *Pipeline) Use(handler HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, handler)
	return p
}

func (p *Pipeline) Len() int {
	return len(p.handlers)
}

// Execute runs the steps in order and then final. It stops at the first
// error or at the first step that committed the response.
func (p *Pipeline) Execute(req *http.Request, resp *http.Response, ctx *http.Context, final guest.Handler) error {
	for _, h := range p.handlers {
		if err := h(req, resp, ctx); err != nil {
			return err
		}
		if answered(resp) {
			return nil
		}
	}
	return final.Invoke(req, resp, ctx)
}

func answered(resp *http.Response) bool {
	return resp.Committed() || resp.Finished()
}

// RequestID adopts an incoming X-Request-Id when it looks sane and echoes
// the request id on the response.
func RequestID() HandlerFunc {
	return func(req *http.Request, resp *http.Response, ctx *http.Context) error {
		if id := req.Header(RequestIDHeader); id != "" && len(id) <= 128 {
			ctx.SetRequestID(id)
		}
		return resp.SetHeader(RequestIDHeader, ctx.RequestID())
	}
}

// CORS allows any origin and answers preflight requests with 204.
func CORS() HandlerFunc {
	return func(req *http.Request, resp *http.Response, _ *http.Context) error {
		for _, h := range [][2]string{
			{"Access-Control-Allow-Origin", "*"},
			{"Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
			{"Access-Control-Allow-Headers", "Content-Type, Authorization, " + RequestIDHeader},
		} {
			if err := resp.SetHeader(h[0], h[1]); err != nil {
				return err
			}
		}
		if req.Method == "OPTIONS" {
			return resp.Send(204, nil)
		}
		return nil
	}
}

// RateLimiter admits requestsPerSecond requests per one second window and
// answers the rest with 429. The window is shared by all event loops.
func RateLimiter(requestsPerSecond int) HandlerFunc {
	return rateLimiter(requestsPerSecond, time.Now)
}

func rateLimiter(requestsPerSecond int, now func() time.Time) HandlerFunc {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = now()
	)
	return func(_ *http.Request, resp *http.Response, _ *http.Context) error {
		mu.Lock()
		t := now()
		if t.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = t
		}
		if tokens > 0 {
			tokens--
			mu.Unlock()
			return nil
		}
		mu.Unlock()

		if err := resp.SetHeader("Retry-After", "1"); err != nil {
			return err
		}
		return resp.Send(429, nil)
	}
}

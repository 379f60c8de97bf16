// Package guest defines the boundary between the engine and handler code
// supplied by a guest execution environment.
//
// A guest environment is single-threaded: every Handler value belongs to the
// worker that created it and is only ever invoked on that worker's event loop.
package guest

import (
	"github.com/searchktools/guesthttp/core/http"
)

// Handler is an executable guest value bound to one worker.
type Handler interface {
	Invoke(req *http.Request, resp *http.Response, ctx *http.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req *http.Request, resp *http.Response, ctx *http.Context) error

// Invoke calls f.
func (f HandlerFunc) Invoke(req *http.Request, resp *http.Response, ctx *http.Context) error {
	return f(req, resp, ctx)
}

// Registrar is the route registration surface handed to guest code. An empty
// method or path matches anything.
type Registrar interface {
	Handle(method, path string, h Handler) error
}

// Entrypoint runs guest registration code against r. The engine calls it once
// on the main worker and replays it on each event loop the first time that
// loop needs its own handlers.
type Entrypoint func(r Registrar) error

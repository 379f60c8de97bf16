// Package router matches requests against routes registered by guest code.
//
// Routes form an ordered pipeline of stages. The first stage whose template
// matches wins, so registration order decides between overlapping routes.
// Stages are shared by all workers; the handler behind a stage is looked up
// in the calling worker's own map.
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/http"
	"github.com/searchktools/guesthttp/core/registry"
)

var (
	ErrDuplicateRoute = errors.New("router: duplicate route")
	ErrSealed         = errors.New("router: new route after serving started")
)

// Stage is one entry of the routing pipeline.
type Stage struct {
	Key      string
	Index    int
	Template *Template
}

// Options configures a Router.
type Options struct {
	// StrictRoutes rejects registering the same key twice on one worker
	// instead of replacing the handler.
	StrictRoutes bool
}

// Router is the ordered routing pipeline.
type Router struct {
	opts Options

	mu     sync.RWMutex
	stages []*Stage
	byKey  map[string]*Stage
	sealed atomic.Bool
}

// New creates an empty router
func New(opts Options) *Router {
	return &Router{
		opts:  opts,
		byKey: make(map[string]*Stage),
	}
}

// Handle registers h for method and path on the worker owning local. A key
// seen for the first time appends a stage; a known key keeps its stage and
// only updates the worker's handler. Templates that differ only in case share
// a key and are rejected with ErrDuplicateRoute.
func (r *Router) Handle(local *registry.Local, method, path string, h guest.Handler) error {
	if h == nil {
		return registry.ErrNilHandler
	}
	tmpl, err := Compile(method, path)
	if err != nil {
		return err
	}
	key := tmpl.Key()

	if r.opts.StrictRoutes {
		if _, dup := local.Resolve(key); dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, key)
		}
	}

	r.mu.Lock()
	if st, ok := r.byKey[key]; ok {
		// keys fold case; a different template behind the same key is a conflict
		if st.Template.Path() != tmpl.Path() || st.Template.Method() != tmpl.Method() {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s %s collides with %s %s",
				ErrDuplicateRoute, method, path, st.Template.Method(), st.Template.Path())
		}
	} else {
		if r.sealed.Load() {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSealed, key)
		}
		st := &Stage{Key: key, Index: len(r.stages), Template: tmpl}
		r.stages = append(r.stages, st)
		r.byKey[key] = st
	}
	r.mu.Unlock()

	return local.Register(key, h)
}

// Registrar returns the registration API bound to local.
func (r *Router) Registrar(local *registry.Local) guest.Registrar {
	return registrar{router: r, local: local}
}

type registrar struct {
	router *Router
	local  *registry.Local
}

func (g registrar) Handle(method, path string, h guest.Handler) error {
	return g.router.Handle(g.local, method, path, h)
}

// Route walks the stages in order and returns the handler of the first
// matching stage on the worker owning local. A matching stage without a
// handler on this worker is a miss; the stage is still returned.
func (r *Router) Route(local *registry.Local, req *http.Request, ctx *http.Context) (guest.Handler, *Stage, bool) {
	for _, st := range r.snapshot() {
		if !st.Template.Match(req, ctx) {
			continue
		}
		h, ok := local.Resolve(st.Key)
		return h, st, ok
	}
	return nil, nil, false
}

// Seal freezes the stage list. Routing takes no locks afterwards.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Unseal reopens the stage list. Only valid while nothing routes, such as
// after a failed start.
func (r *Router) Unseal() {
	r.mu.Lock()
	r.sealed.Store(false)
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Router) Sealed() bool {
	return r.sealed.Load()
}

// Stages returns the stages in match order.
func (r *Router) Stages() []*Stage {
	stages := r.snapshot()
	out := make([]*Stage, len(stages))
	copy(out, stages)
	return out
}

func (r *Router) snapshot() []*Stage {
	if r.sealed.Load() {
		return r.stages
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stages
}

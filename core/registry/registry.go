// Package registry keeps one handler map per worker.
//
// Guest handlers are bound to the worker that created them, so the same route
// key resolves to a different handler value on every worker. Rather than
// registering routes on every worker up front, a worker's map is created the
// first time that worker asks for it and populated by replaying the guest
// registration entrypoint on that worker.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/searchktools/guesthttp/core/guest"
)

// WorkerID identifies a worker. Event loops use 1..n; MainWorker is the
// goroutine that configures the engine.
type WorkerID int

// MainWorker is the worker that runs the initial registration.
const MainWorker WorkerID = 0

// ErrNilHandler is returned when registering a nil handler.
var ErrNilHandler = errors.New("registry: nil handler")

// InitFunc populates a freshly created worker map.
type InitFunc func(l *Local) error

// Local is the handler map of one worker. It is only used from that worker
// and takes no locks.
type Local struct {
	worker   WorkerID
	handlers map[string]guest.Handler
}

func newLocal(w WorkerID) *Local {
	return &Local{worker: w, handlers: make(map[string]guest.Handler)}
}

// Worker returns the owning worker.
func (l *Local) Worker() WorkerID {
	return l.worker
}

// Register stores h under key, replacing any previous handler.
func (l *Local) Register(key string, h guest.Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	l.handlers[key] = h
	return nil
}

// Resolve returns the handler for key on this worker.
func (l *Local) Resolve(key string) (guest.Handler, bool) {
	h, ok := l.handlers[key]
	return h, ok
}

// Len returns the number of registered keys.
func (l *Local) Len() int {
	return len(l.handlers)
}

type entry struct {
	once  sync.Once
	local *Local
	err   error
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver sets a callback invoked after each worker initialization.
func WithObserver(fn func(w WorkerID, err error)) Option {
	return func(r *Registry) {
		r.observe = fn
	}
}

// Registry hands out per-worker handler maps.
type Registry struct {
	init    InitFunc
	observe func(WorkerID, error)

	mu      sync.Mutex
	entries map[WorkerID]*entry
}

// New creates a registry. The main worker map exists from the start and is
// filled by direct registration; init is only run for other workers.
func New(init InitFunc, opts ...Option) *Registry {
	r := &Registry{
		init:    init,
		entries: make(map[WorkerID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}

	seed := &entry{local: newLocal(MainWorker)}
	seed.once.Do(func() {})
	r.entries[MainWorker] = seed
	return r
}

// Main returns the main worker map.
func (r *Registry) Main() *Local {
	l, _ := r.Local(MainWorker)
	return l
}

// Local returns the map of worker w, creating and initializing it on first
// use. Callers cache the result: this is the slow path. Concurrent first
// calls for the same worker run init once and all wait for it. The map is
// returned even when init fails, holding whatever was registered before the
// failure. init must not call Local for the worker it is initializing.
func (r *Registry) Local(w WorkerID) (*Local, error) {
	r.mu.Lock()
	e, ok := r.entries[w]
	if !ok {
		e = &entry{local: newLocal(w)}
		r.entries[w] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		if r.init != nil {
			e.err = r.init(e.local)
		}
		if r.observe != nil {
			r.observe(w, e.err)
		}
	})
	return e.local, e.err
}

// Workers returns the ids of all workers that have a map, in order.
func (r *Registry) Workers() []WorkerID {
	r.mu.Lock()
	ids := make([]WorkerID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}

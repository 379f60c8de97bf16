// Package core is the HTTP engine: it ties the router, the per-worker handler
// registry and the selected transport together and dispatches requests to
// guest handlers on the event loop that owns each connection.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/middleware"
	"github.com/searchktools/guesthttp/core/observability"
	"github.com/searchktools/guesthttp/core/pools"
	"github.com/searchktools/guesthttp/core/registry"
	"github.com/searchktools/guesthttp/core/router"
	"github.com/searchktools/guesthttp/core/transport"
)

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrNotStarted     = errors.New("engine: not started")
	ErrHandlerPanic   = errors.New("engine: handler panicked")
)

// Config holds the engine settings.
type Config struct {
	Host string
	Port int
	// Transport forces a transport kind; empty or auto probes.
	Transport transport.Kind
	// EventLoops defaults to the number of CPUs.
	EventLoops  int
	IdleTimeout time.Duration
	// MaxHeaderBytes caps a request head, http.DefaultMaxHeaderBytes when zero.
	MaxHeaderBytes int
	// MaxBodyBuffer is how much decoded request body may wait for the
	// handler before the connection stops reading.
	MaxBodyBuffer int
	// StrictRoutes rejects registering the same route twice.
	StrictRoutes bool
}

// DefaultConfig returns the settings used for zero values.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          8080,
		Transport:     transport.Auto,
		IdleTimeout:   60 * time.Second,
		MaxBodyBuffer: 256 << 10,
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithOnBind sets a callback invoked with the bound address once the
// listening socket exists.
func WithOnBind(fn func(net.Addr)) Option {
	return func(e *Engine) {
		e.onBind = fn
	}
}

// Engine serves HTTP/1.1 to guest handlers. Handlers are registered before
// Start; each event loop then gets its own handler instances by replaying the
// registrations on first use.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	metrics *observability.Metrics
	onBind  func(net.Addr)

	router   *router.Router
	registry *registry.Registry
	chain    *middleware.Pipeline
	bytes    *pools.BytePool

	mu      sync.Mutex
	replay  []guest.Entrypoint
	started atomic.Bool
	tr      transport.Transport
	server  transport.Server
	// locals caches each loop's handler map, indexed by loop id. A slot is
	// only touched by its own loop.
	locals []*registry.Local
}

// New creates an engine. Zero fields of cfg take their DefaultConfig value.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.MaxBodyBuffer <= 0 {
		cfg.MaxBodyBuffer = def.MaxBodyBuffer
	}

	e := &Engine{
		cfg:    cfg,
		router: router.New(router.Options{StrictRoutes: cfg.StrictRoutes}),
		chain:  middleware.NewPipeline(),
		bytes:  pools.NewBytePool(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = observability.NopLogger()
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics("")
	}
	e.registry = registry.New(e.initWorker, registry.WithObserver(e.workerReady))
	return e
}

// Register runs entry against the main worker now and replays it on every
// event loop the first time that loop needs a handler.
func (e *Engine) Register(entry guest.Entrypoint) error {
	if entry == nil {
		return registry.ErrNilHandler
	}
	if e.started.Load() {
		return ErrAlreadyStarted
	}
	if err := entry(e.router.Registrar(e.registry.Main())); err != nil {
		return err
	}
	e.mu.Lock()
	e.replay = append(e.replay, entry)
	e.mu.Unlock()
	return nil
}

// Use appends steps that run in front of every matched handler. Unmatched
// requests skip them.
func (e *Engine) Use(steps ...middleware.HandlerFunc) error {
	if e.started.Load() {
		return ErrAlreadyStarted
	}
	for _, s := range steps {
		e.chain.Use(s)
	}
	return nil
}

// Handle registers h for method and path. An empty method matches every
// method; an empty or "*" path matches every path.
func (e *Engine) Handle(method, path string, h guest.Handler) error {
	if h == nil {
		return registry.ErrNilHandler
	}
	return e.Register(func(r guest.Registrar) error {
		return r.Handle(method, path, h)
	})
}

func (e *Engine) GET(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodGet, path, fn)
}

func (e *Engine) POST(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodPost, path, fn)
}

func (e *Engine) PUT(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodPut, path, fn)
}

func (e *Engine) DELETE(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodDelete, path, fn)
}

func (e *Engine) PATCH(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodPatch, path, fn)
}

func (e *Engine) HEAD(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodHead, path, fn)
}

func (e *Engine) OPTIONS(path string, fn guest.HandlerFunc) error {
	return e.Handle(http.MethodOptions, path, fn)
}

// Any registers fn for every method.
func (e *Engine) Any(path string, fn guest.HandlerFunc) error {
	return e.Handle("", path, fn)
}

// Routes returns the routing keys in match order.
func (e *Engine) Routes() []string {
	stages := e.router.Stages()
	keys := make([]string, len(stages))
	for i, st := range stages {
		keys[i] = st.Key
	}
	return keys
}

// Start seals the routes, resolves the transport and binds. Start returns
// once the server is accepting; ctx cancellation shuts it down. Calls after
// a successful one are ignored and return nil. A failed Start leaves the
// engine unstarted so it can be retried.
func (e *Engine) Start(ctx context.Context) (err error) {
	if !e.started.CompareAndSwap(false, true) {
		e.log.Debug("start ignored, engine already started")
		return nil
	}
	e.router.Seal()
	defer func() {
		if err != nil {
			e.router.Unseal()
			e.started.Store(false)
		}
	}()

	tr, err := transport.Resolve(transport.Options{
		Preferred:  e.cfg.Transport,
		EventLoops: e.cfg.EventLoops,
		Logger:     e.log,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.locals = make([]*registry.Local, tr.EventLoopGroup().Size()+1)

	srv, err := tr.Bootstrap(ctx, transport.ServerBuilder{
		Host:        e.cfg.Host,
		Port:        e.cfg.Port,
		Child:       e.newConnection,
		OnBind:      e.onBind,
		IdleTimeout: e.cfg.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.mu.Lock()
	e.tr, e.server = tr, srv
	e.mu.Unlock()
	e.metrics.SetTransport(string(tr.Kind()), tr.ChannelType())
	e.log.Info("engine started",
		zap.Stringer("addr", srv.Addr()),
		zap.String("transport", string(tr.Kind())),
		zap.Int("routes", len(e.router.Stages())),
	)
	return nil
}

// Serve starts the engine and blocks until it stops.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	done := e.Done()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	return nil
}

// Addr returns the bound address, nil before Start.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return nil
	}
	return e.server.Addr()
}

// Transport returns the resolved transport, nil before Start.
func (e *Engine) Transport() transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tr
}

// Done is closed once the server stopped. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return nil
	}
	return e.server.Done()
}

// Close stops the server and waits for the event loops to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil {
		return ErrNotStarted
	}
	return srv.Close()
}

// Registry exposes the per-worker handler maps, for diagnostics.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) initWorker(l *registry.Local) error {
	e.mu.Lock()
	replay := e.replay
	e.mu.Unlock()

	reg := e.router.Registrar(l)
	for _, entry := range replay {
		if err := entry(reg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) workerReady(w registry.WorkerID, err error) {
	e.metrics.RecordWorkerInit(err)
	if err != nil {
		e.log.Error("worker initialization failed", zap.Int("worker", int(w)), zap.Error(err))
		return
	}
	e.log.Debug("worker initialized", zap.Int("worker", int(w)))
}

// local returns the handler map of loop, initializing it on first use.
func (e *Engine) local(loop transport.EventLoop) *registry.Local {
	id := loop.ID()
	if l := e.locals[id]; l != nil {
		return l
	}
	// an init failure still leaves the routes registered before it
	l, _ := e.registry.Local(registry.WorkerID(id))
	e.locals[id] = l
	return l
}

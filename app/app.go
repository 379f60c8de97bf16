// Package app wires configuration, logging, metrics and the guest module
// around a core.Engine and runs them until a signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/guesthttp/config"
	"github.com/searchktools/guesthttp/core"
	"github.com/searchktools/guesthttp/core/guest/wasm"
	"github.com/searchktools/guesthttp/core/middleware"
	"github.com/searchktools/guesthttp/core/observability"
)

const shutdownTimeout = 5 * time.Second

// App is a configured engine plus its supporting services.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
	engine  *core.Engine
	guest   *wasm.Module
}

// New validates cfg and builds the application. Extra engine options are
// applied after the ones derived from cfg.
func New(cfg *config.Config, opts ...core.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics("")

	opts = append([]core.Option{core.WithLogger(log), core.WithMetrics(metrics)}, opts...)
	engine := core.New(cfg.Engine(), opts...)
	if err := engine.Use(steps(cfg.Middleware)...); err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		engine:  engine,
	}, nil
}

func steps(mc config.MiddlewareConfig) []middleware.HandlerFunc {
	var out []middleware.HandlerFunc
	if mc.RequestID {
		out = append(out, middleware.RequestID())
	}
	if mc.RateLimit > 0 {
		out = append(out, middleware.RateLimiter(mc.RateLimit))
	}
	if mc.CORS {
		out = append(out, middleware.CORS())
	}
	return out
}

// Engine returns the underlying engine for route registration.
func (a *App) Engine() *core.Engine {
	return a.engine
}

func (a *App) Logger() *zap.Logger {
	return a.log
}

// LoadGuest compiles the configured WebAssembly module and registers its
// routes. It is a no-op when no module is configured.
func (a *App) LoadGuest(ctx context.Context) error {
	gc := a.cfg.Guest
	if gc.Module == "" || a.guest != nil {
		return nil
	}
	code, err := os.ReadFile(gc.Module)
	if err != nil {
		return fmt.Errorf("app: read guest module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(gc.Module), filepath.Ext(gc.Module))
	m, err := wasm.Compile(ctx, name, code, a.log)
	if err != nil {
		return err
	}
	if gc.BodyLimit != 0 {
		m.BodyLimit = gc.BodyLimit
	}
	if err := a.engine.Register(m.Entrypoint(gc.Routes)); err != nil {
		_ = m.Close(ctx)
		return fmt.Errorf("app: register guest %s: %w", name, err)
	}
	a.guest = m
	a.log.Info("guest module loaded", zap.String("module", gc.Module), zap.Int("routes", len(gc.Routes)))
	return nil
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or one of the
// servers fails.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.LoadGuest(ctx); err != nil {
		return err
	}
	if a.guest != nil {
		defer func() { _ = a.guest.Close(context.Background()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the engine stopping on its own takes the metrics listener down too
		defer cancel()
		return a.engine.Serve(gctx)
	})
	if a.cfg.Metrics.Enabled {
		a.serveMetrics(gctx, g)
	}

	err := g.Wait()
	if err != nil {
		a.log.Error("server stopped", zap.Error(err))
		return err
	}
	a.log.Info("server stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, g *errgroup.Group) {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.metrics.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.log.Info("metrics listening", zap.String("addr", srv.Addr), zap.String("path", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/twin/internal/config"
	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/metrics"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport/ws"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds the flags shared by dev and start.
type ServeOptions struct {
	*RootOptions
	Addr  string
	Store string
}

func addServeFlags(cmd *cobra.Command, opts *ServeOptions) {
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "store driver: sqlite, redis or memory (overrides store.driver)")
}

func (o *ServeOptions) apply(cfg *config.Config) error {
	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.Store != "" {
		cfg.Store.Driver = o.Store
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	return nil
}

// openStore opens the KV backend cfg selects. The returned func closes it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.KV, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := store.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DriverRedis:
		r, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Hash:     cfg.RedisHash,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case config.DriverMemory:
		return store.NewMemory(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// serverRuntime is a ready server engine behind a WebSocket transport.
type serverRuntime struct {
	cfg     config.Config
	logger  *slog.Logger
	engine  *engine.Engine
	ws      *ws.Server
	metrics *metrics.Collector
	closeKV func() error
}

// newServerRuntime registers the application, opens the store and
// initializes the server engine.
func newServerRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, register RegisterFunc) (*serverRuntime, error) {
	reg := engine.NewRegistry()
	if err := register(reg); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register modules", err)
	}

	kv, closeKV, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	m := metrics.New()
	srv := ws.NewServer(
		ws.WithServerLogger(logger),
		ws.WithServerMetrics(m),
		ws.WithRateLimit(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst),
		ws.WithCallTimeout(cfg.Server.CallTimeout),
	)
	eng := engine.New(reg, srv, kv, engine.WithLogger(logger), engine.WithMetrics(m))
	if err := eng.Initialize(ctx); err != nil {
		eng.Close()
		closeKV()
		return nil, WrapExitError(ExitFailure, "engine failed to initialize", err)
	}

	return &serverRuntime{
		cfg:     cfg,
		logger:  logger,
		engine:  eng,
		ws:      srv,
		metrics: m,
		closeKV: closeKV,
	}, nil
}

// Handler mounts the WebSocket endpoint, a readiness probe and, unless
// metrics have their own listener, /metrics.
func (rt *serverRuntime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(rt.cfg.Server.Path, rt.ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !rt.engine.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if rt.cfg.Server.MetricsAddr == "" {
		mux.Handle("/metrics", rt.metrics.Handler())
	}
	return mux
}

// Serve listens until ctx ends, then shuts the listeners down.
func (rt *serverRuntime) Serve(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              rt.cfg.Server.Addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if addr := rt.cfg.Server.MetricsAddr; addr != "" {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           rt.metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			rt.logger.Info("listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				rt.logger.Warn("shutdown failed", "addr", s.Addr, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// Close stops the engine, which drops client connections, and closes the
// store.
func (rt *serverRuntime) Close() error {
	err := rt.engine.Close()
	if closeErr := rt.closeKV(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// signalContext ends on interrupt or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// runServer is the body of dev and start. It returns once ctx ends and the
// listeners have shut down.
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger, register RegisterFunc) error {
	rt, err := newServerRuntime(ctx, cfg, logger, register)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("error closing server", "error", err)
		}
	}()

	for _, r := range rt.engine.Routes() {
		logger.Info("route", "module", r.Module, "path", r.Path, "name", r.Name)
	}
	logger.Info("server ready",
		"addr", cfg.Server.Addr,
		"path", cfg.Server.Path,
		"store", cfg.Store.Driver,
		"session", rt.engine.Session().ID,
	)

	if err := rt.Serve(ctx); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

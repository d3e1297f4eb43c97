// Package app wires all voxloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the shared subsystems
// (transcript archive, ops HTTP endpoint), Run joins a call room and drives
// one conversation session to completion, and Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithArchiveStore, WithLogger, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
)

// App owns the shared subsystem lifetimes and runs conversation sessions.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	store  archive.Store
	server *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiveStore injects a transcript archive instead of creating one from
// config.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the shared subsystems together. The providers
// struct comes from main (populated via [BuildProviders]). Use Option
// functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if providers == nil {
		return nil, errors.New("app: providers must not be nil")
	}

	// ─── Transcript archive ───
	if a.store == nil {
		if dsn := cfg.Archive.PostgresDSN; dsn != "" {
			store, err := archive.NewPostgresStore(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("app: connect transcript archive: %w", err)
			}
			a.store = store
			a.closers = append(a.closers, store.Close)
			a.log.Info("transcript archive connected", slog.String("backend", "postgres"))
		} else {
			a.store = archive.NewMemoryStore()
			a.log.Info("transcript archive in memory only")
		}
	}

	// ─── Ops endpoint ───
	if cfg.Server.ListenAddr != "" {
		a.server = a.newOpsServer(cfg.Server.ListenAddr)
	}

	return a, nil
}

// newOpsServer builds the health + metrics HTTP server.
func (a *App) newOpsServer(addr string) *http.Server {
	checker := health.New(health.Checker{
		Name: "archive",
		Check: func(ctx context.Context) error {
			_, err := a.store.List(ctx, "")
			return err
		},
	})

	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run joins the configured call room and drives one conversation session
// until the participant leaves or ctx is cancelled. The ops endpoint, when
// configured, serves for the duration of the call.
func (a *App) Run(ctx context.Context, roomID string) error {
	if a.server != nil {
		go func() {
			a.log.Info("ops endpoint listening", slog.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("ops endpoint failed", slog.Any("error", err))
			}
		}()
	}

	sess, err := NewSession(a.cfg, a.providers, a.store)
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}

	a.log.Info("joining room",
		slog.String("room", roomID),
		slog.String("session_id", sess.ID()))
	return sess.Run(ctx, roomID)
}

// Shutdown tears down shared subsystems in reverse creation order. Safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: stop ops endpoint: %w", err))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

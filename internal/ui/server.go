// Package ui exposes the orchestrator over HTTP: the JSON API for starting
// and querying runs, and the datastar SSE feeds the dashboard subscribes to.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/gibbon-labs/gibbon/internal/connector"
	"github.com/gibbon-labs/gibbon/internal/dispatch"
	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/registry"
	"github.com/gibbon-labs/gibbon/internal/state"
)

// Server is the HTTP orchestrator server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.RunRegistry
	catalog    *connector.Catalog
	history    *state.Store
	bus        *events.Broadcaster
	port       int
	logger     *slog.Logger
}

// Config holds the server's collaborators.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.RunRegistry
	Catalog    *connector.Catalog
	History    *state.Store
	Bus        *events.Broadcaster
	Port       int
	Logger     *slog.Logger
}

// NewServer creates a server instance.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		catalog:    cfg.Catalog,
		history:    cfg.History,
		bus:        cfg.Bus,
		port:       cfg.Port,
		logger:     logger,
	}
}

// Serve starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting server", "addr", fmt.Sprintf("http://localhost:%d", s.port))

	eg, egctx := errgroup.WithContext(ctx)

	r := chi.NewMux()
	r.Use(
		middleware.Logger,
		middleware.Recoverer,
		middleware.Compress(5),
	)
	s.routes(r)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		return s.watchConfigs(egctx)
	})

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tests", s.handleListTests)
		r.Post("/run", s.handleStartRun)
		r.Post("/run/all", s.handleStartAll)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/events", s.handleGlobalEvents)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Delete("/runs/{id}", s.handleCancelRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
	})
}

// watchConfigs watches the test config directory and announces changes on
// the global feed so dashboards re-fetch the test list.
func (s *Server) watchConfigs(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.catalog.Dir()); err != nil {
		s.logger.Error("failed to watch configs directory", "dir", s.catalog.Dir(), "error", err)
		// Continue without watching; the catalog re-reads per request anyway.
		<-ctx.Done()
		return nil
	}

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return nil

		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
				s.logger.Debug("config changed", "file", event.Name)
				s.bus.Publish(events.Global, events.Event{
					Type: events.TypeConfigsChanged,
					Time: time.Now().UTC(),
				})
			})

		case err := <-watcher.Errors:
			s.logger.Error("watcher error", "error", err)
		}
	}
}

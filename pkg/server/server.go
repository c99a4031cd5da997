// Package server exposes the storefront client over a local HTTP API so a
// storefront view can drive installs and follow progress.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/openfroyo/storefront/pkg/buttons"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/stores"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// Installer runs installs and launches. *orchestrator.Orchestrator
// implements it.
type Installer interface {
	RunInstall(ctx context.Context, product *storefront.Product, handle string) (storefront.InstallerHandle, error)
	Launch(ctx context.Context, product *storefront.Product) (string, error)
}

// Buttons mounts and inspects buttons. *buttons.Controller implements it.
type Buttons interface {
	Mount(id, manifestURL, label string) (buttons.View, error)
	Get(id string) (buttons.View, error)
	All() []buttons.View
}

// Catalog reads storefront views through the response cache.
// *api.Client implements it.
type Catalog interface {
	URL(name string) string
	Params(name string, params map[string]string) string
	Sign(path string) string
	Cached(ctx context.Context, rawURL string) (*storefront.Response, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// MetricsPath is where Prometheus metrics are served. Defaults to /metrics.
	MetricsPath string
}

// Deps are the components the server routes to.
type Deps struct {
	Installer Installer
	Buttons   Buttons
	Store     stores.Store
	Telemetry *telemetry.Telemetry

	// Catalog is optional. Without it the account and review views are not
	// served.
	Catalog Catalog
}

// Server is the local HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	router   *mux.Router
	validate *validator.Validate
	events   *telemetry.EventPublisher
	logger   *telemetry.Logger
}

// New creates a server and registers its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Installer == nil:
		return nil, errors.New("server: installer is required")
	case deps.Buttons == nil:
		return nil, errors.New("server: button controller is required")
	case deps.Store == nil:
		return nil, errors.New("server: store is required")
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNopTelemetry()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   mux.NewRouter(),
		validate: validator.New(),
		events:   deps.Telemetry.Events,
		logger:   deps.Telemetry.Logger.NewComponentLogger("server"),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.recoverMiddleware, s.loggingMiddleware)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/apps/{slug}/install", s.handleInstall).Methods(http.MethodPost)
	v1.HandleFunc("/apps/launch", s.handleLaunch).Methods(http.MethodPost)
	v1.HandleFunc("/buttons", s.handleListButtons).Methods(http.MethodGet)
	v1.HandleFunc("/buttons", s.handleMountButton).Methods(http.MethodPost)
	v1.HandleFunc("/buttons/{id}", s.handleGetButton).Methods(http.MethodGet)
	v1.HandleFunc("/installs", s.handleListInstalls).Methods(http.MethodGet)
	v1.HandleFunc("/attempts", s.handleListAttempts).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.deps.Catalog != nil {
		v1.HandleFunc("/account/installed", s.handleInstalledApps).Methods(http.MethodGet)
		v1.HandleFunc("/apps/{slug}/reviews", s.handleReviews).Methods(http.MethodGet)
	}

	s.router.Handle(s.cfg.MetricsPath, s.deps.Telemetry.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

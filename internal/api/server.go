// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the engine's control operations over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/shaper"
)

// ServerConfig holds HTTP server timeouts and limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Engine is the subset of the shaping engine the API drives.
type Engine interface {
	AddRule(spec rules.Spec) (rules.ID, error)
	UpdateRule(id rules.ID, spec rules.Spec) error
	RemoveRule(id rules.ID) error
	ListRules() []shaper.RuleInfo
	GetStats(id rules.ID) (shaper.Stats, error)
	Faults() []shaper.Fault
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Engine Engine
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Config   *ServerConfig
	Logger   *logging.Logger
}

// Server handles API requests.
type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	cfg      *ServerConfig
	logger   *logging.Logger
	router   *mux.Router
}

// NewServer creates an API server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New(errors.KindConfig, "api server needs an engine")
	}
	s := &Server{
		engine:   opts.Engine,
		gatherer: opts.Gatherer,
		cfg:      opts.Config,
		logger:   opts.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.cfg == nil {
		s.cfg = DefaultServerConfig()
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("api")
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limitBody)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleAddRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleRemoveRule).Methods(http.MethodDelete)
	api.HandleFunc("/rules/{id:[0-9]+}/stats", s.handleRuleStats).Methods(http.MethodGet)
	api.HandleFunc("/faults", s.handleFaults).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	s.router = r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("API server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, errors.KindInternal, "api server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindInternal, "api server shutdown")
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindOSAPI, "api listen"), "addr", addr)
	}
	return s.Serve(ctx, ln)
}

// Package server exposes the engine over HTTP/JSON and serves the runtime
// tunnel endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"burstflare/internal/flare"
	"burstflare/internal/metrics"
)

// Options tune the HTTP surface.
type Options struct {
	// CallbackSecret authenticates runtime host callbacks. Empty disables them.
	CallbackSecret string
	// PortWait bounds how long a tunnel waits for the session's SSH port.
	PortWait time.Duration
	// DialTimeout bounds each upstream connection attempt.
	DialTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PortWait <= 0 {
		o.PortWait = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	return o
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine *flare.Engine
	host   flare.RuntimeHost
	logger flare.Logger
	opts   Options
	router *mux.Router
}

// New builds the router. host resolves SSH upstreams for tunnels and may be
// nil, in which case only the terminal endpoint is usable.
func New(engine *flare.Engine, host flare.RuntimeHost, logger flare.Logger, opts Options) *Server {
	if logger == nil {
		logger = flare.NewNopLogger()
	}
	s := &Server{engine: engine, host: host, logger: logger, opts: opts.withDefaults()}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.HTTPMetricsMiddleware(metrics.HTTPRequestsTotal, metrics.HTTPRequestDuration))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, s.logger, &flare.Error{Kind: flare.KindNotFound, Message: "Route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	s.authRoutes(v1)
	s.workspaceRoutes(v1)
	s.templateRoutes(v1)
	s.buildRoutes(v1)
	s.sessionRoutes(v1)
	s.snapshotRoutes(v1)
	s.adminRoutes(v1)
	v1.HandleFunc("/uploads/{grantId}", s.consumeGrant).Methods(http.MethodPut)

	r.HandleFunc("/runtime/sessions/{sessionId}/ssh", s.sshTunnel).Methods(http.MethodGet)
	r.HandleFunc("/runtime/sessions/{sessionId}/terminal", s.terminalTunnel).Methods(http.MethodGet)
	r.HandleFunc("/runtime/sessions/{sessionId}/state", s.runtimeCallback).Methods(http.MethodPost)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully. Tunnels see ctx cancellation through their request context.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

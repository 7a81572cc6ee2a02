// Package metrics implements the HTTP surface: Prometheus metrics, health,
// and whatever JSON and websocket routes the engine mounts.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server for metrics and the engine API.
type Server struct {
	addr    string
	path    string
	origins []string
	routes  []route
	server  *http.Server
	ln      net.Listener
}

type route struct {
	pattern string
	handler http.Handler
}

// NewServer creates a new server. Requests from origins are allowed
// cross-origin; an empty list disables CORS handling.
func NewServer(addr, path string, origins []string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:    addr,
		path:    path,
		origins: origins,
	}
}

// Handle mounts h on pattern. It must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes = append(s.routes, route{pattern: pattern, handler: h})
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Handle(s.path, promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	for _, rt := range s.routes {
		r.Handle(rt.pattern, rt.handler)
	}
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: websocket streams stay open.
	}

	slog.Info("starting metrics server", "addr", ln.Addr().String(), "path", s.path)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}

// JSONHandler serves the value returned by fn. A nil pointer answers 204.
func JSONHandler[T any](fn func() T) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		v := fn()
		if isNil(v) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response failed", "error", err)
	}
}

// Package health serves the metrics exposition alongside liveness,
// readiness and debug endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/observability"
)

// Collectors lists collectors that have not finished a first iteration.
type Collectors interface {
	Pending() []string
}

// ErrorSource returns the currently active collection errors.
type ErrorSource interface {
	ActiveErrors() []errors.ActiveError
}

// Config configures a Server. Port 0 picks a free port.
type Config struct {
	Port  int
	Debug bool // pprof and /debug/errors
}

// Server is the HTTP face of a daemon.
type Server struct {
	srv        *http.Server
	collectors Collectors
	errs       ErrorSource
	bound      atomic.Pointer[string]
}

// NewServer creates a Server. errs may be nil.
func NewServer(cfg Config, metrics *observability.Metrics, collectors Collectors, errs ErrorSource) *Server {
	s := &Server{collectors: collectors, errs: errs}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", s.readyz)

	if cfg.Debug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.HandleFunc("GET /debug/errors", s.debugErrors)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the port and serves in the background. A bind failure is
// returned; the daemon cannot run without its port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	addr := ln.Addr().String()
	s.bound.Store(&addr)

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address after Start and the configured one before.
func (s *Server) Addr() string {
	if a := s.bound.Load(); a != nil {
		return *a
	}
	return s.srv.Addr
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type readiness struct {
	Ready   bool     `json:"ready"`
	Pending []string `json:"pending,omitempty"`
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	pending := s.collectors.Pending()
	code := http.StatusOK
	if len(pending) > 0 {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readiness{Ready: len(pending) == 0, Pending: pending})
}

func (s *Server) debugErrors(w http.ResponseWriter, _ *http.Request) {
	active := []errors.ActiveError{}
	if s.errs != nil {
		active = append(active, s.errs.ActiveErrors()...)
	}
	writeJSON(w, http.StatusOK, active)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

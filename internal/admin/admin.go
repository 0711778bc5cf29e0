// Package admin serves the operational HTTP endpoints next to the event loop:
// Prometheus metrics and a liveness probe. It never touches connection state
// directly; everything it reports comes from the metrics registry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/wsloop/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server is the admin HTTP server.
type Server struct {
	log *logger.Logger
	srv *http.Server
	ln  net.Listener
}

// NewRouter returns the admin routes. Metrics are read from g.
func NewRouter(g prometheus.Gatherer, lg *logger.Logger) http.Handler {
	started := time.Now()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(lg))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog: promErrorLog{lg},
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok\nuptime %s\n", time.Since(started).Round(time.Second))
	})
	return r
}

// Listen binds addr and prepares the admin server. Serving starts with Start.
func Listen(addr string, g prometheus.Gatherer, lg *logger.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin: failed to listen on %s: %w", addr, err)
	}
	return &Server{
		log: lg,
		ln:  ln,
		srv: &http.Server{
			Handler:           NewRouter(g, lg),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound admin address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start serves in a background goroutine.
func (s *Server) Start() {
	s.log.Info("Admin endpoint listening", logger.LogFields{"address": s.ln.Addr().String()})
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin endpoint stopped", logger.LogFields{"error": err.Error()})
		}
	}()
}

// Shutdown stops accepting admin requests and waits briefly for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func requestLogger(lg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			lg.Debug("Admin request", logger.LogFields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

// promErrorLog adapts the logger to promhttp.Logger.
type promErrorLog struct{ lg *logger.Logger }

func (p promErrorLog) Println(v ...interface{}) {
	p.lg.Error("Metrics exposition failed", logger.LogFields{"error": fmt.Sprint(v...)})
}

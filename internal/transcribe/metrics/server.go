package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

// Health is the /healthz payload.
type Health struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
	Workers    int    `json:"workers"`
	Uptime     string `json:"uptime"`
	Error      string `json:"error,omitempty"`
}

// HealthFunc reports daemon health. A non-empty Error answers 503.
type HealthFunc func() Health

// NewRouter serves /metrics and /healthz.
func NewRouter(health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Status: "ok"}
		if health != nil {
			h = health()
		}
		code := http.StatusOK
		if h.Error != "" {
			h.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

// Server is the metrics HTTP listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger logging.Logger
}

// Listen binds addr so that a bad address fails at startup rather than in
// the serving goroutine.
func Listen(addr string, handler http.Handler, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.logger.Info("metrics server listening", logging.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

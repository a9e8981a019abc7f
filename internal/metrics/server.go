package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/jobpool/pkg/api"
)

// Server serves /metrics and /healthz.
type Server struct {
	gatherer prometheus.Gatherer
	stats    StatsSource
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates a server for addr. It is not listening until Start.
func NewServer(addr string, g prometheus.Gatherer, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{gatherer: g, stats: stats, logger: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

type healthResponse struct {
	Status   string        `json:"status"`
	State    api.PoolState `json:"state"`
	Capacity int           `json:"capacity"`
	Workers  int           `json:"workers"`
	Stacked  int           `json:"stacked"`
}

// healthz answers 200 while the pool loop runs, 503 otherwise.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	stats := s.stats()
	resp := healthResponse{
		Status:   "ok",
		State:    stats.State,
		Capacity: stats.Capacity,
		Workers:  stats.Workers,
		Stacked:  stats.Stacked,
	}
	code := http.StatusOK
	if stats.State != api.PoolRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write health response", slog.Any("error", err))
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics server listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

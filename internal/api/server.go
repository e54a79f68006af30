// Package api serves the SBC's HTTP surface: a health probe for load
// balancers and the Prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallCounter reports the number of active calls.
type CallCounter interface {
	Count() int
}

// DrainState reports whether the node has stopped admitting calls.
type DrainState interface {
	Draining() bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   CallCounter
	drain   DrainState
	metrics prometheus.Gatherer
	started time.Time
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(calls CallCounter, drain DrainState, metrics prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		calls:   calls,
		drain:   drain,
		metrics: metrics,
		started: time.Now(),
		logger:  logger.With("component", "http"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger, "/health", "/metrics"))
	r.Use(middleware.Recoverer(s.logger))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
	UptimeSec   int64  `json:"uptime_sec"`
}

// handleHealth reports 200 with the active call count, or 503 once the
// node is draining so load balancers stop sending it traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		ActiveCalls: s.calls.Count(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
	}

	status := http.StatusOK
	if s.drain.Draining() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

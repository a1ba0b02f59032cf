// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package admin implements the proxy's local admin surface (component
// C16): health, Prometheus metrics, and a JSON counters snapshot, served
// on a loopback-only listener separate from the proxy's traffic ports.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/connlimit"
	"grimm.is/warden/internal/logging"
)

// Metrics holds the Prometheus collectors served on /metrics. Registered
// against a private registry so admin's /metrics output is exactly this
// proxy's series, not whatever else the process links in. The request
// path does not update them; they change only when a caller increments
// them directly.
type Metrics struct {
	registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	BytesTotal        *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
}

// NewMetrics builds and registers the collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_requests_total",
			Help: "Total requests evaluated by disposition and matched rule.",
		}, []string{"allowed", "rule_id"}),
		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rate_limit_hits_total",
			Help: "Total requests denied by the rate limiter, by rule.",
		}, []string{"rule_id"}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_bytes_total",
			Help: "Total bytes relayed, by direction.",
		}, []string{"direction"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_active_connections",
			Help: "Currently open connections, by front end.",
		}, []string{"kind"}),
	}
}

// Server serves the admin HTTP surface. It is expected to be bound to
// 127.0.0.1 only; Start does not enforce this, the caller's listen
// address does.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	audit      *audit.Logger
	connGate   *connlimit.Gate
	metrics    *Metrics
	logger     *logging.Logger
}

// New builds an admin server. audit and connGate may be nil (the
// corresponding endpoints degrade gracefully); metrics may be nil to
// disable /metrics.
func New(addr string, a *audit.Logger, connGate *connlimit.Gate, metrics *Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		router:   mux.NewRouter(),
		audit:    a,
		connGate: connGate,
		metrics:  metrics,
		logger:   logger.WithComponent("admin"),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Start begins serving in the background. Call Stop to shut down
// gracefully.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting admin server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()
}

// Stop gracefully shuts the admin server down within the given timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.audit != nil {
		resp["counters"] = s.audit.Snapshot()
	}
	if s.connGate != nil {
		resp["connections"] = s.connGate.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

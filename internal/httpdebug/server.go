// Package httpdebug implements the daemon's optional loopback-only HTTP
// introspection surface: /healthz and /metrics (spec.md §6). Grounded on
// internal/api/server.go's gorilla/mux + CORS middleware registration
// pattern, narrowed from a full REST gateway to two read-only routes
// bound to a loopback address only.
package httpdebug

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/hubd/internal/sla"
)

// Stats is the set of values reported by /healthz, supplied by the
// caller (cmd/hubd) on each request rather than pulled via a direct
// dependency on every other component.
type Stats struct {
	Uptime             time.Duration
	ConnectedAccounts  []string
	InFlightTaskCount  int
}

// StatsFunc produces a fresh Stats snapshot for each /healthz request.
type StatsFunc func() Stats

var (
	slaRecommendations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hubd_sla_recommendations_total",
		Help: "Count of stale-task SLA recommendations issued, by level.",
	}, []string{"level"})
	connectedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_connected_accounts",
		Help: "Number of accounts with a currently authenticated connection.",
	})
	inFlightTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hubd_in_flight_tasks",
		Help: "Number of tasks not yet in a terminal status.",
	})
)

func init() {
	prometheus.MustRegister(slaRecommendations, connectedAccounts, inFlightTasks)
}

// ObserveSLARecommendations increments the per-level counter for one
// stale-task scan's results, so a periodic Scheduler tick is visible on
// /metrics without httpdebug importing internal/sla's scanner interface.
func ObserveSLARecommendations(recs []sla.Recommendation) {
	for _, r := range recs {
		slaRecommendations.WithLabelValues(string(r.Level)).Inc()
	}
}

// Server is a loopback-only HTTP server exposing /healthz and /metrics.
type Server struct {
	addr   string
	stats  StatsFunc
	mu     sync.Mutex
	server *http.Server
}

// New constructs a Server that will bind to addr (e.g. "127.0.0.1:9090")
// when Start is called. A blank addr disables the surface entirely.
func New(addr string, stats StatsFunc) *Server {
	return &Server{addr: addr, stats: stats}
}

// Start binds and serves in the background. It is a no-op if addr is
// blank (the surface is disabled by default, per spec.md's Non-goals
// around observability layers for the core protocol).
func (s *Server) Start() error {
	if s.addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("httpdebug: %s is not a loopback address", s.addr)
	}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{Addr: s.addr, Handler: r}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go srv.ListenAndServe()
	return nil
}

// Stop gracefully shuts the HTTP surface down, if it was started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var snap Stats
	if s.stats != nil {
		snap = s.stats()
	}
	connectedAccounts.Set(float64(len(snap.ConnectedAccounts)))
	inFlightTasks.Set(float64(snap.InFlightTaskCount))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime":            snap.Uptime.Seconds(),
		"connectedAccounts": snap.ConnectedAccounts,
		"inFlightTasks":     snap.InFlightTaskCount,
	})
}

// Package diag exposes a Runtime's commit/retry counters and version-list
// watermarks over HTTP: a JSON status endpoint and a Prometheus text-format
// endpoint, wired the way the teacher's pkg/server exposes
// pkg/metrics.MetricsCollector/PrometheusExporter behind chi routes.
package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnohosten/shielded/pkg/shielded"
)

// Server serves /_health, /_stats and /_metrics for a Runtime.
type Server struct {
	rt        *shielded.Runtime
	router    *chi.Mux
	startTime time.Time
	namespace string
}

// New builds a diagnostics Server for rt. namespace prefixes every
// Prometheus metric name (e.g. "shielded" produces "shielded_transactions_committed_total").
func New(rt *shielded.Runtime, namespace string) *Server {
	if namespace == "" {
		namespace = "shielded"
	}
	s := &Server{
		rt:        rt,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		namespace: namespace,
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.handleHealth)
	s.router.Get("/_stats", s.handleStats)
	s.router.Get("/_metrics", s.handleMetrics)
}

// ServeHTTP lets Server be mounted directly as an http.Handler, or embedded
// under a larger router via router.Mount("/", diagServer).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.rt.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.WriteMetrics(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// metricKind distinguishes the two Prometheus metric types this package
// emits; metricSpec batches a whole family of them through one renderer
// instead of a counter-shaped and a gauge-shaped Fprintf call per value.
type metricKind int

const (
	counterKind metricKind = iota
	gaugeKind
)

func (k metricKind) String() string {
	if k == gaugeKind {
		return "gauge"
	}
	return "counter"
}

type metricSpec struct {
	name string
	help string
	kind metricKind
	val  float64
}

// WriteMetrics writes the runtime's counters and watermarks in Prometheus
// text exposition format, one HELP/TYPE/value triple per metric.
func (s *Server) WriteMetrics(w io.Writer) error {
	stats := s.rt.Stats()

	specs := []metricSpec{
		{"uptime_seconds", "Runtime uptime in seconds", gaugeKind, time.Since(s.startTime).Seconds()},
		{"transactions_started_total", "Total transaction attempts started", counterKind, float64(stats.TransactionsStarted)},
		{"transactions_committed_total", "Total transactions committed", counterKind, float64(stats.TransactionsCommitted)},
		{"transactions_retried_total", "Total transaction attempts retried", counterKind, float64(stats.Retries)},
		{"transactions_rolled_back_total", "Total transactions rolled back", counterKind, float64(stats.TransactionsRolledBack)},
		{"version_current_stamp", "Most recently allocated version stamp", gaugeKind, float64(stats.CurrentStamp)},
		{"version_oldest_reachable_stamp", "Oldest stamp no longer eligible for trimming", gaugeKind, float64(stats.OldestReachableStamp)},
	}
	return s.writeMetrics(w, specs)
}

// writeMetrics renders a whole batch of specs in one pass, sharing a single
// namespaced-name computation and format string across both metric kinds
// rather than a duplicated per-kind writer.
func (s *Server) writeMetrics(w io.Writer, specs []metricSpec) error {
	for _, spec := range specs {
		metricName := s.namespace + "_" + spec.name
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %g\n",
			metricName, spec.help, metricName, spec.kind, metricName, spec.val); err != nil {
			return err
		}
	}
	return nil
}

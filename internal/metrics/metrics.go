// Package metrics registers the engine's Prometheus counters and an
// optional HTTP exporter, grounded on go/network/metrics.go's own
// promauto.NewCounterVec package-level registration style.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eneel_jobs_total",
	Help: "counter of finished replication jobs by terminal status",
}, []string{"project", "status"})

var rowsExportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eneel_rows_exported_total",
	Help: "counter of rows exported from source tables",
}, []string{"project"})

var rowsImportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eneel_rows_imported_total",
	Help: "counter of rows imported into target tables",
}, []string{"project"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "eneel_job_duration_seconds",
	Help:    "histogram of per-job wall clock duration",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
}, []string{"project", "status"})

var projectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eneel_projects_total",
	Help: "counter of finished project runs by terminal status",
}, []string{"project", "status"})

// ObserveJob records one finished job's status, row counts, and duration.
func ObserveJob(project, status string, exported, imported int64, durationSeconds float64) {
	jobsTotal.WithLabelValues(project, status).Inc()
	rowsExportedTotal.WithLabelValues(project).Add(float64(exported))
	rowsImportedTotal.WithLabelValues(project).Add(float64(imported))
	jobDuration.WithLabelValues(project, status).Observe(durationSeconds)
}

// ObserveProject records one finished project run's aggregate status.
func ObserveProject(project, status string) {
	projectsTotal.WithLabelValues(project, status).Inc()
}

// Server exposes the registered metrics over /metrics, mirroring (without
// importing) Gazette mainboilerplate's diagnostics listener: a bare
// http.Server wrapping promhttp.Handler(), started and stopped by the CLI.
type Server struct {
	srv *http.Server
}

// Serve starts a metrics HTTP server on addr in the background. Call
// Shutdown to stop it. addr == "" disables the server (Serve returns nil,
// nil Server).
func Serve(addr string) (*Server, <-chan error) {
	if addr == "" {
		return nil, nil
	}
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	var srv = &http.Server{Addr: addr, Handler: mux}
	var errCh = make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	return &Server{srv: srv}, errCh
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

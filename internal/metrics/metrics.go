// Package metrics exposes Prometheus instrumentation for sync runs.
//
// The engine reports through the Recorder after each run; Serve optionally
// publishes the registry over HTTP for scraping. Everything hangs off a
// private registry so tests can assert on counter values without global
// state bleeding between cases.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// Recorder implements the engine's metrics hooks on top of a dedicated
// Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	recordsTotal *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohortsync",
			Name:      "records_total",
			Help:      "Records processed per entity type and outcome.",
		}, []string{"entity", "outcome"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohortsync",
			Name:      "runs_total",
			Help:      "Completed sync runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cohortsync",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(r.recordsTotal, r.runsTotal, r.runDuration)
	return r
}

// ObserveEntity records the per-outcome counters for one entity type.
func (r *Recorder) ObserveEntity(entityType string, c store.Counters) {
	add := func(outcome string, n int64) {
		if n > 0 {
			r.recordsTotal.WithLabelValues(entityType, outcome).Add(float64(n))
		}
	}
	add("inserted", c.Inserted)
	add("updated", c.Updated)
	add("deleted", c.Deleted)
	add("skipped", c.Skipped)
	add("errored", c.Errored)
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(status string, d time.Duration) {
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry for tests and custom handlers.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler serving the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve publishes /metrics on addr until ctx is cancelled. It returns nil
// on graceful shutdown and the listener error otherwise.
func Serve(ctx context.Context, addr string, r *Recorder) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

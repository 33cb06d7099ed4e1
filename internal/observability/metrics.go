// File: internal/observability/metrics.go
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PoolMetrics exposes browser pool and sink tracing activity for Prometheus.
// It uses its own registry so multiple scans in one process never collide.
type PoolMetrics struct {
	registry *prometheus.Registry

	jobsQueued    *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsTimedOut  *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	sinksTraced   *prometheus.CounterVec
	soft404       *prometheus.CounterVec
}

// NewPoolMetrics creates and registers all collectors.
func NewPoolMetrics() (*PoolMetrics, error) {
	m := &PoolMetrics{
		registry: prometheus.NewRegistry(),
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_jobs_queued_total",
			Help: "Jobs accepted into the browser pool queue",
		}, []string{"category"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_jobs_completed_total",
			Help: "Jobs that ran to completion, including timed out ones",
		}, []string{"kind"}),
		jobsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_jobs_timed_out_total",
			Help: "Jobs abandoned after exceeding the job timeout",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_jobs_failed_total",
			Help: "Jobs that exhausted their retries or errored",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "domscout_queue_depth",
			Help: "Jobs currently waiting for a worker",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domscout_job_duration_seconds",
			Help:    "Wall-clock time spent running a job",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		sinksTraced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_sinks_traced_total",
			Help: "Sink classifications recorded per sink",
		}, []string{"sink"}),
		soft404: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domscout_soft404_matches_total",
			Help: "Responses checked for custom not-found behavior",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.jobsQueued, m.jobsCompleted, m.jobsTimedOut, m.jobsFailed,
		m.queueDepth, m.jobDuration, m.sinksTraced, m.soft404,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Registry returns the underlying registry, mostly for tests.
func (m *PoolMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PoolMetrics) ObserveQueued(category string) {
	m.jobsQueued.WithLabelValues(category).Inc()
}

// ObserveFinished records a job that returned, with its elapsed time.
func (m *PoolMetrics) ObserveFinished(kind string, elapsed time.Duration, timedOut bool) {
	m.jobsCompleted.WithLabelValues(kind).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if timedOut {
		m.jobsTimedOut.WithLabelValues(kind).Inc()
	}
}

func (m *PoolMetrics) ObserveFailed(kind string) {
	m.jobsFailed.WithLabelValues(kind).Inc()
}

func (m *PoolMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *PoolMetrics) ObserveSink(sink string) {
	m.sinksTraced.WithLabelValues(sink).Inc()
}

func (m *PoolMetrics) ObserveSoft404(matched bool) {
	label := "miss"
	if matched {
		label = "match"
	}
	m.soft404.WithLabelValues(label).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PoolMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (m *PoolMetrics) Serve(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	GetLogger().Info("Serving metrics.", zap.String("addr", addr), zap.String("path", path))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

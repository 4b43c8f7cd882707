// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and the HTTP surface, and exposes a scrape handler.
//
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markdave123-py/botforge/internal/core/chunker"
)

var _ chunker.QualitySink = (*Metrics)(nil)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	JobsProcessedTotal     *prometheus.CounterVec
	JobDuration            *prometheus.HistogramVec
	JobsStalledTotal       *prometheus.CounterVec
	ChunksProducedTotal    *prometheus.CounterVec
	ChunkQualityWarnings   *prometheus.CounterVec
	EmbeddingsWrittenTotal *prometheus.CounterVec
	EmbeddingBatchDuration *prometheus.HistogramVec
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_jobs_processed_total",
				Help: "Jobs finished by queue and outcome (completed, failed, retried).",
			},
			[]string{"queue", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botforge_job_duration_seconds",
				Help:    "Wall time of one job attempt by queue.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"queue"},
		),
		JobsStalledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_jobs_stalled_total",
				Help: "Active jobs marked stalled by queue.",
			},
			[]string{"queue"},
		),
		ChunksProducedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_chunks_produced_total",
				Help: "Chunks produced by strategy.",
			},
			[]string{"strategy"},
		),
		ChunkQualityWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_chunk_quality_warnings_total",
				Help: "Chunk quality warnings by strategy and kind.",
			},
			[]string{"strategy", "kind"},
		),
		EmbeddingsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_embeddings_written_total",
				Help: "Embedding records upserted by provider.",
			},
			[]string{"provider"},
		),
		EmbeddingBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botforge_embedding_batch_duration_seconds",
				Help:    "Latency of one provider embedding call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botforge_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botforge_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.JobsProcessedTotal,
		m.JobDuration,
		m.JobsStalledTotal,
		m.ChunksProducedTotal,
		m.ChunkQualityWarnings,
		m.EmbeddingsWrittenTotal,
		m.EmbeddingBatchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) JobFinished(queue, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

func (m *Metrics) JobStalled(queue string) {
	if m == nil {
		return
	}
	m.JobsStalledTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) EmbeddingsWritten(provider string, n int) {
	if m == nil {
		return
	}
	m.EmbeddingsWrittenTotal.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) EmbeddingBatch(provider string, took time.Duration) {
	if m == nil {
		return
	}
	m.EmbeddingBatchDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) ChunkQualityWarning(strategy string, kind chunker.WarningKind) {
	if m == nil {
		return
	}
	m.ChunkQualityWarnings.WithLabelValues(strategy, string(kind)).Inc()
}

func (m *Metrics) ChunksProduced(strategy string, n int) {
	if m == nil {
		return
	}
	m.ChunksProducedTotal.WithLabelValues(strategy).Add(float64(n))
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the scrape handler for the registry the metrics were
// registered with, or the default registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Package metrics defines the Prometheus metric collectors used by the
// percolator service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registration outcomes recorded in QueriesRegisteredTotal.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusInvalid   = "invalid"
	StatusRewrite   = "rewrite_error"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Extraction outcomes recorded in ExtractionsTotal.
const (
	ExtractionTerms   = "terms"
	ExtractionUnknown = "unknown"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	QueriesRegisteredTotal *prometheus.CounterVec
	ExtractionsTotal       *prometheus.CounterVec
	ExtractedTermsCount    prometheus.Histogram
	RewriteDuration        prometheus.Histogram
	QueryBlobBytes         prometheus.Histogram
	IndexFlushesTotal      *prometheus.CounterVec
	IndexedQueries         prometheus.Gauge
	ActiveSegments         prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		QueriesRegisteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "percolator_queries_registered_total",
				Help: "Percolator query registrations by outcome.",
			},
			[]string{"status"},
		),
		ExtractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "percolator_extractions_total",
				Help: "Percolator records written by extraction outcome (terms, unknown).",
			},
			[]string{"result"},
		),
		ExtractedTermsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "percolator_extracted_terms",
				Help:    "Number of pre-filter terms recorded per percolator record.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),
		RewriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "percolator_rewrite_duration_seconds",
				Help:    "Time spent rewriting queries before they are stored.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
			},
		),
		QueryBlobBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "percolator_query_blob_bytes",
				Help:    "Size of serialized query blobs.",
				Buckets: prometheus.ExponentialBuckets(16, 4, 8),
			},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_flushes_total",
				Help: "Total index flush operations by status.",
			},
			[]string{"status"},
		),
		IndexedQueries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "percolator_memory_index_queries",
				Help: "Number of queries held in the in-memory index.",
			},
		),
		ActiveSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "percolator_active_segments",
				Help: "Number of segment files open for reading.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueriesRegisteredTotal,
		m.ExtractionsTotal,
		m.ExtractedTermsCount,
		m.RewriteDuration,
		m.QueryBlobBytes,
		m.IndexFlushesTotal,
		m.IndexedQueries,
		m.ActiveSegments,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

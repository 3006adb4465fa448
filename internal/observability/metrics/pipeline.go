package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// PipelineMetrics implements ports.PipelineObserver.
type PipelineMetrics struct {
	service string

	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	retrievedSources prometheus.Histogram
	confidence       prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	sourceFailures   *prometheus.CounterVec
	batchItems       *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"service": service}

	m := &PipelineMetrics{
		service: service,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rag", Subsystem: "pipeline", Name: "queries_total",
			Help: "Processed queries by outcome status.", ConstLabels: labels,
		}, []string{"status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rag", Subsystem: "pipeline", Name: "query_duration_seconds",
			Help: "End-to-end query duration in seconds.", ConstLabels: labels,
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		retrievedSources: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rag", Subsystem: "pipeline", Name: "sources_per_query",
			Help: "Sources returned per query.", ConstLabels: labels,
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rag", Subsystem: "pipeline", Name: "confidence",
			Help: "Response confidence distribution.", ConstLabels: labels,
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rag", Subsystem: "embedding_cache", Name: "lookups_total",
			Help: "Embedding cache lookups by result.", ConstLabels: labels,
		}, []string{"result"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rag", Subsystem: "retrieval", Name: "source_failures_total",
			Help: "Source adapter failures skipped during aggregation.", ConstLabels: labels,
		}, []string{"source"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rag", Subsystem: "batch", Name: "items_total",
			Help: "Batch items by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rag", Subsystem: "resilience", Name: "circuit_state",
			Help: "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).", ConstLabels: labels,
		}, []string{"operation"}),
	}

	registry.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.retrievedSources,
		m.confidence,
		m.cacheLookups,
		m.sourceFailures,
		m.batchItems,
		m.breakerState,
	)
	return m
}

func (m *PipelineMetrics) ObserveQuery(status string, duration time.Duration, sources int, confidence float64) {
	if status == "" {
		status = "unknown"
	}
	m.queriesTotal.WithLabelValues(status).Inc()
	m.queryDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.retrievedSources.Observe(float64(sources))
	m.confidence.Observe(confidence)
}

func (m *PipelineMetrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) ObserveSourceFailure(source string) {
	m.sourceFailures.WithLabelValues(source).Inc()
}

func (m *PipelineMetrics) ObserveBatchItem(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.batchItems.WithLabelValues(outcome).Inc()
}

// ObserveBreakerState matches resilience.StateListener.
func (m *PipelineMetrics) ObserveBreakerState(operation string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(operation).Set(float64(to))
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all Prometheus metrics for kaitd.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Ingest daemon metrics.
	EventsIngestedTotal   *prometheus.CounterVec
	IngestRequestDuration *prometheus.HistogramVec

	// Queue metrics.
	QueueDepth       prometheus.Gauge
	QueueEnqueued    *prometheus.CounterVec
	QueueOverflowed  prometheus.Counter

	// Pipeline metrics.
	PipelineBatchesTotal    *prometheus.CounterVec
	PipelineBatchDuration   prometheus.Histogram
	MemoryCaptureCandidates prometheus.Counter

	// Meta-Ralph quality gate metrics.
	MetaRalphVerdictsTotal *prometheus.CounterVec

	// Cognitive store / EIDOS metrics.
	InsightsTotal      prometheus.Gauge
	DistillationsTotal prometheus.Gauge

	// Advisory engine metrics.
	AdvisoryDecisionsTotal  *prometheus.CounterVec
	AdvisoryRetrievalLatency *prometheus.HistogramVec

	// Implicit feedback metrics.
	FeedbackSignalsTotal *prometheus.CounterVec

	// Promotion loop metrics.
	PromotionTickDuration prometheus.Histogram
	PromotionsTotal       prometheus.Counter
	DemotionsTotal        prometheus.Counter
	PromotionTickFailures prometheus.Counter

	// HTTP surface metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// Instrumented wrapper metrics (advisory sources, cognitive/feedback stores).
	SourceRetrievalsTotal    *prometheus.CounterVec
	StoreOpsTotal            *prometheus.CounterVec
	StoreOpDuration          *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry under the kaitd_ namespace.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total events accepted by the ingest daemon.",
		}, []string{"tool", "status"}),

		IngestRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "ingest",
			Name:      "request_duration_seconds",
			Help:      "Ingest HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaitd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of queued events awaiting pipeline processing.",
		}),

		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total events enqueued, by priority.",
		}, []string{"priority"}),

		QueueOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "queue",
			Name:      "overflowed_total",
			Help:      "Total events routed to the overflow sidecar file.",
		}),

		PipelineBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total pipeline batches processed, by outcome.",
		}, []string{"status"}),

		PipelineBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Pipeline batch processing duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		MemoryCaptureCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "pipeline",
			Name:      "memory_capture_candidates_total",
			Help:      "Total candidate statements surfaced by memory capture scoring.",
		}),

		MetaRalphVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "metaralph",
			Name:      "verdicts_total",
			Help:      "Total Meta-Ralph verdicts, by acceptance and issue reason.",
		}, []string{"accepted", "issue"}),

		InsightsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaitd",
			Subsystem: "cognitive",
			Name:      "insights_total",
			Help:      "Current number of insights held in the cognitive cache.",
		}),

		DistillationsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaitd",
			Subsystem: "eidos",
			Name:      "distillations_total",
			Help:      "Current number of distillations produced by the EIDOS aggregator.",
		}),

		AdvisoryDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "advisory",
			Name:      "decisions_total",
			Help:      "Total advisory decisions, by suppression outcome.",
		}, []string{"suppressed_by"}),

		AdvisoryRetrievalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "advisory",
			Name:      "retrieval_duration_seconds",
			Help:      "Advisory retrieval fan-out duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"source"}),

		FeedbackSignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "feedback",
			Name:      "signals_total",
			Help:      "Total implicit feedback signals resolved, by signal type.",
		}, []string{"signal"}),

		PromotionTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "promotion",
			Name:      "tick_duration_seconds",
			Help:      "Promotion loop tick duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "promotion",
			Name:      "promotions_total",
			Help:      "Total insights promoted.",
		}),

		DemotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "promotion",
			Name:      "demotions_total",
			Help:      "Total insights demoted.",
		}),

		PromotionTickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "promotion",
			Name:      "tick_failures_total",
			Help:      "Total promotion ticks that encountered at least one error.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the ingest daemon.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaitd",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		SourceRetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "advisory",
			Name:      "source_retrievals_total",
			Help:      "Total advisory source retrieval calls, by source and status.",
		}, []string{"source", "status"}),

		StoreOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaitd",
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Total store operations, by store, operation, and status.",
		}, []string{"store", "op", "status"}),

		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaitd",
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Store operation duration in seconds, by store and operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"store", "op"}),
	}

	reg.MustRegister(
		m.EventsIngestedTotal,
		m.IngestRequestDuration,
		m.QueueDepth,
		m.QueueEnqueued,
		m.QueueOverflowed,
		m.PipelineBatchesTotal,
		m.PipelineBatchDuration,
		m.MemoryCaptureCandidates,
		m.MetaRalphVerdictsTotal,
		m.InsightsTotal,
		m.DistillationsTotal,
		m.AdvisoryDecisionsTotal,
		m.AdvisoryRetrievalLatency,
		m.FeedbackSignalsTotal,
		m.PromotionTickDuration,
		m.PromotionsTotal,
		m.DemotionsTotal,
		m.PromotionTickFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.SourceRetrievalsTotal,
		m.StoreOpsTotal,
		m.StoreOpDuration,
	)

	return m
}

// MetricsHandler returns the Prometheus exposition handler for the
// collector's registry, for mounting at /metrics.
func MetricsHandler(m *MetricsCollector) http.HandlerFunc {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP
}

// TickObserved records a promotion loop tick's wall-clock duration.
func (m *MetricsCollector) TickObserved(d time.Duration) {
	m.PromotionTickDuration.Observe(d.Seconds())
}

// Promoted increments the promotion counter.
func (m *MetricsCollector) Promoted() { m.PromotionsTotal.Inc() }

// Demoted increments the demotion counter.
func (m *MetricsCollector) Demoted() { m.DemotionsTotal.Inc() }

// TickFailed increments the promotion tick failure counter.
func (m *MetricsCollector) TickFailed() { m.PromotionTickFailures.Inc() }

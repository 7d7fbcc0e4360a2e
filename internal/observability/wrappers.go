package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaitd/kaitd/internal/advisory"
	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/pipeline"
)

// --- InstrumentedSource ---

// InstrumentedSource wraps an advisory.Source with metrics, tracing, and
// anomaly detection: one span, one latency observation, and one
// error/success record per retrieval call.
type InstrumentedSource struct {
	inner   advisory.Source
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSource wraps an advisory source with observability.
func NewInstrumentedSource(inner advisory.Source, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSource {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSource{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (s *InstrumentedSource) Name() string { return s.inner.Name() }

func (s *InstrumentedSource) Retrieve(ctx context.Context, req advisory.Request) ([]advisory.Candidate, error) {
	name := s.inner.Name()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "advisory.retrieve",
			trace.WithAttributes(
				attribute.String("advisory.source", name),
				attribute.String("advisory.tool", req.Tool),
			))
		defer span.End()
	}

	start := time.Now()
	candidates, err := s.inner.Retrieve(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if s.metrics != nil {
		s.metrics.SourceRetrievalsTotal.WithLabelValues(name, status).Inc()
		s.metrics.AdvisoryRetrievalLatency.WithLabelValues(name).Observe(duration)
	}

	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("advisory_source_" + name)
		} else {
			s.anomaly.RecordSuccess("advisory_source_" + name)
		}
	}

	return candidates, err
}

// --- InstrumentedSink ---

// InstrumentedSink wraps a pipeline.Sink with per-event tracing spans and
// duration/status metrics, so each fan-out target's cost and failure rate
// is visible independently.
type InstrumentedSink struct {
	inner   pipeline.Sink
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSink wraps a pipeline sink with observability.
func NewInstrumentedSink(inner pipeline.Sink, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSink {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSink{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (s *InstrumentedSink) Name() string { return s.inner.Name() }

func (s *InstrumentedSink) OnEvent(ctx context.Context, ev domain.Event) error {
	name := s.inner.Name()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "pipeline.sink",
			trace.WithAttributes(
				attribute.String("sink", name),
				attribute.String("event.kind", string(ev.Kind)),
			))
		defer span.End()
	}

	start := time.Now()
	err := s.inner.OnEvent(ctx, ev)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if s.metrics != nil {
		s.metrics.StoreOpsTotal.WithLabelValues("sink_"+name, "on_event", status).Inc()
		s.metrics.StoreOpDuration.WithLabelValues("sink_"+name, "on_event").Observe(duration)
	}

	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("sink_" + name)
		} else {
			s.anomaly.RecordSuccess("sink_" + name)
		}
	}

	return err
}

// --- Compile-time interface checks ---

var (
	_ advisory.Source = (*InstrumentedSource)(nil)
	_ pipeline.Sink   = (*InstrumentedSink)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

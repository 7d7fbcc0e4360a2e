package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kaitd/kaitd/internal/advisory"
	"github.com/kaitd/kaitd/internal/config"
	"github.com/kaitd/kaitd/internal/domain"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("nil observability should return nil tracer setup")
	}
}

// --- Metrics ---

func TestMetricsCollector_Registers(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("registry not created")
	}

	m.EventsIngestedTotal.WithLabelValues("Bash", "accepted").Inc()
	m.QueueDepth.Set(42)
	m.MetaRalphVerdictsTotal.WithLabelValues("quality", "").Inc()
	m.FeedbackSignalsTotal.WithLabelValues("followed").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := map[string]bool{
		"kaitd_ingest_events_total":       false,
		"kaitd_queue_depth":               false,
		"kaitd_metaralph_verdicts_total":  false,
		"kaitd_feedback_signals_total":    false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func counterValue(t *testing.T, c prometheus.Collector, match func(*dto.Metric) bool) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			continue
		}
		if match(&out) {
			if out.Counter != nil {
				return out.Counter.GetValue()
			}
		}
	}
	return 0
}

// --- Instrumented advisory source ---

type fakeSource struct {
	name string
	err  error
}

func (s fakeSource) Name() string { return s.name }
func (s fakeSource) Retrieve(context.Context, advisory.Request) ([]advisory.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []advisory.Candidate{{Text: "hint", Source: s.name, Score: 1}}, nil
}

func TestInstrumentedSource_Success(t *testing.T) {
	m := NewMetricsCollector()
	src := NewInstrumentedSource(fakeSource{name: "cognitive"}, m, nil, nil)

	cands, err := src.Retrieve(context.Background(), advisory.Request{Tool: "Read"})
	if err != nil || len(cands) != 1 {
		t.Fatalf("Retrieve = (%v, %v)", cands, err)
	}

	got := counterValue(t, m.SourceRetrievalsTotal, func(out *dto.Metric) bool {
		var source, status string
		for _, l := range out.Label {
			switch l.GetName() {
			case "source":
				source = l.GetValue()
			case "status":
				status = l.GetValue()
			}
		}
		return source == "cognitive" && status == "success"
	})
	if got != 1 {
		t.Errorf("success counter = %v, want 1", got)
	}
}

func TestInstrumentedSource_Error(t *testing.T) {
	m := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)
	src := NewInstrumentedSource(fakeSource{name: "eidos", err: errors.New("store offline")}, m, nil, anomaly)

	if _, err := src.Retrieve(context.Background(), advisory.Request{}); err == nil {
		t.Fatal("expected error passthrough")
	}

	got := counterValue(t, m.SourceRetrievalsTotal, func(out *dto.Metric) bool {
		for _, l := range out.Label {
			if l.GetName() == "status" && l.GetValue() == "error" {
				return true
			}
		}
		return false
	})
	if got != 1 {
		t.Errorf("error counter = %v, want 1", got)
	}
}

// --- Instrumented pipeline sink ---

type fakeSink struct {
	name string
	err  error
	seen int
}

func (s *fakeSink) Name() string { return s.name }
func (s *fakeSink) OnEvent(context.Context, domain.Event) error {
	s.seen++
	return s.err
}

func TestInstrumentedSink(t *testing.T) {
	m := NewMetricsCollector()
	inner := &fakeSink{name: "learning"}
	sink := NewInstrumentedSink(inner, m, nil, nil)

	if err := sink.OnEvent(context.Background(), domain.Event{Kind: domain.KindPreTool}); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if inner.seen != 1 {
		t.Error("inner sink not invoked")
	}

	inner.err = errors.New("sink down")
	if err := sink.OnEvent(context.Background(), domain.Event{}); err == nil {
		t.Error("expected error passthrough")
	}
}

// --- Health checker ---

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("queue", func(context.Context) error { return nil })
	h.AddCheck("pipeline", func(context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %s, want ok", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(status.Checks))
	}
}

func TestHealthChecker_Degraded(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("queue", func(context.Context) error { return nil })
	h.AddCheck("store", func(context.Context) error { return errors.New("degraded: read-only") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %s, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %s, want ok with no checks", status.Status)
	}
}

// --- Anomaly detection ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("x")
	a.RecordSuccess("x")
	a.RecordSuppression("s1")
}

func TestAnomalyDetector_Window(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.2, WindowSeconds: 300}, nil)
	for i := 0; i < 10; i++ {
		a.RecordError("ingest")
	}
	// No assertion beyond not panicking: the detector only logs. The
	// window math is covered through sum/prune below.
	w := &slidingWindow{window: time.Minute}
	w.add(1)
	w.add(1)
	if got := w.sum(); got != 2 {
		t.Errorf("sum = %v, want 2", got)
	}
	w.entries[0].timestamp = time.Now().Add(-2 * time.Minute)
	if got := w.sum(); got != 1 {
		t.Errorf("sum after prune = %v, want 1", got)
	}
}

// --- HTTP middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := HTTPMetricsMiddleware(m, nil, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	got := counterValue(t, m.HTTPRequestsTotal, func(out *dto.Metric) bool {
		for _, l := range out.Label {
			if l.GetName() == "status_code" && l.GetValue() == "202" {
				return true
			}
		}
		return false
	})
	if got != 1 {
		t.Errorf("request counter = %v, want 1", got)
	}
}

// Package ingest implements the HTTP event-ingest daemon: a loopback-bound
// okapi server accepting single-JSON or NDJSON event batches, assigning
// importance at acceptance, and appending to the durable queue. The daemon
// never blocks on pipeline progress; when the primary queue write fails it
// falls back to the overflow sidecar.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/heartbeat"
	"github.com/kaitd/kaitd/internal/memorycapture"
	"github.com/kaitd/kaitd/internal/observability"
	"github.com/kaitd/kaitd/internal/queue"
)

// MaxBatchBytes is the hard request-body cap: batches above 8 MiB are
// rejected with 413.
const MaxBatchBytes = 8 << 20

// Pressure reports queue state for backpressure decisions; the pipeline
// scheduler is the live implementation.
type Pressure interface {
	Depth() int
	LastCycleAge() time.Duration
	HardPressured() bool
}

// Config bundles the daemon tunables.
type Config struct {
	ListenAddr   string // default 127.0.0.1:8787
	Token        string // resolved bearer token
	Workers      int    // bounded in-flight request pool (default 32)
	HeartbeatDir string // directory holding *.heartbeat.json
	StaleAfter   time.Duration
	MetricsPath  string // empty disables /metrics
}

// Daemon is the ingest HTTP server.
type Daemon struct {
	cfg      Config
	queue    *queue.Queue
	pressure Pressure
	obs      *observability.Observability
	logger   *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// NewDaemon creates the ingest daemon.
func NewDaemon(cfg Config, q *queue.Queue, pressure Pressure, obs *observability.Observability, logger *slog.Logger) *Daemon {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return &Daemon{
		cfg:      cfg,
		queue:    q,
		pressure: pressure,
		obs:      obs,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// ErrorBody is the standard error response shape.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusResponse is the JSON body for GET /status.
type StatusResponse struct {
	QueueDepth    int                                   `json:"queue_depth"`
	LastCycleAgeS float64                               `json:"last_cycle_age_s"`
	Components    map[string]heartbeat.ComponentStatus `json:"components"`
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (d *Daemon) Start(ctx context.Context) error {
	if d.obs != nil && (d.obs.Metrics != nil || d.obs.Tracer != nil) {
		metrics := d.obs.Metrics
		tracer := d.obs.TracerOrNil().Tracer()
		d.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(metrics, tracer, next)
		})
	}

	// Bounded worker pool: excess connections queue on the semaphore
	// instead of fanning out unbounded goroutine work.
	sem := make(chan struct{}, d.cfg.Workers)
	d.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sem <- struct{}{}
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		})
	})

	d.okapi.HandleStd("POST", "/events", d.handleEvents)
	d.okapi.HandleStd("GET", "/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	d.okapi.Get("/status", d.handleStatus)

	if d.cfg.MetricsPath != "" && d.obs != nil && d.obs.Metrics != nil {
		d.okapi.HandleStd("GET", d.cfg.MetricsPath, observability.MetricsHandler(d.obs.Metrics))
	}

	d.server = &http.Server{
		Addr:              d.cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	d.logger.Info("ingest daemon starting", slog.String("addr", d.cfg.ListenAddr))
	return d.okapi.StartServer(d.server)
}

// Stop gracefully shuts down the HTTP server.
func (d *Daemon) Stop(_ context.Context) error {
	if d.server == nil {
		return nil
	}
	d.logger.Info("ingest daemon stopping")
	return d.okapi.Shutdown(d.server)
}

// handleEvents is the authenticated mutating endpoint. Body is one JSON
// event or an NDJSON batch; every accepted event is scored and appended
// atomically to the queue.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !d.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "missing or invalid bearer token"})
		return
	}

	if d.pressure != nil && d.pressure.HardPressured() {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "queue under pressure, retry later"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBatchBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: fmt.Sprintf("batch exceeds %d bytes", int64(MaxBatchBytes))})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "reading request body failed"})
		return
	}

	events, err := parseEvents(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "empty event payload"})
		return
	}

	accepted := 0
	for _, ev := range events {
		d.accept(ev)
		accepted++
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// accept finalizes one event and appends it durably: assign ID, timestamp,
// and importance, then write to the queue with jittered retries, falling
// back to the overflow sidecar.
func (d *Daemon) accept(ev domain.Event) {
	if ev.EventID == "" {
		ev.EventID = domain.NewEventID()
	}
	if ev.TsNS == 0 {
		ev.TsNS = time.Now().UnixNano()
	}
	ev.Importance = memorycapture.ScoreImportance(ev)

	entry := domain.QueueEntry{Event: ev, Priority: domain.PriorityFor(ev)}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = d.queue.Append(entry); err == nil {
			if d.obs != nil && d.obs.Metrics != nil {
				d.obs.Metrics.EventsIngestedTotal.WithLabelValues(ev.Tool, "accepted").Inc()
				d.obs.Metrics.QueueEnqueued.WithLabelValues(string(entry.Priority)).Inc()
			}
			return
		}
		time.Sleep(time.Duration(rand.Intn(10)+1) * time.Millisecond << attempt)
	}

	// The primary is unavailable: never block the hook, spill to the
	// sidecar instead.
	if oerr := d.queue.AppendOverflow(entry); oerr != nil {
		d.logger.Error("event dropped: primary and overflow writes failed",
			slog.String("event_id", ev.EventID),
			slog.String("primary_error", err.Error()),
			slog.String("overflow_error", oerr.Error()))
		return
	}
	if d.obs != nil && d.obs.Metrics != nil {
		d.obs.Metrics.QueueOverflowed.Inc()
	}
	d.logger.Warn("event routed to overflow sidecar", slog.String("event_id", ev.EventID))
}

func (d *Daemon) handleStatus(c *okapi.Context) error {
	resp := StatusResponse{Components: map[string]heartbeat.ComponentStatus{}}
	if d.pressure != nil {
		resp.QueueDepth = d.pressure.Depth()
		resp.LastCycleAgeS = d.pressure.LastCycleAge().Seconds()
	}
	if d.cfg.HeartbeatDir != "" {
		if components, err := heartbeat.ReadAll(d.cfg.HeartbeatDir, d.cfg.StaleAfter); err == nil {
			resp.Components = components
		}
	}
	if d.obs != nil && d.obs.Metrics != nil {
		d.obs.Metrics.QueueDepth.Set(float64(resp.QueueDepth))
	}
	return c.OK(resp)
}

// authorized validates the bearer token with a constant-time comparison.
func (d *Daemon) authorized(r *http.Request) bool {
	if d.cfg.Token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(d.cfg.Token)) == 1
}

// parseEvents decodes one JSON event or an NDJSON batch. Every line must
// parse and carry a valid kind and session; a malformed line rejects the
// whole request (bad input is never retried).
func parseEvents(body []byte) ([]domain.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var events []domain.Event
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxBatchBytes)
	line := 0
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line++
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("malformed JSON on line %d", line)
		}
		if err := validate(ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning batch: %w", err)
	}
	return events, nil
}

func validate(ev domain.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

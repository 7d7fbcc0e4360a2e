// Package pipeline implements the priority-ordered batch scheduler that
// owns the queue's read side: each cycle reads a batch, partitions it by
// priority, fans every kept event out to the registered sinks, then
// commits the new offset. Only complete batches commit; a panic mid-cycle
// skips the batch without advancing, and re-processing is idempotent
// because every sink keys its work by event_id.
package pipeline

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/queue"
)

// Sink consumes processed events. Sinks must be idempotent keyed by
// event_id: the same event may arrive again after a crash.
type Sink interface {
	Name() string
	OnEvent(ctx context.Context, ev domain.Event) error
}

// Config bundles the scheduler tunables.
type Config struct {
	BatchMax     int           // events per cycle (default 1000)
	Interval     time.Duration // idle delay between cycles (default 250ms)
	LowKeepRate  float64       // sampling rate for importance < 0.3 (default 0.25)
	SoftPressure int           // queue depth that doubles the batch (default 5000)
	HardPressure int           // queue depth where ingest returns 429 (default 20000)
	StatsPath    string        // batch-stats file, rewritten per cycle
}

func (c *Config) setDefaults() {
	if c.BatchMax <= 0 {
		c.BatchMax = 1000
	}
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.LowKeepRate <= 0 {
		c.LowKeepRate = 0.25
	}
	if c.SoftPressure <= 0 {
		c.SoftPressure = 5000
	}
	if c.HardPressure <= 0 {
		c.HardPressure = 20000
	}
}

// Stats is the persisted per-cycle accounting.
type Stats struct {
	EventsProcessed int64     `json:"events_processed"`
	InsightsCreated int64     `json:"insights_created"`
	DurationMS      int64     `json:"duration_ms"`
	EmptyCycles     int64     `json:"empty_cycles"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
}

// Scheduler is the single pipeline loop. Exactly one Scheduler owns a
// queue's read side.
type Scheduler struct {
	queue  *queue.Queue
	sinks  []Sink
	cfg    Config
	logger *slog.Logger

	insightsCreated atomic.Int64
	eventsTotal     atomic.Int64
	emptyCycles     atomic.Int64
	lastCycle       atomic.Int64 // unix nanos
}

// NewScheduler creates a Scheduler over the queue and sinks.
func NewScheduler(q *queue.Queue, sinks []Sink, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{queue: q, sinks: sinks, cfg: cfg, logger: logger}
}

// IncInsights is called by sink wiring when a quality insight lands.
func (s *Scheduler) IncInsights() { s.insightsCreated.Add(1) }

// LastCycleAge returns how long ago the last cycle completed.
func (s *Scheduler) LastCycleAge() time.Duration {
	ns := s.lastCycle.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}

// Depth reports the current queue depth.
func (s *Scheduler) Depth() int { return s.queue.Depth() }

// HardPressured reports whether ingest should shed load with 429s.
func (s *Scheduler) HardPressured() bool { return s.queue.Depth() > s.cfg.HardPressure }

// Run drives cycles until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "pipeline scheduler started",
		slog.Int("batch_max", s.cfg.BatchMax),
		slog.Float64("low_keep_rate", s.cfg.LowKeepRate),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pipeline scheduler stopped")
			return
		default:
		}

		n := s.Cycle(ctx)
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Interval):
			}
		}
	}
}

// Cycle processes one batch and returns the number of events consumed.
// A panic anywhere in the batch is recovered: the offset is not advanced
// and the next cycle retries the same events.
func (s *Scheduler) Cycle(ctx context.Context) (consumed int) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline cycle panicked, batch skipped", slog.Any("panic", r))
			consumed = 0
		}
	}()

	batchMax := s.cfg.BatchMax
	if s.queue.Depth() > s.cfg.SoftPressure {
		batchMax *= 2
	}

	entries, tok, err := s.queue.ReadBatch(batchMax)
	if err != nil {
		s.logger.Error("queue read failed", slog.String("error", err.Error()))
		return 0
	}

	if len(entries) == 0 {
		// Idle housekeeping: fold the overflow sidecar back in and rotate
		// if the primary is past the threshold.
		if merged, err := s.queue.MergeOverflow(); err != nil {
			s.logger.Warn("overflow merge failed", slog.String("error", err.Error()))
		} else if merged > 0 {
			s.logger.Info("overflow merged", slog.Int("records", merged))
		}
		if _, err := s.queue.MaybeRotate(); err != nil {
			s.logger.Warn("queue rotation failed", slog.String("error", err.Error()))
		}
		s.emptyCycles.Add(1)
		s.lastCycle.Store(time.Now().UnixNano())
		s.persistStats(time.Since(start))
		return 0
	}

	for _, entry := range partition(entries) {
		ev := entry.Event
		if !s.keep(ev) {
			continue
		}
		for _, sink := range s.sinks {
			if err := sink.OnEvent(ctx, ev); err != nil {
				// A sink failure is transient or invariant-level: log and
				// keep going, never stall the batch.
				s.logger.Warn("sink failed",
					slog.String("sink", sink.Name()),
					slog.String("event_id", ev.EventID),
					slog.String("error", err.Error()))
			}
		}
	}

	if err := s.queue.Commit(tok); err != nil {
		s.logger.Error("offset commit failed", slog.String("error", err.Error()))
		return 0
	}

	s.eventsTotal.Add(int64(len(entries)))
	s.lastCycle.Store(time.Now().UnixNano())
	s.persistStats(time.Since(start))
	return len(entries)
}

// partition orders a batch HIGH, MEDIUM, then LOW, preserving arrival
// order within each band so per-session ordering survives.
func partition(entries []domain.QueueEntry) []domain.QueueEntry {
	out := make([]domain.QueueEntry, 0, len(entries))
	for _, p := range []domain.QueuePriority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
		for _, e := range entries {
			if e.Priority == p {
				out = append(out, e)
			}
		}
	}
	return out
}

// keep applies importance sampling: low-importance events survive at the
// keep rate. The decision hashes the event ID so crash re-processing makes
// the same choice.
func (s *Scheduler) keep(ev domain.Event) bool {
	if ev.Importance >= 0.3 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.EventID))
	return float64(h.Sum32()%1000) < s.cfg.LowKeepRate*1000
}

func (s *Scheduler) persistStats(dur time.Duration) {
	if s.cfg.StatsPath == "" {
		return
	}
	stats := Stats{
		EventsProcessed: s.eventsTotal.Load(),
		InsightsCreated: s.insightsCreated.Load(),
		DurationMS:      dur.Milliseconds(),
		EmptyCycles:     s.emptyCycles.Load(),
		LastCycleAt:     time.Unix(0, s.lastCycle.Load()).UTC(),
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return
	}
	tmp := s.cfg.StatsPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.cfg.StatsPath), 0750); err != nil {
		return
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return
	}
	_ = os.Rename(tmp, s.cfg.StatsPath)
}

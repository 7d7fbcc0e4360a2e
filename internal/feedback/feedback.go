// Package feedback implements the implicit feedback loop: every emitted
// advice item is tracked as an Exposure keyed by (session, tool,
// advice_id), and the next tool event for the same session resolves it —
// success validates the advice's source insights, failure contradicts
// them, a different tool within the timeout counts as ignored. Exposures
// that see nothing expire silently.
//
// Exposure state machine: pending → matched(followed|unhelpful) | ignored
// | expired. All four ends are terminal.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

// Validator receives reliability updates for insight keys. The cognitive
// store is the live implementation.
type Validator interface {
	Validate(key, eventID string) error
	Contradict(key, eventID string) error
}

// Ledger receives FeedbackEntry records as newline-delimited JSON.
type Ledger interface {
	Append(record any) error
}

// Tracker holds in-flight exposures awaiting resolution. It implements
// the advisory engine's Exposures interface so emitted items register
// automatically. Thread-safe.
type Tracker struct {
	mu        sync.Mutex
	pending   map[string]*domain.Exposure // advice_id → exposure
	timeout   time.Duration               // different-tool window
	expiry    time.Duration               // hard exposure lifetime
	now       func() time.Time
}

// NewTracker creates a Tracker. Defaults: 30s ignore timeout, 5m expiry.
func NewTracker(timeout, expiry time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &Tracker{
		pending: make(map[string]*domain.Exposure),
		timeout: timeout,
		expiry:  expiry,
		now:     time.Now,
	}
}

// Track registers a freshly emitted advice item.
func (t *Tracker) Track(sessionID, tool, adviceID string, keys, sources []string) {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[adviceID] = &domain.Exposure{
		SessionID:   sessionID,
		Tool:        tool,
		AdviceID:    adviceID,
		InsightKeys: append([]string(nil), keys...),
		Sources:     append([]string(nil), sources...),
		ExposedAt:   now,
		TimeoutAt:   now.Add(t.timeout),
		ExpiresAt:   now.Add(t.expiry),
	}
}

// takeForSession removes and returns the session's pending exposures.
func (t *Tracker) takeForSession(sessionID string) []domain.Exposure {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Exposure
	for id, e := range t.pending {
		if e.SessionID == sessionID {
			out = append(out, *e)
			delete(t.pending, id)
		}
	}
	return out
}

// keep restores an exposure that the current event did not resolve.
func (t *Tracker) keep(e domain.Exposure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := e
	t.pending[e.AdviceID] = &cp
}

// SweepExpired drops every exposure past its hard expiry.
func (t *Tracker) SweepExpired() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for id, e := range t.pending {
		if now.After(e.ExpiresAt) {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

// Pending returns the number of unresolved exposures.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Matcher consumes the processed-event stream and pairs exposures with
// outcomes, feeding reliability updates back into the cognitive store.
type Matcher struct {
	tracker   *Tracker
	validator Validator
	ledger    Ledger
	logger    *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{} // event_id|advice_id pairs already applied
}

// NewMatcher creates a Matcher.
func NewMatcher(tracker *Tracker, validator Validator, ledger Ledger, logger *slog.Logger) *Matcher {
	return &Matcher{
		tracker:   tracker,
		validator: validator,
		ledger:    ledger,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// OnEvent resolves the session's pending exposures against one event.
// Replaying the same (event_id, advice_id) pair is detected and skipped, so
// crash-replayed batches never double-count reliability updates.
func (m *Matcher) OnEvent(ctx context.Context, ev domain.Event) {
	if ev.Kind == domain.KindUserPrompt {
		return
	}

	for _, exp := range m.tracker.takeForSession(ev.SessionID) {
		if m.applied(ev.EventID, exp.AdviceID) {
			continue
		}

		eventTime := time.Unix(0, ev.TsNS).UTC()
		if ev.TsNS == 0 {
			eventTime = time.Now().UTC()
		}

		switch {
		case ev.Tool == exp.Tool && ev.Kind == domain.KindPostTool:
			m.resolve(ctx, exp, ev, domain.SignalFollowed, true, eventTime)
		case ev.Tool == exp.Tool && ev.Kind == domain.KindPostToolFailure:
			m.resolve(ctx, exp, ev, domain.SignalUnhelpful, false, eventTime)
		case ev.Tool != exp.Tool && eventTime.Before(exp.TimeoutAt):
			// A different tool inside the window: the advice was ignored.
			// Rate tracking only, no reliability update.
			m.record(exp, ev.Tool, domain.SignalIgnored, false, eventTime)
			m.markApplied(ev.EventID, exp.AdviceID)
		default:
			// Same tool pre_tool, or a different tool past the window:
			// leave the exposure pending until it matches or expires.
			m.tracker.keep(exp)
		}
	}
}

func (m *Matcher) resolve(ctx context.Context, exp domain.Exposure, ev domain.Event, signal domain.FeedbackSignal, success bool, eventTime time.Time) {
	for _, key := range exp.InsightKeys {
		if key == "" || m.validator == nil {
			continue
		}
		var err error
		if success {
			err = m.validator.Validate(key, ev.EventID)
		} else {
			err = m.validator.Contradict(key, ev.EventID)
		}
		if err != nil && m.logger != nil {
			m.logger.WarnContext(ctx, "reliability update failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	m.record(exp, exp.Tool, signal, success, eventTime)
	m.markApplied(ev.EventID, exp.AdviceID)
}

func (m *Matcher) record(exp domain.Exposure, tool string, signal domain.FeedbackSignal, success bool, eventTime time.Time) {
	if m.ledger == nil {
		return
	}
	entry := domain.FeedbackEntry{
		AdviceID:    exp.AdviceID,
		Tool:        tool,
		Signal:      signal,
		Success:     success,
		SourcesUsed: exp.Sources,
		LatencyS:    eventTime.Sub(exp.ExposedAt).Seconds(),
	}
	if err := m.ledger.Append(entry); err != nil && m.logger != nil {
		m.logger.Warn("writing feedback ledger failed", slog.String("error", err.Error()))
	}
}

func (m *Matcher) applied(eventID, adviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID+"|"+adviceID]
	return ok
}

func (m *Matcher) markApplied(eventID, adviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID+"|"+adviceID] = struct{}{}
}

// RunSweeper expires stale exposures on the given interval until ctx is
// canceled.
func (m *Matcher) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.tracker.SweepExpired(); n > 0 && m.logger != nil {
				m.logger.Debug("expired exposures swept", slog.Int("count", n))
			}
		}
	}
}

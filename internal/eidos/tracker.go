package eidos

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaitd/kaitd/internal/domain"
)

// Tracker maintains the per-session episode/step state machines:
//
//	Step:    open → sealed_success | sealed_failure | abandoned
//	Episode: active → consolidating → closed{success|failure|abandoned}
//
// At most one episode and at most one step are active per session. Seal
// events for the same session are serialized through the session's
// active-step pointer: the pipeline feeds the tracker from a single
// goroutine, in ingest order within a session.
type Tracker struct {
	episodes       EpisodeStore
	steps          StepStore
	stepTimeout    time.Duration
	sessionTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewTracker creates a Tracker. Zero timeouts fall back to 2 minutes per
// step and 30 minutes of session idle.
func NewTracker(episodes EpisodeStore, steps StepStore, stepTimeout, sessionTimeout time.Duration, logger *slog.Logger) *Tracker {
	if stepTimeout <= 0 {
		stepTimeout = 2 * time.Minute
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}
	return &Tracker{
		episodes:       episodes,
		steps:          steps,
		stepTimeout:    stepTimeout,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// OnEvent advances the session's state machines for one event.
func (t *Tracker) OnEvent(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.KindUserPrompt:
		return t.onUserPrompt(ctx, ev)
	case domain.KindPreTool:
		return t.onPreTool(ctx, ev)
	case domain.KindPostTool:
		return t.sealOpenStep(ctx, ev, domain.StepSuccess, domain.EvalPassed)
	case domain.KindPostToolFailure:
		return t.sealOpenStep(ctx, ev, domain.StepFailure, domain.EvalFailed)
	}
	return nil
}

func (t *Tracker) onUserPrompt(ctx context.Context, ev domain.Event) error {
	ep, err := t.episodes.ActiveBySession(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("looking up active episode: %w", err)
	}
	if ep == nil {
		if _, err := t.startEpisode(ctx, ev); err != nil {
			return err
		}
	}

	// A step left open past its timeout is force-sealed as abandoned.
	step, err := t.steps.OpenBySession(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("looking up open step: %w", err)
	}
	if step != nil && ev.TsNS-step.OpenedNS > t.stepTimeout.Nanoseconds() {
		return t.abandonStep(ctx, step, ev.TsNS)
	}
	return nil
}

func (t *Tracker) onPreTool(ctx context.Context, ev domain.Event) error {
	ep, err := t.ensureEpisode(ctx, ev)
	if err != nil {
		return err
	}

	// Only one step may be open per session; a stale open step means its
	// post_tool never arrived.
	if prev, err := t.steps.OpenBySession(ctx, ev.SessionID); err != nil {
		return fmt.Errorf("looking up open step: %w", err)
	} else if prev != nil {
		if err := t.abandonStep(ctx, prev, ev.TsNS); err != nil {
			return err
		}
	}

	step := &domain.Step{
		StepID:     uuid.NewString(),
		EpisodeID:  ep.EpisodeID,
		SessionID:  ev.SessionID,
		Tool:       ev.Tool,
		Decision:   describeDecision(ev),
		ActionKind: domain.ActionToolCall,
		Prediction: predict(ev),
		Evaluation: domain.EvalOpen,
		OpenedNS:   ev.TsNS,
	}
	if err := t.steps.Create(ctx, step); err != nil {
		return fmt.Errorf("opening step: %w", err)
	}
	return nil
}

func (t *Tracker) sealOpenStep(ctx context.Context, ev domain.Event, outcome domain.StepOutcome, eval domain.StepEvaluation) error {
	step, err := t.steps.OpenBySession(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("looking up open step: %w", err)
	}
	if step == nil {
		// A post without a matching pre: tolerated, nothing to seal.
		return nil
	}
	step.Outcome = outcome
	step.Evaluation = eval
	step.SealedNS = ev.TsNS
	if err := t.steps.Update(ctx, step); err != nil {
		return fmt.Errorf("sealing step: %w", err)
	}

	// First sealed step moves the episode from explore to execute.
	ep, err := t.episodes.Get(ctx, step.EpisodeID)
	if err == nil && ep != nil && ep.Phase == domain.PhaseExplore {
		ep.Phase = domain.PhaseExecute
		if err := t.episodes.Update(ctx, ep); err != nil {
			return fmt.Errorf("advancing episode phase: %w", err)
		}
	}
	return nil
}

func (t *Tracker) abandonStep(ctx context.Context, step *domain.Step, tsNS int64) error {
	step.Outcome = domain.StepAbandoned
	step.Evaluation = domain.EvalFailed
	step.SealedNS = tsNS
	if err := t.steps.Update(ctx, step); err != nil {
		return fmt.Errorf("abandoning step: %w", err)
	}
	if t.logger != nil {
		t.logger.Debug("step force-sealed as abandoned",
			slog.String("step_id", step.StepID), slog.String("session_id", step.SessionID))
	}
	return nil
}

func (t *Tracker) ensureEpisode(ctx context.Context, ev domain.Event) (*domain.Episode, error) {
	ep, err := t.episodes.ActiveBySession(ctx, ev.SessionID)
	if err != nil {
		return nil, fmt.Errorf("looking up active episode: %w", err)
	}
	if ep != nil {
		return ep, nil
	}
	return t.startEpisode(ctx, ev)
}

func (t *Tracker) startEpisode(ctx context.Context, ev domain.Event) (*domain.Episode, error) {
	goal := ev.Text
	if ev.Kind != domain.KindUserPrompt || goal == "" {
		goal = "unstated goal (session " + ev.SessionID + ")"
	}
	if len(goal) > 200 {
		goal = goal[:200]
	}
	ep := &domain.Episode{
		EpisodeID: uuid.NewString(),
		SessionID: ev.SessionID,
		Goal:      goal,
		Phase:     domain.PhaseExplore,
		Outcome:   domain.OutcomeActive,
		StartedNS: ev.TsNS,
	}
	if err := t.episodes.Create(ctx, ep); err != nil {
		return nil, fmt.Errorf("starting episode: %w", err)
	}
	return ep, nil
}

// SweepIdle closes episodes whose session has been idle past the session
// timeout: any open step is force-sealed as abandoned, the episode enters
// consolidate phase, step_count is fixed to the sealed-step count, and the
// outcome is derived from the final sealed step. Returns the episodes
// closed this pass.
func (t *Tracker) SweepIdle(ctx context.Context) ([]domain.Episode, error) {
	cutoff := t.now().Add(-t.sessionTimeout).UnixNano()
	idle, err := t.episodes.ListActiveIdleSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing idle episodes: %w", err)
	}

	var closed []domain.Episode
	for i := range idle {
		ep := idle[i]
		if step, err := t.steps.OpenBySession(ctx, ep.SessionID); err == nil && step != nil {
			if err := t.abandonStep(ctx, step, t.now().UnixNano()); err != nil {
				return closed, err
			}
		}

		steps, err := t.steps.ListByEpisode(ctx, ep.EpisodeID)
		if err != nil {
			return closed, fmt.Errorf("listing episode steps: %w", err)
		}

		ep.Phase = domain.PhaseConsolidate
		ep.Outcome = deriveOutcome(steps)
		ep.EndedNS = t.now().UnixNano()
		ep.StepCount = countSealed(steps)
		if err := t.episodes.Update(ctx, &ep); err != nil {
			return closed, fmt.Errorf("closing episode: %w", err)
		}
		closed = append(closed, ep)

		if t.logger != nil {
			t.logger.Info("episode closed",
				slog.String("episode_id", ep.EpisodeID),
				slog.String("outcome", string(ep.Outcome)),
				slog.Int("steps", ep.StepCount))
		}
	}
	return closed, nil
}

// deriveOutcome reads the episode's disposition off its final sealed step:
// the last thing that happened is what the session ended on.
func deriveOutcome(steps []domain.Step) domain.EpisodeOutcome {
	var last *domain.Step
	for i := range steps {
		s := &steps[i]
		if s.Open() {
			continue
		}
		if last == nil || s.SealedNS > last.SealedNS {
			last = s
		}
	}
	if last == nil {
		return domain.OutcomeAbandoned
	}
	switch last.Outcome {
	case domain.StepSuccess:
		return domain.OutcomeSuccess
	case domain.StepFailure:
		return domain.OutcomeFailure
	}
	return domain.OutcomeAbandoned
}

func countSealed(steps []domain.Step) int {
	var n int
	for _, s := range steps {
		if !s.Open() {
			n++
		}
	}
	return n
}

// describeDecision renders the agent's choice as text for clustering and
// retrieval: the tool plus the head of its arguments.
func describeDecision(ev domain.Event) string {
	head := argHead(ev.ToolArgs)
	if head == "" {
		return "call " + ev.Tool
	}
	return "call " + ev.Tool + " " + head
}

// argHead extracts the most identifying argument value, preferring the
// conventional primary keys.
func argHead(args map[string]any) string {
	for _, key := range []string{"command", "path", "file_path", "pattern", "url", "query"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				if len(s) > 80 {
					s = s[:80]
				}
				return s
			}
		}
	}
	return ""
}

// predict renders the step's success-probability estimate. Without a
// model, the estimate is a fixed prior worded for later evaluation.
func predict(ev domain.Event) string {
	if ev.Importance >= 0.7 {
		return "high-stakes " + ev.Tool + " call, expecting success"
	}
	return "routine " + ev.Tool + " call, expecting success"
}

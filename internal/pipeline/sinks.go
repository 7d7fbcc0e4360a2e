package pipeline

import (
	"context"
	"log/slog"

	"github.com/kaitd/kaitd/internal/bus"
	"github.com/kaitd/kaitd/internal/cognitive"
	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/eidos"
	"github.com/kaitd/kaitd/internal/feedback"
	"github.com/kaitd/kaitd/internal/memorycapture"
	"github.com/kaitd/kaitd/internal/metaralph"
)

// LearningSink runs memory capture over each event and pushes surviving
// Pending Memories through Meta-Ralph; quality verdicts land in the
// cognitive store and are announced on the bus.
type LearningSink struct {
	scorer    *memorycapture.Scorer
	gate      *metaralph.Gate
	store     *cognitive.Store
	events    *bus.Bus
	onInsight func()
	logger    *slog.Logger
}

// NewLearningSink wires capture → gate → store. onInsight (optional) is
// called once per created insight, for batch stats.
func NewLearningSink(scorer *memorycapture.Scorer, gate *metaralph.Gate, store *cognitive.Store, events *bus.Bus, onInsight func(), logger *slog.Logger) *LearningSink {
	return &LearningSink{scorer: scorer, gate: gate, store: store, events: events, onInsight: onInsight, logger: logger}
}

func (s *LearningSink) Name() string { return "learning" }

func (s *LearningSink) OnEvent(_ context.Context, ev domain.Event) error {
	mem, ok := s.scorer.Capture(ev)
	if !ok {
		return nil
	}

	verdict, fresh := s.gate.Roast(mem)
	if !fresh || verdict.Class != domain.VerdictQuality {
		return nil
	}

	statement := verdict.RefinedVersion
	if statement == "" {
		statement = mem.Statement
	}
	in, err := s.store.Upsert(domain.Insight{
		Category:  mem.Category,
		Statement: statement,
		Tool:      mem.Tool,
		Source:    ev.Source,
		Evidence:  []string{ev.EventID},
	})
	if err != nil {
		return err
	}

	if s.onInsight != nil {
		s.onInsight()
	}
	if s.events != nil {
		s.events.PublishInsightUpserted(bus.InsightUpserted{Insight: in, EventID: ev.EventID})
	}
	if s.logger != nil {
		s.logger.Debug("insight created",
			slog.String("key", in.Key),
			slog.String("category", string(in.Category)))
	}
	return nil
}

// EidosSink advances the episode/step state machines for each event.
type EidosSink struct {
	tracker *eidos.Tracker
}

func NewEidosSink(tracker *eidos.Tracker) *EidosSink {
	return &EidosSink{tracker: tracker}
}

func (s *EidosSink) Name() string { return "eidos" }

func (s *EidosSink) OnEvent(ctx context.Context, ev domain.Event) error {
	return s.tracker.OnEvent(ctx, ev)
}

// FeedbackSink feeds processed events to the implicit-feedback matcher so
// exposures pair with outcomes. This is the predictions/outcomes linker.
type FeedbackSink struct {
	matcher *feedback.Matcher
}

func NewFeedbackSink(matcher *feedback.Matcher) *FeedbackSink {
	return &FeedbackSink{matcher: matcher}
}

func (s *FeedbackSink) Name() string { return "feedback" }

func (s *FeedbackSink) OnEvent(ctx context.Context, ev domain.Event) error {
	s.matcher.OnEvent(ctx, ev)
	return nil
}

// ChipsObserver is the pluggable gamification hook. The open-source build
// ships only the no-op implementation; the sink stays in the fan-out so a
// plugin can drop in without pipeline changes.
type ChipsObserver interface {
	Observe(ev domain.Event)
}

// ChipsSink adapts a ChipsObserver to the Sink interface.
type ChipsSink struct {
	observer ChipsObserver
}

func NewChipsSink(observer ChipsObserver) *ChipsSink {
	return &ChipsSink{observer: observer}
}

func (s *ChipsSink) Name() string { return "chips" }

func (s *ChipsSink) OnEvent(_ context.Context, ev domain.Event) error {
	if s.observer != nil {
		s.observer.Observe(ev)
	}
	return nil
}

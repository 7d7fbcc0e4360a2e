package eidos

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kaitd/kaitd/internal/domain"
)

// Aggregator distills closed episodes: sealed steps are clustered by
// (decision-template, tool) and each sufficiently supported cluster is
// emitted as a Distillation. A single highly reliable failure becomes a
// sharp edge without waiting for repetition.
type Aggregator struct {
	episodes      EpisodeStore
	steps         StepStore
	distillations DistillationStore
	minSteps      int // episode must have at least this many sealed steps
	validateMin   int // cluster support needed for a routine distillation
	logger        *slog.Logger
	now           func() time.Time
}

// NewAggregator creates an Aggregator. minSteps defaults to 5 and
// validateMin to 3 when zero.
func NewAggregator(episodes EpisodeStore, steps StepStore, distillations DistillationStore, minSteps, validateMin int, logger *slog.Logger) *Aggregator {
	if minSteps <= 0 {
		minSteps = 5
	}
	if validateMin <= 0 {
		validateMin = 3
	}
	return &Aggregator{
		episodes:      episodes,
		steps:         steps,
		distillations: distillations,
		minSteps:      minSteps,
		validateMin:   validateMin,
		logger:        logger,
		now:           time.Now,
	}
}

type cluster struct {
	tool     string
	template string
	steps    []domain.Step
	failures int
}

// Run consumes up to limit closed, unaggregated episodes and returns the
// distillations created or reinforced. An error in one cluster skips that
// cluster; the store is never left with a partial cluster write.
func (a *Aggregator) Run(ctx context.Context, limit int) ([]domain.Distillation, error) {
	episodes, err := a.episodes.ListClosedUnaggregated(ctx, a.minSteps, limit)
	if err != nil {
		return nil, fmt.Errorf("listing closed episodes: %w", err)
	}

	var touched []domain.Distillation
	for _, ep := range episodes {
		steps, err := a.steps.ListByEpisode(ctx, ep.EpisodeID)
		if err != nil {
			return touched, fmt.Errorf("listing steps for episode %s: %w", ep.EpisodeID, err)
		}

		for _, c := range clusterSteps(steps) {
			d, ok := a.distill(c)
			if !ok {
				continue
			}
			if err := a.persist(ctx, d); err != nil {
				if a.logger != nil {
					a.logger.Warn("skipping cluster after store error",
						slog.String("tool", c.tool), slog.String("error", err.Error()))
				}
				continue
			}
			touched = append(touched, *d)
		}

		if err := a.episodes.MarkAggregated(ctx, ep.EpisodeID); err != nil {
			return touched, fmt.Errorf("marking episode aggregated: %w", err)
		}
	}
	return touched, nil
}

// clusterSteps groups sealed steps by (decision template, tool),
// deterministically ordered for stable output.
func clusterSteps(steps []domain.Step) []cluster {
	type key struct{ tool, template string }
	groups := make(map[key]*cluster)
	for _, s := range steps {
		if s.Open() || s.Outcome == domain.StepAbandoned {
			continue
		}
		k := key{tool: s.Tool, template: DecisionTemplate(s.Decision)}
		c, ok := groups[k]
		if !ok {
			c = &cluster{tool: k.tool, template: k.template}
			groups[k] = c
		}
		c.steps = append(c.steps, s)
		if s.Outcome == domain.StepFailure {
			c.failures++
		}
	}

	out := make([]cluster, 0, len(groups))
	for _, c := range groups {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].tool != out[j].tool {
			return out[i].tool < out[j].tool
		}
		return out[i].template < out[j].template
	})
	return out
}

// distill decides whether a cluster warrants a distillation and builds it.
func (a *Aggregator) distill(c cluster) (*domain.Distillation, bool) {
	n := len(c.steps)
	failureRate := float64(c.failures) / float64(n)

	var dtype domain.DistillationType
	switch {
	case n >= a.validateMin && c.failures == 0:
		dtype = domain.DistillationHeuristic
	case n >= a.validateMin && failureRate >= 0.8:
		dtype = domain.DistillationAntiPattern
	case n >= a.validateMin:
		dtype = domain.DistillationPolicy
	case n >= 1 && c.failures == n:
		// A lone reliable failure is a sharp edge worth surfacing now.
		dtype = domain.DistillationSharpEdge
	default:
		return nil, false
	}

	stepIDs := make([]string, 0, n)
	for _, s := range c.steps {
		stepIDs = append(stepIDs, s.StepID)
	}

	d := &domain.Distillation{
		DistillationID:     uuid.NewString(),
		Type:               dtype,
		Statement:          statementFor(dtype, c),
		Tool:               c.tool,
		ValidationCount:    n - c.failures,
		ContradictionCount: c.failures,
		SourceStepIDs:      stepIDs,
		Domains:            []string{"tooling"},
		Triggers:           Triggers(c.tool, c.template),
		CreatedAt:          a.now().UTC(),
	}
	d.Confidence = ModelFor(dtype).Score(n, failureRate)
	return d, true
}

// persist merges the distillation with an existing one sharing its tool
// and primary trigger set, or creates it fresh.
func (a *Aggregator) persist(ctx context.Context, d *domain.Distillation) error {
	existing, err := a.distillations.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range existing {
		e := &existing[i]
		if e.Tool != d.Tool || e.Type != d.Type || !sameTriggers(e.Triggers, d.Triggers) {
			continue
		}
		e.ValidationCount += d.ValidationCount
		e.ContradictionCount += d.ContradictionCount
		e.SourceStepIDs = append(e.SourceStepIDs, d.SourceStepIDs...)
		n := e.ValidationCount + e.ContradictionCount
		failureRate := float64(e.ContradictionCount) / float64(n)
		e.Confidence = ModelFor(e.Type).Score(n, failureRate)
		if err := a.distillations.Update(ctx, e); err != nil {
			return err
		}
		*d = *e
		return nil
	}
	return a.distillations.Create(ctx, d)
}

func sameTriggers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func statementFor(dtype domain.DistillationType, c cluster) string {
	n := len(c.steps)
	switch dtype {
	case domain.DistillationHeuristic:
		return fmt.Sprintf("%s calls matching %q succeed consistently (%d observations)", c.tool, c.template, n)
	case domain.DistillationPolicy:
		return fmt.Sprintf("%s calls matching %q mostly succeed but have failed %d of %d times; verify inputs first", c.tool, c.template, c.failures, n)
	case domain.DistillationAntiPattern:
		return fmt.Sprintf("%s calls matching %q fail almost every time (%d of %d); avoid this approach", c.tool, c.template, c.failures, n)
	case domain.DistillationSharpEdge:
		return fmt.Sprintf("%s call matching %q failed outright; treat this pattern as a sharp edge", c.tool, c.template)
	}
	return ""
}

// Package eidos implements episodic intelligence: per-session Episode and
// Step capture (predict-act-evaluate triples) plus an Aggregator that
// clusters sealed steps into reusable Distillations.
package eidos

import (
	"context"
	"regexp"
	"strings"

	"github.com/kaitd/kaitd/internal/domain"
)

// EpisodeStore persists Episodes. Implemented by the storage backends.
type EpisodeStore interface {
	Create(ctx context.Context, e *domain.Episode) error
	Update(ctx context.Context, e *domain.Episode) error
	Get(ctx context.Context, episodeID string) (*domain.Episode, error)
	// ActiveBySession returns the session's active episode, or nil.
	ActiveBySession(ctx context.Context, sessionID string) (*domain.Episode, error)
	// ListClosedUnaggregated returns closed episodes with at least minSteps
	// sealed steps that the aggregator has not yet consumed.
	ListClosedUnaggregated(ctx context.Context, minSteps, limit int) ([]domain.Episode, error)
	MarkAggregated(ctx context.Context, episodeID string) error
	// ListActiveIdleSince returns active episodes whose session has been
	// quiet since before the cutoff (by last step activity).
	ListActiveIdleSince(ctx context.Context, cutoffNS int64) ([]domain.Episode, error)
}

// StepStore persists Steps.
type StepStore interface {
	Create(ctx context.Context, s *domain.Step) error
	Update(ctx context.Context, s *domain.Step) error
	// OpenBySession returns the session's open step, or nil.
	OpenBySession(ctx context.Context, sessionID string) (*domain.Step, error)
	ListByEpisode(ctx context.Context, episodeID string) ([]domain.Step, error)
	CountSealed(ctx context.Context, episodeID string) (int, error)
}

// DistillationStore persists Distillations.
type DistillationStore interface {
	Create(ctx context.Context, d *domain.Distillation) error
	Update(ctx context.Context, d *domain.Distillation) error
	Get(ctx context.Context, distillationID string) (*domain.Distillation, error)
	ListAll(ctx context.Context) ([]domain.Distillation, error)
	// MarkRetrieved bumps times_retrieved for the given distillations.
	MarkRetrieved(ctx context.Context, distillationIDs []string) error
}

// ConfidenceModel scores a distillation's confidence from its cluster.
// Heuristic and sharp-edge confidence diverge deliberately: a routine
// pattern needs repetition to trust, a footgun observed once is worth
// surfacing immediately. Kept as separate strategies rather than one
// formula.
type ConfidenceModel interface {
	Score(sampleSize int, failureRate float64) float64
}

// HeuristicConfidence scales with sample size on a saturating curve: two
// observations reach half confidence, ten reach ~0.83, consistency scales
// the result down.
type HeuristicConfidence struct{}

func (HeuristicConfidence) Score(sampleSize int, failureRate float64) float64 {
	if sampleSize <= 0 {
		return 0
	}
	sizeFactor := 1 - 1/(1+float64(sampleSize)/2)
	return sizeFactor * (1 - failureRate)
}

// SharpEdgeConfidence grants usable confidence from a single severe
// observation and grows slowly with repetition.
type SharpEdgeConfidence struct{}

func (SharpEdgeConfidence) Score(sampleSize int, failureRate float64) float64 {
	if sampleSize <= 0 {
		return 0
	}
	base := 0.7
	if sampleSize > 1 {
		base = 0.85
	}
	// A sharp edge is defined by its failures; partial failure rates only
	// mildly soften it.
	return base * (0.5 + failureRate/2)
}

// ModelFor returns the ConfidenceModel for a distillation type.
func ModelFor(t domain.DistillationType) ConfidenceModel {
	switch t {
	case domain.DistillationSharpEdge, domain.DistillationAntiPattern:
		return SharpEdgeConfidence{}
	}
	return HeuristicConfidence{}
}

var templateNoise = regexp.MustCompile(`(\d+)|(/[\w./-]+)|("[^"]*")|(` + "`[^`]*`" + `)`)

// DecisionTemplate normalizes a step decision for clustering: lower-case,
// strip paths, numbers, and quoted literals, collapse whitespace. Two
// decisions differing only in their concrete arguments share a template.
func DecisionTemplate(decision string) string {
	s := templateNoise.ReplaceAllString(strings.ToLower(decision), "_")
	return strings.Join(strings.Fields(s), " ")
}

// Triggers derives the retrieval trigger phrases for a cluster: the tool
// name plus the distinct meaningful tokens of the decision template.
func Triggers(tool, template string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || t == "_" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	add(strings.ToLower(tool))
	for _, tok := range strings.Fields(template) {
		if len(tok) >= 3 {
			add(tok)
		}
	}
	return out
}

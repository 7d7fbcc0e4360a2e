package advisory

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kaitd/kaitd/internal/cognitive"
	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/eidos"
)

// CognitiveSource retrieves insights matching the request's tool and domain
// tags, scored by advisory readiness. Categories are not filtered on; they
// only weight the score through readiness.
type CognitiveSource struct {
	store *cognitive.Store
}

func NewCognitiveSource(store *cognitive.Store) *CognitiveSource {
	return &CognitiveSource{store: store}
}

func (s *CognitiveSource) Name() string { return "cognitive" }

func (s *CognitiveSource) Retrieve(_ context.Context, req Request) ([]Candidate, error) {
	insights := s.store.Query("", req.Tool, req.Domains)
	out := make([]Candidate, 0, len(insights))
	for _, in := range insights {
		score := in.AdvisoryReadiness
		if score == 0 {
			score = in.Reliability() * 0.5
		}
		if score == 0 {
			continue
		}
		out = append(out, Candidate{
			Key:    in.Key,
			Text:   in.Statement,
			Source: s.Name(),
			Score:  score,
		})
	}
	return out, nil
}

// EidosSource retrieves distillations whose triggers match the pending
// decision, and bumps their times_retrieved counters.
type EidosSource struct {
	store eidos.DistillationStore
}

func NewEidosSource(store eidos.DistillationStore) *EidosSource {
	return &EidosSource{store: store}
}

func (s *EidosSource) Name() string { return "eidos" }

func (s *EidosSource) Retrieve(ctx context.Context, req Request) ([]Candidate, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	decision := strings.ToLower(req.Tool + " " + ArgHead(req.ToolArgs) + " " + req.Context)
	decisionTokens := tokenize(decision)

	var out []Candidate
	var retrievedIDs []string
	for _, d := range all {
		hits := triggerHits(d.Triggers, req.Tool, decisionTokens)
		if hits == 0 {
			continue
		}
		match := float64(hits) / float64(len(d.Triggers))
		out = append(out, Candidate{
			Key:     d.DistillationID,
			Text:    d.Statement,
			Source:  s.Name(),
			Score:   d.Confidence * match,
			Generic: d.Type == domain.DistillationHeuristic && match < 0.5,
		})
		retrievedIDs = append(retrievedIDs, d.DistillationID)
	}

	if len(retrievedIDs) > 0 {
		_ = s.store.MarkRetrieved(ctx, retrievedIDs)
	}
	return out, nil
}

func triggerHits(triggers []string, tool string, decisionTokens map[string]struct{}) int {
	toolLower := strings.ToLower(tool)
	var hits int
	for _, t := range triggers {
		if t == toolLower {
			hits++
			continue
		}
		if _, ok := decisionTokens[t]; ok {
			hits++
		}
	}
	return hits
}

// SemanticSource is the pluggable shallow-similarity retrieval interface.
// The keyword implementation is the default; an embedding-backed
// implementation can replace it behind the KAIT_EMBEDDINGS toggle without
// touching the Engine.
type SemanticSource interface {
	Source
}

// KeywordSemanticSource scores insight statements by token overlap with
// the pending call's surrounding context, plus a recency bonus. No model,
// no network.
type KeywordSemanticSource struct {
	store *cognitive.Store
	now   func() time.Time
}

func NewKeywordSemanticSource(store *cognitive.Store) *KeywordSemanticSource {
	return &KeywordSemanticSource{store: store, now: time.Now}
}

func (s *KeywordSemanticSource) Name() string { return "semantic" }

func (s *KeywordSemanticSource) Retrieve(_ context.Context, req Request) ([]Candidate, error) {
	queryTokens := tokenize(req.Context + " " + req.Tool + " " + ArgHead(req.ToolArgs))
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var out []Candidate
	for _, in := range s.store.Snapshot() {
		overlap := overlapScore(queryTokens, tokenize(in.Statement))
		if overlap <= 0 {
			continue
		}
		out = append(out, Candidate{
			Key:    in.Key,
			Text:   in.Statement,
			Source: s.Name(),
			Score:  overlap*0.8 + s.recencyBonus(in.LastValidatedAt)*0.2,
		})
	}
	return out, nil
}

func (s *KeywordSemanticSource) recencyBonus(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	age := s.now().Sub(t)
	if age < 0 {
		age = 0
	}
	const window = 7 * 24 * time.Hour
	if age > window {
		return 0
	}
	return 1 - age.Seconds()/window.Seconds()
}

// SemanticEnabled reports whether embedding/keyword semantic retrieval is
// switched on. KAIT_EMBEDDINGS=0 disables the source entirely.
func SemanticEnabled() bool {
	v, ok := os.LookupEnv("KAIT_EMBEDDINGS")
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return enabled
}

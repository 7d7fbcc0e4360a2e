// Package memorycapture implements the marker-phrase scanning stage that
// assigns event importance at ingest and extracts scored Pending Memories
// for Meta-Ralph to judge.
package memorycapture

import (
	"strings"

	"github.com/kaitd/kaitd/internal/domain"
)

// Rule scores text for a single marker phrase. Weight is added when Phrase
// is found (case-insensitive substring match). Rules compose additively:
// every matching rule contributes to a running score rather than the first
// match winning.
type Rule struct {
	Phrase string
	Weight float64
}

// importanceRules are the ingest-time markers: explicit memory requests,
// corrections, and hard constraints.
var importanceRules = []Rule{
	{Phrase: "remember", Weight: 0.5},
	{Phrase: "always", Weight: 0.3},
	{Phrase: "never", Weight: 0.3},
	{Phrase: "don't forget", Weight: 0.4},
	{Phrase: "important:", Weight: 0.4},
	{Phrase: "instead of", Weight: 0.2},
	{Phrase: "actually", Weight: 0.15},
	{Phrase: "no, ", Weight: 0.2},
	{Phrase: "that's wrong", Weight: 0.35},
	{Phrase: "stop doing", Weight: 0.3},
}

// ScoreImportance assigns the 0-1 importance an Event carries through the
// queue. Marker phrases accumulate, tool failures carry a fixed bias, and
// user prompts start above the floor since they express intent directly.
func ScoreImportance(ev domain.Event) float64 {
	var score float64

	switch ev.Kind {
	case domain.KindPostToolFailure:
		score += 0.5
	case domain.KindUserPrompt:
		score += 0.3
	}

	lower := strings.ToLower(ev.Text)
	for _, r := range importanceRules {
		if strings.Contains(lower, r.Phrase) {
			score += r.Weight
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// captureRule is a marker phrase that both scores a candidate and votes for
// its category.
type captureRule struct {
	Phrase   string
	Weight   float64
	Category domain.InsightCategory
}

// DefaultCaptureRules are the built-in signals that an event's text is
// worth carrying forward as a Pending Memory.
var DefaultCaptureRules = []captureRule{
	{Phrase: "remember", Weight: 0.5, Category: domain.CategoryUserUnderstanding},
	{Phrase: "learned", Weight: 0.4, Category: domain.CategorySelfAwareness},
	{Phrase: "realized", Weight: 0.35, Category: domain.CategorySelfAwareness},
	{Phrase: "i should", Weight: 0.3, Category: domain.CategorySelfAwareness},
	{Phrase: "next time", Weight: 0.35, Category: domain.CategoryMetaLearning},
	{Phrase: "pattern", Weight: 0.25, Category: domain.CategoryMetaLearning},
	{Phrase: "always", Weight: 0.3, Category: domain.CategoryWisdom},
	{Phrase: "never", Weight: 0.3, Category: domain.CategoryWisdom},
	{Phrase: "instead of", Weight: 0.3, Category: domain.CategoryWisdom},
	{Phrase: "failed because", Weight: 0.45, Category: domain.CategoryWisdom},
	{Phrase: "fixed by", Weight: 0.4, Category: domain.CategoryWisdom},
	{Phrase: "the correct way", Weight: 0.35, Category: domain.CategoryWisdom},
	{Phrase: "gotcha", Weight: 0.3, Category: domain.CategoryWisdom},
	{Phrase: "deprecated", Weight: 0.3, Category: domain.CategoryWisdom},
	{Phrase: "prefers", Weight: 0.35, Category: domain.CategoryUserUnderstanding},
	{Phrase: "user wants", Weight: 0.35, Category: domain.CategoryUserUnderstanding},
	{Phrase: "don't use", Weight: 0.35, Category: domain.CategoryWisdom},
	{Phrase: "completed with", Weight: 0.25, Category: domain.CategoryMetaLearning},
}

// Scorer extracts Pending Memories from Events using weighted marker rules
// plus an acceptance threshold.
type Scorer struct {
	rules     []captureRule
	threshold float64
	minChars  int
	maxChars  int
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithThreshold overrides the default 0.5 acceptance threshold.
func WithThreshold(t float64) Option {
	return func(s *Scorer) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// WithChunkBounds overrides the statement size bounds in characters.
func WithChunkBounds(min, max int) Option {
	return func(s *Scorer) {
		if min > 0 {
			s.minChars = min
		}
		if max > 0 {
			s.maxChars = max
		}
	}
}

// NewScorer creates a Scorer with the built-in rules.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		rules:     DefaultCaptureRules,
		threshold: 0.5,
		minChars:  20,
		maxChars:  domain.MaxStatementLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// userPromptFloorScore is the score carried by user_prompt candidates
// that matched no marker. Low enough that downstream ranking ignores it,
// non-zero so the quality gate sees the statement at all.
const userPromptFloorScore = 0.1

// Capture evaluates an Event's text and returns a Pending Memory if the
// accumulated rule weight meets the threshold. The category is the one
// the highest-weighted matching rules voted for.
//
// user_prompt events are special-cased: the user said it directly, so the
// text always becomes a candidate — markerless or short prompts pass
// through at a floor score and Meta-Ralph does the rejecting. Without
// this, a bare code fragment in a prompt would never be roasted.
func (s *Scorer) Capture(ev domain.Event) (domain.PendingMemory, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return domain.PendingMemory{}, false
	}
	lower := strings.ToLower(text)

	var total float64
	var markers []string
	votes := make(map[domain.InsightCategory]float64)
	for _, r := range s.rules {
		if strings.Contains(lower, r.Phrase) {
			total += r.Weight
			markers = append(markers, r.Phrase)
			votes[r.Category] += r.Weight
		}
	}

	belowBar := total < s.threshold || len(text) < s.minChars
	if belowBar && ev.Kind != domain.KindUserPrompt {
		return domain.PendingMemory{}, false
	}
	if belowBar && total < userPromptFloorScore {
		total = userPromptFloorScore
	}
	if total > 1 {
		total = 1
	}

	category := domain.CategoryOther
	var best float64
	for cat, w := range votes {
		if w > best {
			best = w
			category = cat
		}
	}

	return domain.PendingMemory{
		EventID:   ev.EventID,
		SessionID: ev.SessionID,
		Category:  category,
		Tool:      ev.Tool,
		Statement: s.normalize(text),
		Score:     total,
		Markers:   markers,
	}, true
}

// normalize collapses whitespace and clamps the statement to the chunk
// bound so downstream dedup compares consistent text.
func (s *Scorer) normalize(text string) string {
	joined := strings.Join(strings.Fields(text), " ")
	if len(joined) > s.maxChars {
		cut := joined[:s.maxChars]
		if i := strings.LastIndexByte(cut, ' '); i > s.maxChars/2 {
			cut = cut[:i]
		}
		joined = cut
	}
	return joined
}

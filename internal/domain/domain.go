// Package domain defines the core entity types shared across kaitd's
// ingest, queue, pipeline, storage, and advisory layers.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies which hook produced an Event.
type EventKind string

const (
	KindPreTool         EventKind = "pre_tool"
	KindPostTool        EventKind = "post_tool"
	KindPostToolFailure EventKind = "post_tool_failure"
	KindUserPrompt      EventKind = "user_prompt"
)

// Valid reports whether k is one of the four closed event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindPreTool, KindPostTool, KindPostToolFailure, KindUserPrompt:
		return true
	}
	return false
}

// Event is a single raw tool-use observation submitted by an agent runtime.
// Events are immutable once accepted: the ingest daemon assigns EventID and
// Importance, everything else comes from the hook payload.
type Event struct {
	EventID    string         `json:"event_id"`
	SessionID  string         `json:"session_id"`
	Kind       EventKind      `json:"kind"`
	Tool       string         `json:"tool,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	Text       string         `json:"text,omitempty"`
	TsNS       int64          `json:"ts_ns"`
	Source     string         `json:"source"`
	Importance float64        `json:"importance"`
}

// NewEventID returns a time-ordered unique event ID. UUIDv7 embeds a
// millisecond timestamp in the high bits, so IDs sort in creation order.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// QueuePriority partitions QueueEntry processing order.
type QueuePriority string

const (
	PriorityHigh   QueuePriority = "high"
	PriorityMedium QueuePriority = "medium"
	PriorityLow    QueuePriority = "low"
)

// PriorityFor derives the queue priority from an event's kind and text.
// Tool failures and user prompts carrying explicit memory markers are HIGH;
// other user prompts are MEDIUM; everything else is LOW.
func PriorityFor(ev Event) QueuePriority {
	switch ev.Kind {
	case KindPostToolFailure:
		return PriorityHigh
	case KindUserPrompt:
		if ev.Importance >= 0.7 {
			return PriorityHigh
		}
		return PriorityMedium
	}
	return PriorityLow
}

// QueueEntry wraps an Event with queue bookkeeping.
type QueueEntry struct {
	Event    Event         `json:"event"`
	Priority QueuePriority `json:"priority"`
}

// InsightCategory is the closed category vocabulary for cognitive Insights.
type InsightCategory string

const (
	CategoryWisdom            InsightCategory = "wisdom"
	CategorySelfAwareness     InsightCategory = "self_awareness"
	CategoryUserUnderstanding InsightCategory = "user_understanding"
	CategoryReasoning         InsightCategory = "reasoning"
	CategoryMetaLearning      InsightCategory = "meta_learning"
	CategoryOther             InsightCategory = "other"
)

// EvidenceRingSize bounds the supporting/refuting event rings on an Insight.
const EvidenceRingSize = 10

// MaxStatementLen bounds an Insight statement.
const MaxStatementLen = 500

// Insight is a reliability-scored statement of learned behavior, keyed by a
// stable hash of category + normalized statement. Insights are never
// deleted; they may only be demoted.
type Insight struct {
	Key               string          `json:"key"`
	Category          InsightCategory `json:"category"`
	Statement         string          `json:"statement"`
	Tool              string          `json:"tool,omitempty"`
	Domains           []string        `json:"domains,omitempty"`
	Validations       int             `json:"validations"`
	Contradictions    int             `json:"contradictions"`
	Confidence        float64         `json:"confidence"` // Wilson lower bound on reliability
	Promoted          bool            `json:"promoted"`
	PromotedTo        string          `json:"promoted_to,omitempty"`
	Evidence          []string        `json:"evidence,omitempty"`         // last 10 supporting event IDs
	CounterExamples   []string        `json:"counter_examples,omitempty"` // last 10 refuting event IDs
	Source            string          `json:"source,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastValidatedAt   time.Time       `json:"last_validated_at,omitempty"`
	AdvisoryReadiness float64         `json:"advisory_readiness"`
}

// Reliability returns validations / (validations + contradictions), or 0
// when nothing has been observed yet.
func (i Insight) Reliability() float64 {
	total := i.Validations + i.Contradictions
	if total == 0 {
		return 0
	}
	return float64(i.Validations) / float64(total)
}

// AppendEvidence pushes an event ID onto the bounded evidence ring.
func AppendEvidence(ring []string, eventID string) []string {
	ring = append(ring, eventID)
	if len(ring) > EvidenceRingSize {
		ring = ring[len(ring)-EvidenceRingSize:]
	}
	return ring
}

// EpisodePhase tracks where a session-scoped Episode is in its lifecycle.
type EpisodePhase string

const (
	PhaseExplore     EpisodePhase = "explore"
	PhaseExecute     EpisodePhase = "execute"
	PhaseConsolidate EpisodePhase = "consolidate"
)

// EpisodeOutcome is the terminal (or active) disposition of an Episode.
type EpisodeOutcome string

const (
	OutcomeSuccess   EpisodeOutcome = "success"
	OutcomeFailure   EpisodeOutcome = "failure"
	OutcomeAbandoned EpisodeOutcome = "abandoned"
	OutcomeActive    EpisodeOutcome = "active"
)

// Episode is a session-scoped container of ordered Steps. Exactly one
// episode is active per session at a time.
type Episode struct {
	EpisodeID string         `json:"episode_id"`
	SessionID string         `json:"session_id"`
	Goal      string         `json:"goal"`
	Phase     EpisodePhase   `json:"phase"`
	Outcome   EpisodeOutcome `json:"outcome"`
	StartedNS int64          `json:"started_ns"`
	EndedNS   int64          `json:"ended_ns,omitempty"`
	StepCount int            `json:"step_count"`
}

// ActionKind classifies what a Step's decision resolved to.
type ActionKind string

const (
	ActionToolCall ActionKind = "tool_call"
	ActionResponse ActionKind = "response"
	ActionWait     ActionKind = "wait"
)

// StepEvaluation is a Step's predict-evaluate verdict. A step is open
// (EvalOpen) until its matching post_tool arrives or a timeout expires.
type StepEvaluation string

const (
	EvalOpen   StepEvaluation = "?"
	EvalPassed StepEvaluation = "passed"
	EvalFailed StepEvaluation = "failed"
)

// StepOutcome is the observed result filled in when a Step is sealed.
type StepOutcome string

const (
	StepSuccess   StepOutcome = "success"
	StepFailure   StepOutcome = "failure"
	StepAbandoned StepOutcome = "abandoned"
)

// Step is a single predict-act-evaluate triple within an Episode.
type Step struct {
	StepID     string         `json:"step_id"`
	EpisodeID  string         `json:"episode_id"`
	SessionID  string         `json:"session_id"`
	Tool       string         `json:"tool,omitempty"`
	Decision   string         `json:"decision"`
	ActionKind ActionKind     `json:"action_kind"`
	Prediction string         `json:"prediction,omitempty"`
	Outcome    StepOutcome    `json:"outcome,omitempty"`
	Evaluation StepEvaluation `json:"evaluation"`
	OpenedNS   int64          `json:"opened_ns"`
	SealedNS   int64          `json:"sealed_ns,omitempty"`
}

// Open reports whether the step is still awaiting its outcome.
func (s Step) Open() bool { return s.Evaluation == EvalOpen }

// DistillationType selects which confidence model scores a Distillation.
type DistillationType string

const (
	DistillationHeuristic   DistillationType = "heuristic"
	DistillationPolicy      DistillationType = "policy"
	DistillationSharpEdge   DistillationType = "sharp_edge"
	DistillationAntiPattern DistillationType = "anti_pattern"
)

// Distillation is an EIDOS-derived rule aggregated from sealed Steps
// sharing a (decision-template, tool) pattern.
type Distillation struct {
	DistillationID     string           `json:"distillation_id"`
	Type               DistillationType `json:"type"`
	Statement          string           `json:"statement"`
	Tool               string           `json:"tool,omitempty"`
	Confidence         float64          `json:"confidence"`
	ValidationCount    int              `json:"validation_count"`
	ContradictionCount int              `json:"contradiction_count"`
	TimesRetrieved     int              `json:"times_retrieved"`
	TimesUsed          int              `json:"times_used"`
	TimesHelped        int              `json:"times_helped"`
	SourceStepIDs      []string         `json:"source_step_ids,omitempty"`
	Domains            []string         `json:"domains,omitempty"`
	Triggers           []string         `json:"triggers,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// VerdictClass is Meta-Ralph's final judgment band.
type VerdictClass string

const (
	VerdictPrimitive VerdictClass = "primitive"
	VerdictDuplicate VerdictClass = "duplicate"
	VerdictNeedsWork VerdictClass = "needs_work"
	VerdictQuality   VerdictClass = "quality"
)

// IssueReason is the closed rejection vocabulary attached to Verdicts.
type IssueReason string

const (
	IssueNoActionableGuidance IssueReason = "no_actionable_guidance"
	IssueSeemsObvious         IssueReason = "seems_obvious"
	IssueNoReasoningProvided  IssueReason = "no_reasoning_provided"
	IssueNotOutcomeLinked     IssueReason = "not_outcome_linked"
	IssueTooGeneric           IssueReason = "too_generic"
	IssueAlreadyExists        IssueReason = "already_exists"
	IssuePrimitivePattern     IssueReason = "primitive_pattern"
)

// DimensionScores holds the six Meta-Ralph axes, each scored 0, 1, or 2.
type DimensionScores struct {
	Actionability int `json:"actionability"`
	Novelty       int `json:"novelty"`
	Reasoning     int `json:"reasoning"`
	Specificity   int `json:"specificity"`
	OutcomeLinked int `json:"outcome_linked"`
	Ethics        int `json:"ethics"`
}

// Sum returns the 0-12 total across all six dimensions.
func (d DimensionScores) Sum() int {
	return d.Actionability + d.Novelty + d.Reasoning + d.Specificity + d.OutcomeLinked + d.Ethics
}

// Verdict is Meta-Ralph's scored judgment of one candidate insight.
type Verdict struct {
	EventID        string          `json:"event_id"`
	SessionID      string          `json:"session_id"`
	Scores         DimensionScores `json:"scores"`
	Total          int             `json:"total"`
	Class          VerdictClass    `json:"verdict"`
	Issues         []IssueReason   `json:"issues,omitempty"`
	RefinedVersion string          `json:"refined_version,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AdviceItem is one piece of ranked guidance returned to the agent before a
// tool call.
type AdviceItem struct {
	AdviceID string  `json:"advice_id"`
	Text     string  `json:"text"`
	Source   string  `json:"source"` // "cognitive", "eidos", "semantic", "packet"
	Key      string  `json:"key,omitempty"`
	Score    float64 `json:"score"`
}

// AdviceOutcome records whether an advise call emitted or was blocked.
type AdviceOutcome string

const (
	AdviceEmitted AdviceOutcome = "emitted"
	AdviceBlocked AdviceOutcome = "blocked"
)

// AdviceRoute reflects how the advisory pipeline served the call.
type AdviceRoute string

const (
	RouteLive                  AdviceRoute = "live"
	RoutePacketExact           AdviceRoute = "packet_exact"
	RoutePacketRelaxed         AdviceRoute = "packet_relaxed"
	RoutePacketRelaxedFallback AdviceRoute = "packet_relaxed_fallback"
)

// SourceCount attributes per-source item counts in a Decision Ledger entry.
type SourceCount struct {
	Source string `json:"source"`
	Items  int    `json:"items"`
}

// AdviceDecision is one Decision Ledger entry. Every advise call writes
// exactly one, emitted or blocked.
type AdviceDecision struct {
	TS                 time.Time     `json:"ts"`
	SessionID          string        `json:"session_id"`
	Tool               string        `json:"tool"`
	Outcome            AdviceOutcome `json:"outcome"`
	Route              AdviceRoute   `json:"route"`
	SelectedCount      int           `json:"selected_count"`
	SuppressedCount    int           `json:"suppressed_count"`
	Sources            []SourceCount `json:"sources,omitempty"`
	SuppressionReasons []string      `json:"suppression_reasons,omitempty"`
}

// FeedbackSignal classifies how an advice exposure resolved.
type FeedbackSignal string

const (
	SignalFollowed  FeedbackSignal = "followed"
	SignalUnhelpful FeedbackSignal = "unhelpful"
	SignalIgnored   FeedbackSignal = "ignored"
)

// FeedbackEntry is the implicit-feedback outcome for one shown advice item.
type FeedbackEntry struct {
	AdviceID    string         `json:"advice_id"`
	Tool        string         `json:"tool"`
	Signal      FeedbackSignal `json:"signal"`
	Success     bool           `json:"success"`
	SourcesUsed []string       `json:"sources_used,omitempty"`
	LatencyS    float64        `json:"latency_s"`
}

// Exposure tracks advice shown to a session, awaiting an implicit feedback
// signal from the next tool event.
type Exposure struct {
	SessionID   string    `json:"session_id"`
	Tool        string    `json:"tool"`
	AdviceID    string    `json:"advice_id"`
	InsightKeys []string  `json:"insight_keys,omitempty"`
	Sources     []string  `json:"sources,omitempty"`
	ExposedAt   time.Time `json:"exposed_at"`
	TimeoutAt   time.Time `json:"timeout_at"` // different-tool calls before this are "ignored"
	ExpiresAt   time.Time `json:"expires_at"` // exposure is dropped entirely after this
}

// PromotionRecord is one promotion-log entry (newline-delimited JSON).
type PromotionRecord struct {
	TS          time.Time `json:"ts"`
	Key         string    `json:"key"`
	Action      string    `json:"action"` // "promoted" or "demoted"
	File        string    `json:"file,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Reliability float64   `json:"reliability"`
	Validations int       `json:"validations"`
}

// PendingMemory is a scored candidate emitted by memory capture, awaiting
// a Meta-Ralph verdict. Marker-matched candidates carry one of the four
// capture buckets; markerless user_prompt pass-throughs carry CategoryOther.
type PendingMemory struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Category  InsightCategory `json:"category"`
	Tool      string          `json:"tool,omitempty"`
	Statement string          `json:"statement"`
	Score     float64         `json:"score"`
	Markers   []string        `json:"markers,omitempty"`
}

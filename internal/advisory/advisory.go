// Package advisory implements the retrieval-and-selection engine behind
// pre-tool advice: concurrent multi-source retrieval, Reciprocal Rank
// Fusion, deterministic rerank, ordered suppression, and a Decision Ledger
// entry for every call, emitted or blocked.
package advisory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/ratelimit"
)

// Request describes one pending tool call asking for advice.
type Request struct {
	SessionID string
	Tool      string
	ToolArgs  map[string]any
	Context   string              // free text surrounding the pending call
	Phase     domain.EpisodePhase // current session phase, for packet keys
	Domains   []string
}

// Candidate is one piece of retrieved advice before fusion/suppression.
type Candidate struct {
	Key     string // insight key or distillation ID
	Text    string
	Source  string // originating source name
	Score   float64
	Sources []string // all sources that surfaced this candidate (set by fusion)
	Generic bool     // broad pattern rather than a targeted insight
}

// Source is a single retrieval backend. The four sources (cognitive,
// eidos, semantic, packet) are queried concurrently under one shared
// deadline; a source that errors or times out contributes nothing.
type Source interface {
	Name() string
	Retrieve(ctx context.Context, req Request) ([]Candidate, error)
}

// DecisionLedger receives one entry per advise call.
type DecisionLedger interface {
	Append(record any) error
}

// Config bundles the engine tunables.
type Config struct {
	Weights       map[string]float64 // per-source RRF coefficients
	PerSourceK    int                // max candidates taken from each source (default 8)
	MaxEmit       int                // max items returned per call (default 2)
	Deadline      time.Duration      // full-pipeline budget (default 1.5s)
	QuickMin      time.Duration      // below this remaining budget, quick-fallback (default 900ms)
	Budget        ratelimit.Config   // per-session emission budget
	AgreementGate bool               // require multi-source corroboration
	MinSources    int                // distinct sources needed when gated (default 2)
	ToolCooldown  time.Duration      // per-tool advice cooldown (default 30s)
	AdviceTTL     time.Duration      // identical-advice suppression window (default 600s)
}

func (c *Config) setDefaults() {
	if c.PerSourceK <= 0 {
		c.PerSourceK = 8
	}
	if c.MaxEmit <= 0 {
		c.MaxEmit = 2
	}
	if c.Deadline <= 0 {
		c.Deadline = 1500 * time.Millisecond
	}
	if c.QuickMin <= 0 {
		c.QuickMin = 900 * time.Millisecond
	}
	if c.MinSources <= 0 {
		c.MinSources = 2
	}
	if c.ToolCooldown <= 0 {
		c.ToolCooldown = 30 * time.Second
	}
	if c.AdviceTTL <= 0 {
		c.AdviceTTL = 600 * time.Second
	}
}

// Exposures is notified of every emitted item so the implicit feedback
// loop can pair it with the next tool outcome.
type Exposures interface {
	Track(sessionID, tool, adviceID string, keys, sources []string)
}

// Engine retrieves, fuses, filters, and logs advisory decisions.
type Engine struct {
	cfg       Config
	sources   []Source
	packets   *PacketCache
	rules     []SuppressionRule
	shown     *shownTable
	budget    *ratelimit.Limiter
	ledger    DecisionLedger
	exposures Exposures
	now       func() time.Time
}

// NewEngine creates an advisory Engine. The packet cache is both a Source
// (when listed in sources) and the quick-fallback/result store, so it is
// passed separately.
func NewEngine(sources []Source, packets *PacketCache, ledger DecisionLedger, cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:     cfg,
		sources: sources,
		packets: packets,
		shown:   newShownTable(),
		budget:  ratelimit.NewLimiter(cfg.Budget),
		ledger:  ledger,
		now:     time.Now,
	}
	e.rules = defaultRules(cfg, e.shown)
	return e
}

// WithExposures attaches the implicit-feedback exposure tracker.
func (e *Engine) WithExposures(x Exposures) *Engine {
	e.exposures = x
	return e
}

// Advise runs the full pipeline for one pending tool call. It never
// blocks past the configured deadline and never propagates an internal
// fault to the caller: on any failure the result is an empty list and a
// blocked ledger entry with reason "advisor_error".
func (e *Engine) Advise(ctx context.Context, req Request) []domain.AdviceItem {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	items, decision := e.safeAdvise(ctx, req)
	if e.ledger != nil {
		// A ledger write failure never blocks the caller.
		_ = e.ledger.Append(decision)
	}

	if e.exposures != nil {
		for _, item := range items {
			e.exposures.Track(req.SessionID, req.Tool, item.AdviceID, []string{item.Key}, []string{item.Source})
		}
	}
	return items
}

// safeAdvise shields the caller from any internal fault: a panic in the
// pipeline becomes an empty result with a blocked "advisor_error" entry.
func (e *Engine) safeAdvise(ctx context.Context, req Request) (items []domain.AdviceItem, decision domain.AdviceDecision) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			decision = domain.AdviceDecision{
				TS:                 e.now().UTC(),
				SessionID:          req.SessionID,
				Tool:               req.Tool,
				Outcome:            domain.AdviceBlocked,
				Route:              domain.RouteLive,
				SuppressionReasons: []string{"advisor_error"},
			}
		}
	}()
	return e.advise(ctx, req)
}

func (e *Engine) advise(ctx context.Context, req Request) ([]domain.AdviceItem, domain.AdviceDecision) {
	decision := domain.AdviceDecision{
		TS:        e.now().UTC(),
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Outcome:   domain.AdviceBlocked,
		Route:     domain.RouteLive,
	}

	// The per-session budget gate runs before any retrieval work.
	if err := e.budget.Allow(req.SessionID); err != nil {
		decision.SuppressionReasons = append(decision.SuppressionReasons, "session budget exhausted")
		return nil, decision
	}

	var fused []Candidate
	deadline, _ := ctx.Deadline()
	remaining := time.Until(deadline)

	switch {
	case remaining < e.cfg.QuickMin:
		// Quick fallback: no live retrieval, serve from the packet cache.
		items, route := e.packets.Lookup(req)
		fused = items
		decision.Route = route
		if len(fused) == 0 {
			fused = heuristicHint(req)
			decision.Route = domain.RouteLive
		}
	default:
		bySource, timedOut := e.retrieveAll(ctx, req)
		fused = ReciprocalRankFusion(bySource, e.cfg.Weights)
		if timedOut && len(fused) == 0 {
			// Live retrieval missed its deadline; serve from the packet cache.
			fused, _ = e.packets.Lookup(req)
			decision.Route = domain.RoutePacketRelaxedFallback
		} else {
			fused = Rerank(fused, req.Context)
		}
		for name, cands := range bySource {
			if len(cands) > 0 {
				decision.Sources = append(decision.Sources, domain.SourceCount{Source: name, Items: len(cands)})
			}
		}
		sort.Slice(decision.Sources, func(i, j int) bool { return decision.Sources[i].Source < decision.Sources[j].Source })
	}

	// Ordered suppression, first match wins per candidate.
	var items []domain.AdviceItem
	for _, c := range fused {
		if len(items) >= e.cfg.MaxEmit {
			decision.SuppressedCount++
			continue
		}
		if reason := e.firstSuppression(req, c); reason != "" {
			decision.SuppressedCount++
			decision.SuppressionReasons = append(decision.SuppressionReasons, reason)
			continue
		}
		items = append(items, domain.AdviceItem{
			AdviceID: uuid.NewString(),
			Text:     c.Text,
			Source:   c.Source,
			Key:      c.Key,
			Score:    c.Score,
		})
	}

	decision.SelectedCount = len(items)
	if len(items) > 0 {
		decision.Outcome = domain.AdviceEmitted
		now := e.now()
		for _, item := range items {
			e.shown.mark(req.SessionID, req.Tool, item.Text, now)
		}
		if decision.Route == domain.RouteLive {
			e.packets.Store(req, fused)
		}
	}
	return items, decision
}

func (e *Engine) firstSuppression(req Request, c Candidate) string {
	for _, r := range e.rules {
		if reason := r.Suppress(req, c, e.now()); reason != "" {
			return reason
		}
	}
	return ""
}

// retrieveAll queries every source concurrently under the shared deadline,
// each capped at PerSourceK candidates ordered by local score. Returns the
// per-source results and whether any source was cut off by the deadline.
func (e *Engine) retrieveAll(ctx context.Context, req Request) (map[string][]Candidate, bool) {
	results := make(map[string][]Candidate, len(e.sources))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var timedOut bool

	for _, src := range e.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			cands, err := s.Retrieve(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					mu.Lock()
					timedOut = true
					mu.Unlock()
				}
				return
			}
			sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
			if len(cands) > e.cfg.PerSourceK {
				cands = cands[:e.cfg.PerSourceK]
			}
			mu.Lock()
			results[s.Name()] = cands
			mu.Unlock()
		}(src)
	}

	wg.Wait()
	return results, timedOut
}

// ReciprocalRankFusion combines per-source ranked lists: each candidate
// contributes weight / (k + rank) from every list it appears in, keyed by
// insight key (or text when keyless). k=60 is the standard RRF constant.
func ReciprocalRankFusion(bySource map[string][]Candidate, weights map[string]float64) []Candidate {
	const k = 60.0

	type accum struct {
		cand    Candidate
		score   float64
		sources map[string]struct{}
	}
	fused := make(map[string]*accum)

	for source, cands := range bySource {
		w := weights[source]
		if w == 0 {
			w = 1.0
		}
		for rank, c := range cands {
			key := fusionKey(c)
			contribution := w / (k + float64(rank+1))
			a, ok := fused[key]
			if !ok {
				a = &accum{cand: c, sources: make(map[string]struct{})}
				fused[key] = a
			}
			a.score += contribution
			a.sources[source] = struct{}{}
		}
	}

	out := make([]Candidate, 0, len(fused))
	for _, a := range fused {
		cp := a.cand
		cp.Score = a.score
		cp.Sources = sortedKeys(a.sources)
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return fusionKey(out[i]) < fusionKey(out[j])
	})
	return out
}

// Rerank is the deterministic lightweight cross-scorer used when no model
// is available: fused score blended with token overlap against the call's
// surrounding context.
func Rerank(cands []Candidate, contextText string) []Candidate {
	if len(cands) == 0 || contextText == "" {
		return cands
	}
	ctxTokens := tokenize(contextText)
	out := make([]Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		overlap := overlapScore(ctxTokens, tokenize(out[i].Text))
		out[i].Score = out[i].Score*0.7 + overlap*0.3
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return fusionKey(out[i]) < fusionKey(out[j])
	})
	return out
}

// heuristicHint is the last-resort quick-fallback result: one generic
// reminder derived from the tool name alone.
func heuristicHint(req Request) []Candidate {
	if req.Tool == "" {
		return nil
	}
	return []Candidate{{
		Text:    "Recent " + req.Tool + " history is unavailable; double-check arguments before running.",
		Source:  "packet",
		Score:   0.1,
		Generic: true,
	}}
}

func fusionKey(c Candidate) string {
	if c.Key != "" {
		return "key:" + c.Key
	}
	return "text:" + c.Text
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func overlapScore(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var hits int
	for t := range a {
		if _, ok := b[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

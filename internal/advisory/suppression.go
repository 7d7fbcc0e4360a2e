package advisory

import (
	"fmt"
	"sync"
	"time"
)

// SuppressionRule withholds a fused candidate from a session. Rules are
// evaluated in a fixed order, first match wins; a non-empty return is the
// suppression reason recorded in the Decision Ledger.
type SuppressionRule interface {
	Name() string
	Suppress(req Request, c Candidate, now time.Time) string
}

// shownTable tracks what advice each (session, tool) pair has seen and
// when. Shared by the cooldown and TTL rules so they agree on history.
type shownTable struct {
	mu    sync.Mutex
	last  map[string]time.Time            // session|tool → last advice shown
	texts map[string]map[string]time.Time // session → text → shown at
}

func newShownTable() *shownTable {
	return &shownTable{
		last:  make(map[string]time.Time),
		texts: make(map[string]map[string]time.Time),
	}
}

func (t *shownTable) mark(sessionID, tool, text string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[sessionID+"|"+tool] = now
	byText, ok := t.texts[sessionID]
	if !ok {
		byText = make(map[string]time.Time)
		t.texts[sessionID] = byText
	}
	byText[text] = now
}

func (t *shownTable) lastShown(sessionID, tool string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[sessionID+"|"+tool]
	return ts, ok
}

func (t *shownTable) textShown(sessionID, text string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byText, ok := t.texts[sessionID]
	if !ok {
		return time.Time{}, false
	}
	ts, ok := byText[text]
	return ts, ok
}

// CooldownRule suppresses fresh advice for a tool that was advised
// recently. Identical advice is left to the TTL rule, which owns the
// duplicate case.
type CooldownRule struct {
	table    *shownTable
	cooldown time.Duration
}

func (r *CooldownRule) Name() string { return "tool_cooldown" }

func (r *CooldownRule) Suppress(req Request, c Candidate, now time.Time) string {
	if _, dup := r.table.textShown(req.SessionID, c.Text); dup {
		return ""
	}
	last, ok := r.table.lastShown(req.SessionID, req.Tool)
	if !ok {
		return ""
	}
	if age := now.Sub(last); age < r.cooldown {
		return fmt.Sprintf("%s advice on cooldown (last shown %ds ago, cooldown %ds)",
			req.Tool, int(age.Seconds()), int(r.cooldown.Seconds()))
	}
	return ""
}

// TTLDuplicateRule suppresses advice whose exact text was already shown to
// the session within the TTL window.
type TTLDuplicateRule struct {
	table *shownTable
	ttl   time.Duration
}

func (r *TTLDuplicateRule) Name() string { return "advice_ttl" }

func (r *TTLDuplicateRule) Suppress(req Request, c Candidate, now time.Time) string {
	shown, ok := r.table.textShown(req.SessionID, c.Text)
	if !ok {
		return ""
	}
	if age := now.Sub(shown); age < r.ttl {
		return fmt.Sprintf("shown %ds ago (TTL %ds)", int(age.Seconds()), int(r.ttl.Seconds()))
	}
	return ""
}

// GenericActiveRule suppresses a generic candidate when the same generic
// pattern is already active for the session: broad reminders must not
// repeat while one is in play.
type GenericActiveRule struct {
	mu     sync.Mutex
	active map[string]string // session → active generic text
}

func NewGenericActiveRule() *GenericActiveRule {
	return &GenericActiveRule{active: make(map[string]string)}
}

func (r *GenericActiveRule) Name() string { return "generic_pattern_active" }

func (r *GenericActiveRule) Suppress(req Request, c Candidate, _ time.Time) string {
	if !c.Generic {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.active[req.SessionID]; ok && prev == c.Text {
		return "generic pattern already active"
	}
	r.active[req.SessionID] = c.Text
	return ""
}

// AgreementGateRule requires corroboration from a minimum number of
// distinct retrieval sources before a candidate may surface.
type AgreementGateRule struct {
	minSources int
}

func (r *AgreementGateRule) Name() string { return "agreement_gate" }

func (r *AgreementGateRule) Suppress(_ Request, c Candidate, _ time.Time) string {
	n := len(c.Sources)
	if n == 0 {
		n = 1
	}
	if n < r.minSources {
		return fmt.Sprintf("agreement gate: %d of %d required sources", n, r.minSources)
	}
	return ""
}

// defaultRules builds the suppression chain in its fixed evaluation order:
// cooldown, TTL-duplicate, generic-pattern-active, then the optional
// agreement gate. The per-session budget is enforced by the Engine ahead
// of this chain. The shown table is owned by the Engine, which marks every
// emitted item.
func defaultRules(cfg Config, table *shownTable) []SuppressionRule {
	rules := []SuppressionRule{
		&CooldownRule{table: table, cooldown: cfg.ToolCooldown},
		&TTLDuplicateRule{table: table, ttl: cfg.AdviceTTL},
		NewGenericActiveRule(),
	}
	if cfg.AgreementGate {
		rules = append(rules, &AgreementGateRule{minSources: cfg.MinSources})
	}
	return rules
}

package advisory

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kaitd/kaitd/internal/cognitive"
	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/ratelimit"
)

// memLedger collects decisions in memory.
type memLedger struct {
	decisions []domain.AdviceDecision
}

func (l *memLedger) Append(record any) error {
	if d, ok := record.(domain.AdviceDecision); ok {
		l.decisions = append(l.decisions, d)
	}
	return nil
}

// stubSource returns fixed candidates.
type stubSource struct {
	name  string
	cands []Candidate
}

func (s stubSource) Name() string { return s.name }
func (s stubSource) Retrieve(context.Context, Request) ([]Candidate, error) {
	return append([]Candidate(nil), s.cands...), nil
}

func newCognitiveStore(t *testing.T) *cognitive.Store {
	t.Helper()
	s, err := cognitive.OpenStore(filepath.Join(t.TempDir(), "cognitive_insights.json"), 14*24*time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func seedInsight(t *testing.T, store *cognitive.Store, statement, tool string, validations int) domain.Insight {
	t.Helper()
	in, err := store.Upsert(domain.Insight{
		Category:  domain.CategoryWisdom,
		Statement: statement,
		Tool:      tool,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < validations; i++ {
		if err := store.Validate(in.Key, domain.NewEventID()); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	in, _ = store.Get(in.Key)
	return in
}

func testEngine(sources []Source, ledger DecisionLedger, mutate func(*Config)) *Engine {
	cfg := Config{
		Budget: ratelimit.Config{RequestsPerMinute: 100},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(sources, NewPacketCache(time.Minute), ledger, cfg)
}

func TestAdviseEmitsSeededInsight(t *testing.T) {
	store := newCognitiveStore(t)
	seedInsight(t, store, "File exists at expected path often wrong; use Glob first", "Read", 100)

	ledger := &memLedger{}
	engine := testEngine([]Source{NewCognitiveSource(store)}, ledger, nil)

	items := engine.Advise(context.Background(), Request{
		SessionID: "s1",
		Tool:      "Read",
		ToolArgs:  map[string]any{"path": "missing.py"},
	})

	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if !strings.HasPrefix(items[0].Text, "File exists at expected path") {
		t.Errorf("text = %q", items[0].Text)
	}
	if items[0].Source != "cognitive" {
		t.Errorf("source = %s", items[0].Source)
	}

	if len(ledger.decisions) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger.decisions))
	}
	d := ledger.decisions[0]
	if d.Outcome != domain.AdviceEmitted || d.Route != domain.RouteLive {
		t.Errorf("decision = %+v", d)
	}
	if d.SelectedCount != 1 {
		t.Errorf("selected_count = %d", d.SelectedCount)
	}
	if len(d.Sources) != 1 || d.Sources[0].Source != "cognitive" || d.Sources[0].Items != 1 {
		t.Errorf("sources = %+v, want [cognitive:1]", d.Sources)
	}
}

func TestRepeatAdviceSuppressedWithTTLReason(t *testing.T) {
	store := newCognitiveStore(t)
	seedInsight(t, store, "File exists at expected path often wrong; use Glob first", "Read", 100)

	ledger := &memLedger{}
	engine := testEngine([]Source{NewCognitiveSource(store)}, ledger, nil)

	req := Request{SessionID: "s1", Tool: "Read", ToolArgs: map[string]any{"path": "missing.py"}}
	first := engine.Advise(context.Background(), req)
	if len(first) != 1 {
		t.Fatalf("first call items = %d, want 1", len(first))
	}
	second := engine.Advise(context.Background(), req)
	if len(second) != 0 {
		t.Fatalf("second call items = %d, want 0 (identical advice inside TTL)", len(second))
	}

	d := ledger.decisions[1]
	if d.Outcome != domain.AdviceBlocked {
		t.Errorf("second decision outcome = %s, want blocked", d.Outcome)
	}
	ttlReason := regexp.MustCompile(`shown \d+s ago \(TTL \d+s\)`)
	var matched bool
	for _, r := range d.SuppressionReasons {
		if ttlReason.MatchString(r) {
			matched = true
		}
	}
	if !matched {
		t.Errorf("suppression reasons = %v, want one matching %q", d.SuppressionReasons, ttlReason)
	}
}

func TestSessionBudget(t *testing.T) {
	store := newCognitiveStore(t)
	seedInsight(t, store, "first lesson about reads", "Read", 10)
	seedInsight(t, store, "second lesson about writes", "Write", 10)
	seedInsight(t, store, "third lesson about bash", "Bash", 10)

	ledger := &memLedger{}
	engine := testEngine([]Source{NewCognitiveSource(store)}, ledger, func(c *Config) {
		c.Budget = ratelimit.Config{RequestsPerMinute: 2, BurstSize: 2}
	})

	ctx := context.Background()
	engine.Advise(ctx, Request{SessionID: "s1", Tool: "Read"})
	engine.Advise(ctx, Request{SessionID: "s1", Tool: "Write"})
	items := engine.Advise(ctx, Request{SessionID: "s1", Tool: "Bash"})
	if len(items) != 0 {
		t.Fatalf("third call in a minute should be blocked, got %d items", len(items))
	}
	d := ledger.decisions[2]
	if d.Outcome != domain.AdviceBlocked {
		t.Errorf("outcome = %s, want blocked", d.Outcome)
	}
	if len(d.SuppressionReasons) == 0 || !strings.Contains(d.SuppressionReasons[0], "budget") {
		t.Errorf("reasons = %v, want session budget", d.SuppressionReasons)
	}

	// Another session is unaffected.
	if items := engine.Advise(ctx, Request{SessionID: "s2", Tool: "Read"}); len(items) == 0 {
		t.Error("budget must be per-session")
	}
}

func TestMaxEmitCap(t *testing.T) {
	var cands []Candidate
	for i := 0; i < 6; i++ {
		cands = append(cands, Candidate{
			Key:   domain.NewEventID(),
			Text:  strings.Repeat("x", i+1) + " distinct advice",
			Score: float64(10 - i),
		})
	}
	ledger := &memLedger{}
	engine := testEngine([]Source{stubSource{name: "cognitive", cands: cands}}, ledger, nil)

	items := engine.Advise(context.Background(), Request{SessionID: "s1", Tool: "Bash"})
	if len(items) != 2 {
		t.Fatalf("items = %d, want max_emit default 2", len(items))
	}
	d := ledger.decisions[0]
	if d.SuppressedCount != 4 {
		t.Errorf("suppressed_count = %d, want 4", d.SuppressedCount)
	}
}

func TestQuickFallbackServesPacket(t *testing.T) {
	store := newCognitiveStore(t)
	seedInsight(t, store, "lesson worth caching about reads", "Read", 10)

	ledger := &memLedger{}
	engine := testEngine([]Source{NewCognitiveSource(store)}, ledger, nil)

	req := Request{SessionID: "s1", Tool: "Read"}
	// Prime the packet cache with a live call.
	engine.Advise(context.Background(), req)

	// A nearly exhausted deadline forces the quick path; a fresh session
	// avoids TTL suppression of the cached text.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	items := engine.Advise(ctx, Request{SessionID: "s2", Tool: "Read"})
	if len(items) != 1 {
		t.Fatalf("quick-path items = %d, want 1", len(items))
	}

	d := ledger.decisions[1]
	if d.Route != domain.RoutePacketExact && d.Route != domain.RoutePacketRelaxed {
		t.Errorf("route = %s, want a packet route", d.Route)
	}
}

func TestAgreementGate(t *testing.T) {
	single := Candidate{Key: "k-single", Text: "only one source says this", Score: 5}
	both := Candidate{Key: "k-both", Text: "two sources agree on this", Score: 5}

	ledger := &memLedger{}
	engine := testEngine([]Source{
		stubSource{name: "cognitive", cands: []Candidate{single, both}},
		stubSource{name: "semantic", cands: []Candidate{both}},
	}, ledger, func(c *Config) {
		c.AgreementGate = true
		c.MinSources = 2
	})

	items := engine.Advise(context.Background(), Request{SessionID: "s1", Tool: "Bash"})
	if len(items) != 1 {
		t.Fatalf("items = %d, want only the corroborated candidate", len(items))
	}
	if items[0].Key != "k-both" {
		t.Errorf("kept %s, want k-both", items[0].Key)
	}
}

func TestReciprocalRankFusion(t *testing.T) {
	a := Candidate{Key: "a", Text: "a", Source: "cognitive"}
	b := Candidate{Key: "b", Text: "b", Source: "cognitive"}
	bySource := map[string][]Candidate{
		"cognitive": {a, b},
		"semantic":  {b},
	}
	fused := ReciprocalRankFusion(bySource, map[string]float64{"cognitive": 1.0, "semantic": 1.0})
	if len(fused) != 2 {
		t.Fatalf("fused = %d", len(fused))
	}
	// b appears in both lists: rank 2 + rank 1 beats a's single rank 1.
	if fused[0].Key != "b" {
		t.Errorf("top = %s, want b (multi-source)", fused[0].Key)
	}
	if len(fused[0].Sources) != 2 {
		t.Errorf("sources = %v, want both", fused[0].Sources)
	}
}

func TestFusionDeterministic(t *testing.T) {
	bySource := map[string][]Candidate{
		"cognitive": {{Key: "x", Text: "x"}, {Key: "y", Text: "y"}},
		"eidos":     {{Key: "y", Text: "y"}, {Key: "x", Text: "x"}},
	}
	first := ReciprocalRankFusion(bySource, nil)
	for i := 0; i < 10; i++ {
		again := ReciprocalRankFusion(bySource, nil)
		for j := range first {
			if first[j].Key != again[j].Key {
				t.Fatal("fusion order must be deterministic")
			}
		}
	}
}

func TestPacketKeyRelaxation(t *testing.T) {
	cache := NewPacketCache(time.Minute)
	req := Request{Tool: "Read", ToolArgs: map[string]any{"path": "/src/main.go"}, Phase: domain.PhaseExecute}
	cache.Store(req, []Candidate{{Key: "k", Text: "cached"}})

	// Exact hit.
	if _, route := cache.Lookup(req); route != domain.RoutePacketExact {
		t.Errorf("route = %s, want packet_exact", route)
	}
	// Different args, same tool: relaxed hit.
	other := Request{Tool: "Read", ToolArgs: map[string]any{"path": "/other/file.py"}, Phase: domain.PhaseExplore}
	if _, route := cache.Lookup(other); route != domain.RoutePacketRelaxed {
		t.Errorf("route = %s, want packet_relaxed", route)
	}
	// Different tool: miss.
	if cands, route := cache.Lookup(Request{Tool: "Write"}); route != domain.RouteLive || cands != nil {
		t.Errorf("miss = (%v, %s), want (nil, live)", cands, route)
	}
}

func TestEidosSourceTriggerMatch(t *testing.T) {
	// A local stub distillation store keeps the trigger fixtures and the
	// retrieval bookkeeping visible in this test.
	store := &stubDistillations{list: []domain.Distillation{
		{
			DistillationID: "d1",
			Type:           domain.DistillationHeuristic,
			Statement:      "TaskUpdate calls succeed consistently",
			Tool:           "TaskUpdate",
			Confidence:     0.8,
			Triggers:       []string{"taskupdate", "status"},
		},
		{
			DistillationID: "d2",
			Type:           domain.DistillationSharpEdge,
			Statement:      "Write to /etc fails",
			Tool:           "Write",
			Confidence:     0.7,
			Triggers:       []string{"write", "etc"},
		},
	}}

	src := NewEidosSource(store)
	cands, err := src.Retrieve(context.Background(), Request{Tool: "TaskUpdate", ToolArgs: map[string]any{"query": "status update"}})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(cands) != 1 || cands[0].Key != "d1" {
		t.Fatalf("cands = %+v, want only d1", cands)
	}
	if store.retrieved["d1"] != 1 {
		t.Error("times_retrieved not bumped")
	}
}

type stubDistillations struct {
	list      []domain.Distillation
	retrieved map[string]int
}

func (s *stubDistillations) Create(context.Context, *domain.Distillation) error { return nil }
func (s *stubDistillations) Update(context.Context, *domain.Distillation) error { return nil }
func (s *stubDistillations) Get(context.Context, string) (*domain.Distillation, error) {
	return nil, nil
}
func (s *stubDistillations) ListAll(context.Context) ([]domain.Distillation, error) {
	return append([]domain.Distillation(nil), s.list...), nil
}
func (s *stubDistillations) MarkRetrieved(_ context.Context, ids []string) error {
	if s.retrieved == nil {
		s.retrieved = make(map[string]int)
	}
	for _, id := range ids {
		s.retrieved[id]++
	}
	return nil
}

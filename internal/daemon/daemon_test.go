package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kaitd/kaitd/internal/advisory"
	"github.com/kaitd/kaitd/internal/config"
	"github.com/kaitd/kaitd/internal/domain"
)

// newTestRuntime builds a full Runtime over a temp data root. No HTTP
// server is started; events are driven through the queue and scheduler
// directly.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	// Generous advisory budget so suppression tests control their own limits.
	cfg.Advisory.MaxPerSessionPerMinute = 100

	rt, err := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func ingestEvent(t *testing.T, rt *Runtime, ev domain.Event) {
	t.Helper()
	if ev.EventID == "" {
		ev.EventID = domain.NewEventID()
	}
	if ev.TsNS == 0 {
		ev.TsNS = time.Now().UnixNano()
	}
	if err := rt.Queue.Append(domain.QueueEntry{Event: ev, Priority: domain.PriorityFor(ev)}); err != nil {
		t.Fatalf("queue.Append: %v", err)
	}
}

func drain(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if rt.Scheduler.Cycle(ctx) == 0 {
			return
		}
	}
}

func readLedger(t *testing.T, path string) []domain.AdviceDecision {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	defer f.Close()
	var out []domain.AdviceDecision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d domain.AdviceDecision
		if err := json.Unmarshal(scanner.Bytes(), &d); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// Scenario A: a pre-populated insight is emitted as pre-tool advice, the
// queue drains, and the decision ledger gains one emitted row attributed
// to the cognitive source.
func TestScenarioA_PreToolAdviceEmission(t *testing.T) {
	rt := newTestRuntime(t)

	in, err := rt.Cognitive.Upsert(domain.Insight{
		Category:  domain.CategoryWisdom,
		Statement: "File exists at expected path often wrong; use Glob first",
		Tool:      "Read",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := rt.Cognitive.Validate(in.Key, domain.NewEventID()); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}

	ingestEvent(t, rt, domain.Event{
		SessionID: "s1", Kind: domain.KindPreTool, Tool: "Read",
		ToolArgs: map[string]any{"path": "missing.py"}, Source: "observe",
		Importance: 0.5,
	})
	drain(t, rt)
	if rt.Queue.Depth() != 0 {
		t.Errorf("queue depth = %d after drain, want 0", rt.Queue.Depth())
	}

	items := rt.Advisory.Advise(context.Background(), advisory.Request{
		SessionID: "s1", Tool: "Read", ToolArgs: map[string]any{"path": "missing.py"},
	})
	if len(items) != 1 {
		t.Fatalf("advice items = %d, want 1", len(items))
	}
	if !strings.HasPrefix(items[0].Text, "File exists at expected path") {
		t.Errorf("advice text = %q", items[0].Text)
	}

	decisions := readLedger(t, rt.Config.DecisionLedgerPath())
	if len(decisions) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(decisions))
	}
	d := decisions[0]
	if d.Outcome != domain.AdviceEmitted {
		t.Errorf("outcome = %s", d.Outcome)
	}
	var cognitiveItems int
	for _, src := range d.Sources {
		if src.Source == "cognitive" {
			cognitiveItems = src.Items
		}
	}
	if cognitiveItems != 1 {
		t.Errorf("sources = %+v, want cognitive:1", d.Sources)
	}
}

// Scenario B: a successful post_tool for the advised tool validates the
// insight and logs a followed signal.
func TestScenarioB_FeedbackValidatesInsight(t *testing.T) {
	rt := newTestRuntime(t)

	in, _ := rt.Cognitive.Upsert(domain.Insight{
		Category:  domain.CategoryWisdom,
		Statement: "File exists at expected path often wrong; use Glob first",
		Tool:      "Read",
	})
	for i := 0; i < 100; i++ {
		_ = rt.Cognitive.Validate(in.Key, domain.NewEventID())
	}

	items := rt.Advisory.Advise(context.Background(), advisory.Request{SessionID: "s1", Tool: "Read"})
	if len(items) != 1 {
		t.Fatalf("advice items = %d, want 1", len(items))
	}

	ingestEvent(t, rt, domain.Event{
		SessionID: "s1", Kind: domain.KindPostTool, Tool: "Read", Importance: 0.5,
	})
	drain(t, rt)

	got, _ := rt.Cognitive.Get(in.Key)
	if got.Validations != 101 {
		t.Errorf("validations = %d, want 101", got.Validations)
	}

	f, err := os.Open(rt.Config.FeedbackLedgerPath())
	if err != nil {
		t.Fatalf("feedback ledger missing: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var found bool
	for scanner.Scan() {
		var e domain.FeedbackEntry
		if json.Unmarshal(scanner.Bytes(), &e) == nil &&
			e.Tool == "Read" && e.Signal == domain.SignalFollowed && e.Success {
			found = true
		}
	}
	if !found {
		t.Error("no followed/success feedback entry logged")
	}
}

// Scenario C: a tool failure after advice contradicts the insight.
func TestScenarioC_ContradictionOnFailure(t *testing.T) {
	rt := newTestRuntime(t)

	in, _ := rt.Cognitive.Upsert(domain.Insight{
		Category:  domain.CategoryWisdom,
		Statement: "File exists at expected path often wrong; use Glob first",
		Tool:      "Read",
	})
	for i := 0; i < 10; i++ {
		_ = rt.Cognitive.Validate(in.Key, domain.NewEventID())
	}

	if items := rt.Advisory.Advise(context.Background(), advisory.Request{SessionID: "s1", Tool: "Read"}); len(items) != 1 {
		t.Fatalf("advice items = %d, want 1", len(items))
	}

	ingestEvent(t, rt, domain.Event{
		SessionID: "s1", Kind: domain.KindPostToolFailure, Tool: "Read", Importance: 0.5,
	})
	drain(t, rt)

	got, _ := rt.Cognitive.Get(in.Key)
	if got.Contradictions != 1 {
		t.Errorf("contradictions = %d, want 1", got.Contradictions)
	}
	rel := got.Reliability()
	if rel >= 1 {
		t.Errorf("reliability = %v, want recomputed below 1", rel)
	}
}

// Scenario D: a user_prompt containing only "import sys" yields one
// verdict in {primitive, needs_work} and no cognitive insight.
func TestScenarioD_MetaRalphRejectsTrivial(t *testing.T) {
	rt := newTestRuntime(t)

	ingestEvent(t, rt, domain.Event{
		SessionID: "s1", Kind: domain.KindUserPrompt,
		Text: "import sys",
		// Above the sampling floor so the event cannot be dropped.
		Importance: 0.5,
	})
	drain(t, rt)

	if n := len(rt.Cognitive.Snapshot()); n != 0 {
		t.Errorf("insights = %d, want 0 for a trivial fragment", n)
	}

	f, err := os.Open(rt.Config.RoastHistoryPath())
	if err != nil {
		t.Fatalf("roast history missing: %v", err)
	}
	defer f.Close()
	var verdicts []domain.Verdict
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var v domain.Verdict
		if json.Unmarshal(scanner.Bytes(), &v) == nil {
			verdicts = append(verdicts, v)
		}
	}
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want exactly 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Class != domain.VerdictPrimitive && v.Class != domain.VerdictNeedsWork {
		t.Errorf("verdict = %s (total %d), want primitive or needs_work", v.Class, v.Total)
	}
}

// Scenario F: repeating the same advise call is blocked with the TTL
// suppression reason.
func TestScenarioF_AdvisorySuppression(t *testing.T) {
	rt := newTestRuntime(t)

	in, _ := rt.Cognitive.Upsert(domain.Insight{
		Category:  domain.CategoryWisdom,
		Statement: "Use Glob before Read for uncertain paths",
		Tool:      "Read",
	})
	for i := 0; i < 20; i++ {
		_ = rt.Cognitive.Validate(in.Key, domain.NewEventID())
	}

	req := advisory.Request{SessionID: "s1", Tool: "Read"}
	first := rt.Advisory.Advise(context.Background(), req)
	if len(first) != 1 {
		t.Fatalf("first advise = %d items", len(first))
	}
	second := rt.Advisory.Advise(context.Background(), req)
	if len(second) != 0 {
		t.Fatalf("second advise = %d items, want 0", len(second))
	}

	decisions := readLedger(t, rt.Config.DecisionLedgerPath())
	last := decisions[len(decisions)-1]
	if last.Outcome != domain.AdviceBlocked {
		t.Errorf("outcome = %s, want blocked", last.Outcome)
	}
	var ttlReason bool
	for _, r := range last.SuppressionReasons {
		if strings.Contains(r, "TTL") && strings.Contains(r, "ago") {
			ttlReason = true
		}
	}
	if !ttlReason {
		t.Errorf("suppression reasons = %v, want a TTL reason", last.SuppressionReasons)
	}
}

// Scenario E runs at the eidos package level against the in-memory store;
// here the same flow is exercised through the real SQLite store.
func TestScenarioE_EpisodeDistillation(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour).UnixNano()

	prompt := domain.Event{SessionID: "s1", Kind: domain.KindUserPrompt, Text: "update all task statuses", TsNS: base, Importance: 0.9}
	ingestEvent(t, rt, prompt)
	for i := int64(0); i < 10; i++ {
		ingestEvent(t, rt, domain.Event{
			SessionID: "s1", Kind: domain.KindPreTool, Tool: "TaskUpdate",
			ToolArgs: map[string]any{"query": "set status"},
			TsNS:     base + i*1000 + 1, Importance: 0.5,
		})
		ingestEvent(t, rt, domain.Event{
			SessionID: "s1", Kind: domain.KindPostTool, Tool: "TaskUpdate",
			TsNS: base + i*1000 + 2, Importance: 0.5,
		})
	}
	drain(t, rt)

	closed, err := rt.Tracker.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed episodes = %d, want 1", len(closed))
	}
	if closed[0].StepCount < 5 {
		t.Fatalf("step_count = %d, want >= 5", closed[0].StepCount)
	}

	distilled, err := rt.aggregator.Run(ctx, 10)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	var heuristic *domain.Distillation
	for i := range distilled {
		if distilled[i].Type == domain.DistillationHeuristic {
			heuristic = &distilled[i]
		}
	}
	if heuristic == nil {
		t.Fatalf("no heuristic distillation in %d results", len(distilled))
	}
	if !strings.Contains(heuristic.Statement, "TaskUpdate") {
		t.Errorf("statement = %q", heuristic.Statement)
	}
	if heuristic.Confidence < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7", heuristic.Confidence)
	}
	if len(heuristic.SourceStepIDs) < 5 {
		t.Errorf("linked steps = %d, want >= 5", len(heuristic.SourceStepIDs))
	}
}

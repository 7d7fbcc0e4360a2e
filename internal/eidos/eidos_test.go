package eidos

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

func newTestTracker(store *InMemoryStore) *Tracker {
	return NewTracker(store, store.Steps(), 2*time.Minute, 30*time.Minute, slog.Default())
}

func ev(kind domain.EventKind, session, tool string, ts int64) domain.Event {
	return domain.Event{
		EventID:   domain.NewEventID(),
		SessionID: session,
		Kind:      kind,
		Tool:      tool,
		TsNS:      ts,
		Source:    "observe",
	}
}

func TestEpisodeLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)

	prompt := ev(domain.KindUserPrompt, "s1", "", 1)
	prompt.Text = "fix the flaky queue test"
	if err := tr.OnEvent(ctx, prompt); err != nil {
		t.Fatalf("user_prompt: %v", err)
	}

	ep, err := store.ActiveBySession(ctx, "s1")
	if err != nil || ep == nil {
		t.Fatalf("no active episode after user_prompt: %v", err)
	}
	if ep.Goal != "fix the flaky queue test" {
		t.Errorf("goal = %q, want the first prompt text", ep.Goal)
	}
	if ep.Phase != domain.PhaseExplore || ep.Outcome != domain.OutcomeActive {
		t.Errorf("new episode phase/outcome = %s/%s", ep.Phase, ep.Outcome)
	}

	// Second prompt must not open a second episode.
	if err := tr.OnEvent(ctx, ev(domain.KindUserPrompt, "s1", "", 2)); err != nil {
		t.Fatalf("second user_prompt: %v", err)
	}
	var active int
	for _, e := range store.episodes {
		if e.SessionID == "s1" && e.Outcome == domain.OutcomeActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active episodes = %d, want exactly 1 per session", active)
	}
}

func TestStepStateMachine(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)

	pre := ev(domain.KindPreTool, "s1", "Bash", 10)
	pre.ToolArgs = map[string]any{"command": "go test ./..."}
	if err := tr.OnEvent(ctx, pre); err != nil {
		t.Fatalf("pre_tool: %v", err)
	}

	step, _ := store.OpenBySession(ctx, "s1")
	if step == nil {
		t.Fatal("pre_tool should open a step")
	}
	if step.Evaluation != domain.EvalOpen || step.ActionKind != domain.ActionToolCall {
		t.Errorf("open step = %+v", step)
	}
	if !strings.Contains(step.Decision, "Bash") {
		t.Errorf("decision %q should name the tool", step.Decision)
	}

	if err := tr.OnEvent(ctx, ev(domain.KindPostTool, "s1", "Bash", 20)); err != nil {
		t.Fatalf("post_tool: %v", err)
	}
	if open, _ := store.OpenBySession(ctx, "s1"); open != nil {
		t.Error("post_tool should seal the open step")
	}

	ep, _ := store.ActiveBySession(ctx, "s1")
	if ep.Phase != domain.PhaseExecute {
		t.Errorf("phase after first sealed step = %s, want execute", ep.Phase)
	}
}

func TestAtMostOneOpenStepPerSession(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)

	for i := int64(0); i < 5; i++ {
		// pre_tool with no matching post: each new pre must abandon the
		// previous open step.
		if err := tr.OnEvent(ctx, ev(domain.KindPreTool, "s1", "Read", i*100)); err != nil {
			t.Fatalf("pre_tool %d: %v", i, err)
		}
		var open int
		for _, st := range store.steps {
			if st.SessionID == "s1" && st.Open() {
				open++
			}
		}
		if open != 1 {
			t.Fatalf("after pre_tool %d: %d open steps, want 1", i, open)
		}
	}
}

func TestFailureSealsFailed(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)

	_ = tr.OnEvent(ctx, ev(domain.KindPreTool, "s1", "Read", 1))
	if err := tr.OnEvent(ctx, ev(domain.KindPostToolFailure, "s1", "Read", 2)); err != nil {
		t.Fatalf("post_tool_failure: %v", err)
	}
	for _, st := range store.steps {
		if st.Outcome != domain.StepFailure || st.Evaluation != domain.EvalFailed {
			t.Errorf("failed step sealed as %s/%s", st.Outcome, st.Evaluation)
		}
	}
}

func TestSweepIdleClosesEpisode(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)
	base := time.Now().Add(-2 * time.Hour).UnixNano()

	// A session of successful steps, then silence.
	_ = tr.OnEvent(ctx, ev(domain.KindUserPrompt, "s1", "", base))
	for i := int64(0); i < 3; i++ {
		_ = tr.OnEvent(ctx, ev(domain.KindPreTool, "s1", "Bash", base+i*1000+1))
		_ = tr.OnEvent(ctx, ev(domain.KindPostTool, "s1", "Bash", base+i*1000+2))
	}

	closed, err := tr.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed %d episodes, want 1", len(closed))
	}
	ep := closed[0]
	if ep.Phase != domain.PhaseConsolidate {
		t.Errorf("phase = %s, want consolidate", ep.Phase)
	}
	if ep.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", ep.Outcome)
	}
	if ep.StepCount != 3 {
		t.Errorf("step_count = %d, want 3", ep.StepCount)
	}

	// Closed episode's step_count equals its sealed steps.
	sealed, _ := store.CountSealed(ctx, ep.EpisodeID)
	if sealed != ep.StepCount {
		t.Errorf("sealed steps %d != step_count %d", sealed, ep.StepCount)
	}
}

func TestSweepIdleAbandonsOpenStep(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)
	base := time.Now().Add(-2 * time.Hour).UnixNano()

	_ = tr.OnEvent(ctx, ev(domain.KindPreTool, "s1", "Bash", base))

	closed, err := tr.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed %d episodes, want 1", len(closed))
	}
	if closed[0].Outcome != domain.OutcomeAbandoned {
		t.Errorf("outcome = %s, want abandoned", closed[0].Outcome)
	}
	if open, _ := store.OpenBySession(ctx, "s1"); open != nil {
		t.Error("idle sweep must force-seal the open step")
	}
}

func TestAggregatorDistillsRepeatedSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)
	base := time.Now().Add(-2 * time.Hour).UnixNano()

	// 10 alternating pre/post pairs for TaskUpdate, all succeeding.
	prompt := ev(domain.KindUserPrompt, "s1", "", base)
	prompt.Text = "update every task status"
	_ = tr.OnEvent(ctx, prompt)
	for i := int64(0); i < 10; i++ {
		pre := ev(domain.KindPreTool, "s1", "TaskUpdate", base+i*1000+1)
		pre.ToolArgs = map[string]any{"query": "set status"}
		_ = tr.OnEvent(ctx, pre)
		_ = tr.OnEvent(ctx, ev(domain.KindPostTool, "s1", "TaskUpdate", base+i*1000+2))
	}
	if _, err := tr.SweepIdle(ctx); err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}

	agg := NewAggregator(store, store.Steps(), store.Distillations(), 5, 3, slog.Default())
	out, err := agg.Run(ctx, 10)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("distillations = %d, want 1", len(out))
	}
	d := out[0]
	if d.Type != domain.DistillationHeuristic {
		t.Errorf("type = %s, want heuristic", d.Type)
	}
	if !strings.Contains(d.Statement, "TaskUpdate") {
		t.Errorf("statement %q should name the tool", d.Statement)
	}
	if d.Confidence < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7 for 10 consistent steps", d.Confidence)
	}
	if len(d.SourceStepIDs) < 5 {
		t.Errorf("linked steps = %d, want >= 5", len(d.SourceStepIDs))
	}
	if len(d.Triggers) == 0 || d.Triggers[0] != "taskupdate" {
		t.Errorf("triggers = %v, want tool name first", d.Triggers)
	}

	// Re-running must not double-aggregate the same episode.
	again, err := agg.Run(ctx, 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again) != 0 {
		t.Error("aggregated episode consumed twice")
	}
}

func TestAggregatorSharpEdgeFromSingleFailure(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tr := newTestTracker(store)
	base := time.Now().Add(-2 * time.Hour).UnixNano()

	_ = tr.OnEvent(ctx, ev(domain.KindUserPrompt, "s1", "", base))
	// Enough sealed steps to qualify the episode, one of them a lone
	// failing pattern.
	for i := int64(0); i < 5; i++ {
		pre := ev(domain.KindPreTool, "s1", "Bash", base+i*1000+1)
		pre.ToolArgs = map[string]any{"command": "make build"}
		_ = tr.OnEvent(ctx, pre)
		_ = tr.OnEvent(ctx, ev(domain.KindPostTool, "s1", "Bash", base+i*1000+2))
	}
	pre := ev(domain.KindPreTool, "s1", "Write", base+9000)
	pre.ToolArgs = map[string]any{"path": "/etc/hosts"}
	_ = tr.OnEvent(ctx, pre)
	_ = tr.OnEvent(ctx, ev(domain.KindPostToolFailure, "s1", "Write", base+9001))

	_, _ = tr.SweepIdle(ctx)
	agg := NewAggregator(store, store.Steps(), store.Distillations(), 5, 3, slog.Default())
	out, err := agg.Run(ctx, 10)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}

	var sharp *domain.Distillation
	for i := range out {
		if out[i].Type == domain.DistillationSharpEdge {
			sharp = &out[i]
		}
	}
	if sharp == nil {
		t.Fatalf("no sharp_edge distillation in %d results", len(out))
	}
	if sharp.Tool != "Write" {
		t.Errorf("sharp edge tool = %s, want Write", sharp.Tool)
	}
	if sharp.Confidence < 0.5 {
		t.Errorf("sharp edge confidence = %v, want usable from one observation", sharp.Confidence)
	}
}

func TestDecisionTemplate(t *testing.T) {
	a := DecisionTemplate("call Read /home/user/main.go")
	b := DecisionTemplate("call Read /tmp/other/file.py")
	if a != b {
		t.Errorf("templates differ for same shape: %q vs %q", a, b)
	}
	if DecisionTemplate("call Bash `go test`") == DecisionTemplate("call Read") {
		t.Error("different tools must not collapse to one template")
	}
}

func TestConfidenceModels(t *testing.T) {
	h := HeuristicConfidence{}
	if h.Score(0, 0) != 0 {
		t.Error("no observations should score 0")
	}
	if !(h.Score(2, 0) < h.Score(10, 0)) {
		t.Error("heuristic confidence should grow with sample size")
	}
	if !(h.Score(10, 0.5) < h.Score(10, 0)) {
		t.Error("failures should reduce heuristic confidence")
	}

	se := SharpEdgeConfidence{}
	if se.Score(1, 1) < 0.5 {
		t.Errorf("single reliable failure = %v, want usable immediately", se.Score(1, 1))
	}
	for _, tt := range []struct {
		typ  domain.DistillationType
		want ConfidenceModel
	}{
		{domain.DistillationHeuristic, HeuristicConfidence{}},
		{domain.DistillationPolicy, HeuristicConfidence{}},
		{domain.DistillationSharpEdge, SharpEdgeConfidence{}},
		{domain.DistillationAntiPattern, SharpEdgeConfidence{}},
	} {
		if fmt.Sprintf("%T", ModelFor(tt.typ)) != fmt.Sprintf("%T", tt.want) {
			t.Errorf("ModelFor(%s) = %T", tt.typ, ModelFor(tt.typ))
		}
	}
}

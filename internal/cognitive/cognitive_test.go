package cognitive

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "cognitive_insights.json"), 14*24*time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func TestKeyStability(t *testing.T) {
	a := Key(domain.CategoryWisdom, "Use   Glob  before Read")
	b := Key(domain.CategoryWisdom, "use glob before read")
	if a != b {
		t.Error("normalization should make keys agree across whitespace/case")
	}
	c := Key(domain.CategoryReasoning, "use glob before read")
	if a == c {
		t.Error("different categories must produce different keys")
	}
}

func TestWilsonLowerBound(t *testing.T) {
	if got := WilsonLowerBound(0, 0, DefaultZ); got != 0 {
		t.Errorf("unobserved = %v, want 0", got)
	}
	one := WilsonLowerBound(1, 0, DefaultZ)
	ten := WilsonLowerBound(10, 0, DefaultZ)
	if !(one < ten) {
		t.Errorf("1/0 (%v) should score below 10/0 (%v)", one, ten)
	}
	mixed := WilsonLowerBound(5, 5, DefaultZ)
	if mixed <= 0 || mixed >= 0.5 {
		t.Errorf("5/5 lower bound = %v, want in (0, 0.5)", mixed)
	}
}

func TestReliabilityInvariant(t *testing.T) {
	s := openTestStore(t)
	in, err := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "check the lockfile first"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for i := 0; i < 7; i++ {
		if err := s.Validate(in.Key, fmt.Sprintf("ev-v%d", i)); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.Contradict(in.Key, fmt.Sprintf("ev-c%d", i)); err != nil {
			t.Fatalf("Contradict: %v", err)
		}
	}

	got, err := s.Get(in.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Validations != 7 || got.Contradictions != 3 {
		t.Fatalf("counters = %d/%d, want 7/3", got.Validations, got.Contradictions)
	}
	want := 0.7
	if got.Reliability() != want {
		t.Errorf("reliability = %v, want %v", got.Reliability(), want)
	}
	if r := got.Reliability(); r < 0 || r > 1 {
		t.Errorf("reliability %v out of [0,1]", r)
	}
}

func TestEvidenceRingBounded(t *testing.T) {
	s := openTestStore(t)
	in, _ := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "pin the toolchain version"})
	for i := 0; i < 30; i++ {
		_ = s.Validate(in.Key, fmt.Sprintf("ev-%d", i))
	}
	got, _ := s.Get(in.Key)
	if len(got.Evidence) != domain.EvidenceRingSize {
		t.Errorf("evidence ring = %d entries, want %d", len(got.Evidence), domain.EvidenceRingSize)
	}
	if got.Evidence[len(got.Evidence)-1] != "ev-29" {
		t.Errorf("ring should keep newest entries, last = %s", got.Evidence[len(got.Evidence)-1])
	}
}

func TestUpsertMergeNeverLowersCounters(t *testing.T) {
	s := openTestStore(t)
	first, _ := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "run vet before commit", Validations: 4})
	merged, err := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "run vet before commit", Validations: 2, Domains: []string{"go"}})
	if err != nil {
		t.Fatalf("Upsert merge: %v", err)
	}
	if merged.Key != first.Key {
		t.Fatal("same statement should hit the same key")
	}
	if merged.Validations != 6 {
		t.Errorf("validations = %d, want accumulated 6", merged.Validations)
	}
	if len(merged.Domains) != 1 || merged.Domains[0] != "go" {
		t.Errorf("domains = %v, want [go]", merged.Domains)
	}
}

func TestSnapshotRoundtripByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cognitive_insights.json")
	s, err := OpenStore(path, 0, slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = s.Upsert(domain.Insight{
			Category:  domain.CategoryWisdom,
			Statement: fmt.Sprintf("lesson number %d about tool use", i),
		})
	}
	_ = s.Validate(Key(domain.CategoryWisdom, "lesson number 2 about tool use"), "ev-1")

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}

	// Reload and force a rewrite without mutating anything meaningful.
	s2, err := OpenStore(path, 0, slog.Default())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := s2.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-reading snapshot: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("serialize → reload → serialize must be byte-identical")
	}
}

func TestQueryOrderingAndFilters(t *testing.T) {
	s := openTestStore(t)
	weak, _ := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "weak hint", Tool: "Read"})
	strong, _ := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "strong hint about paths", Tool: "Read"})
	_ = s.Validate(weak.Key, "e1")
	for i := 0; i < 10; i++ {
		_ = s.Validate(strong.Key, fmt.Sprintf("e%d", i))
	}
	_, _ = s.Upsert(domain.Insight{Category: domain.CategorySelfAwareness, Statement: "unrelated category"})

	got := s.Query(domain.CategoryWisdom, "Read", nil)
	if len(got) != 2 {
		t.Fatalf("query returned %d insights, want 2", len(got))
	}
	if got[0].Key != strong.Key {
		t.Error("higher-readiness insight should rank first")
	}
}

func TestReadinessRecencyDecay(t *testing.T) {
	in := domain.Insight{
		Category:        domain.CategoryWisdom,
		Validations:     10,
		LastValidatedAt: time.Now().Add(-28 * 24 * time.Hour), // two half-lives ago
	}
	fresh := in
	fresh.LastValidatedAt = time.Now()

	halflife := 14 * 24 * time.Hour
	now := time.Now()
	stale := Readiness(in, halflife, now)
	current := Readiness(fresh, halflife, now)
	if !(stale < current/3) {
		t.Errorf("two half-lives of decay: stale=%v current=%v, want stale < current/3", stale, current)
	}
}

func TestDemoteClearsPromotion(t *testing.T) {
	s := openTestStore(t)
	in, _ := s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "promoted then demoted"})
	if err := s.MarkPromoted(in.Key, "CLAUDE.md"); err != nil {
		t.Fatalf("MarkPromoted: %v", err)
	}
	got, _ := s.Get(in.Key)
	if !got.Promoted || got.PromotedTo != "CLAUDE.md" {
		t.Fatalf("promotion not recorded: %+v", got)
	}
	if err := s.Demote(in.Key); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	got, _ = s.Get(in.Key)
	if got.Promoted || got.PromotedTo != "" {
		t.Error("demotion must clear promoted state")
	}
}

func TestNearestSimilarity(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.Upsert(domain.Insight{Category: domain.CategoryWisdom, Statement: "use glob before read for unknown paths"})
	if sim := s.NearestSimilarity("use glob before read for unknown paths"); sim < 0.99 {
		t.Errorf("identical statement similarity = %v, want ~1", sim)
	}
	if sim := s.NearestSimilarity("completely unrelated sentence regarding databases"); sim > 0.3 {
		t.Errorf("unrelated similarity = %v, want low", sim)
	}
}

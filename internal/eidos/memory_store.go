package eidos

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kaitd/kaitd/internal/domain"
)

// InMemoryStore implements EpisodeStore, StepStore, and DistillationStore
// using in-memory maps. Used when no database is configured and in tests.
// Every read returns a copy; callers never alias internal state.
type InMemoryStore struct {
	mu            sync.RWMutex
	episodes      map[string]*domain.Episode
	steps         map[string]*domain.Step
	distillations map[string]*domain.Distillation
	aggregated    map[string]bool
	// lastActivity tracks the newest step timestamp per session for the
	// idle sweep.
	lastActivity map[string]int64
}

// NewInMemoryStore creates an empty in-memory EIDOS store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		episodes:      make(map[string]*domain.Episode),
		steps:         make(map[string]*domain.Step),
		distillations: make(map[string]*domain.Distillation),
		aggregated:    make(map[string]bool),
		lastActivity:  make(map[string]int64),
	}
}

// --- EpisodeStore ---

func (s *InMemoryStore) Create(_ context.Context, e *domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.episodes[e.EpisodeID]; exists {
		return fmt.Errorf("episode %s already exists", e.EpisodeID)
	}
	cp := *e
	s.episodes[e.EpisodeID] = &cp
	if e.StartedNS > s.lastActivity[e.SessionID] {
		s.lastActivity[e.SessionID] = e.StartedNS
	}
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, e *domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.episodes[e.EpisodeID]; !exists {
		return fmt.Errorf("episode %s not found", e.EpisodeID)
	}
	cp := *e
	s.episodes[e.EpisodeID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, episodeID string) (*domain.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.episodes[episodeID]
	if !ok {
		return nil, fmt.Errorf("episode %s not found", episodeID)
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) ActiveBySession(_ context.Context, sessionID string) (*domain.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.episodes {
		if e.SessionID == sessionID && e.Outcome == domain.OutcomeActive {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListClosedUnaggregated(_ context.Context, minSteps, limit int) ([]domain.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Episode
	for _, e := range s.episodes {
		if e.Outcome == domain.OutcomeActive || s.aggregated[e.EpisodeID] || e.StepCount < minSteps {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedNS < out[j].EndedNS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkAggregated(_ context.Context, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregated[episodeID] = true
	return nil
}

func (s *InMemoryStore) ListActiveIdleSince(_ context.Context, cutoffNS int64) ([]domain.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Episode
	for _, e := range s.episodes {
		if e.Outcome != domain.OutcomeActive {
			continue
		}
		if s.lastActivity[e.SessionID] < cutoffNS {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedNS < out[j].StartedNS })
	return out, nil
}

// --- StepStore ---

// CreateStep adds a step. Named distinctly from the episode Create since
// both live on one type; the Tracker uses the StepStore view.
func (s *InMemoryStore) CreateStep(_ context.Context, st *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[st.StepID]; exists {
		return fmt.Errorf("step %s already exists", st.StepID)
	}
	cp := *st
	s.steps[st.StepID] = &cp
	if st.OpenedNS > s.lastActivity[st.SessionID] {
		s.lastActivity[st.SessionID] = st.OpenedNS
	}
	return nil
}

func (s *InMemoryStore) UpdateStep(_ context.Context, st *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[st.StepID]; !exists {
		return fmt.Errorf("step %s not found", st.StepID)
	}
	cp := *st
	s.steps[st.StepID] = &cp
	if st.SealedNS > s.lastActivity[st.SessionID] {
		s.lastActivity[st.SessionID] = st.SealedNS
	}
	return nil
}

func (s *InMemoryStore) OpenBySession(_ context.Context, sessionID string) (*domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.steps {
		if st.SessionID == sessionID && st.Open() {
			cp := *st
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListByEpisode(_ context.Context, episodeID string) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Step
	for _, st := range s.steps {
		if st.EpisodeID == episodeID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedNS < out[j].OpenedNS })
	return out, nil
}

func (s *InMemoryStore) CountSealed(_ context.Context, episodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, st := range s.steps {
		if st.EpisodeID == episodeID && !st.Open() {
			n++
		}
	}
	return n, nil
}

// --- DistillationStore ---

func (s *InMemoryStore) CreateDistillation(_ context.Context, d *domain.Distillation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.distillations[d.DistillationID]; exists {
		return fmt.Errorf("distillation %s already exists", d.DistillationID)
	}
	cp := copyDistillation(*d)
	s.distillations[d.DistillationID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateDistillation(_ context.Context, d *domain.Distillation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.distillations[d.DistillationID]; !exists {
		return fmt.Errorf("distillation %s not found", d.DistillationID)
	}
	cp := copyDistillation(*d)
	s.distillations[d.DistillationID] = &cp
	return nil
}

func (s *InMemoryStore) GetDistillation(_ context.Context, id string) (*domain.Distillation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.distillations[id]
	if !ok {
		return nil, fmt.Errorf("distillation %s not found", id)
	}
	cp := copyDistillation(*d)
	return &cp, nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]domain.Distillation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Distillation, 0, len(s.distillations))
	for _, d := range s.distillations {
		out = append(out, copyDistillation(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistillationID < out[j].DistillationID })
	return out, nil
}

func (s *InMemoryStore) MarkRetrieved(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.distillations[id]; ok {
			d.TimesRetrieved++
		}
	}
	return nil
}

func copyDistillation(d domain.Distillation) domain.Distillation {
	d.SourceStepIDs = append([]string(nil), d.SourceStepIDs...)
	d.Domains = append([]string(nil), d.Domains...)
	d.Triggers = append([]string(nil), d.Triggers...)
	return d
}

// Steps returns the StepStore view of the in-memory store.
func (s *InMemoryStore) Steps() StepStore { return stepView{s} }

// Distillations returns the DistillationStore view.
func (s *InMemoryStore) Distillations() DistillationStore { return distView{s} }

// stepView adapts the method names to the StepStore interface.
type stepView struct{ s *InMemoryStore }

func (v stepView) Create(ctx context.Context, st *domain.Step) error { return v.s.CreateStep(ctx, st) }
func (v stepView) Update(ctx context.Context, st *domain.Step) error { return v.s.UpdateStep(ctx, st) }
func (v stepView) OpenBySession(ctx context.Context, sessionID string) (*domain.Step, error) {
	return v.s.OpenBySession(ctx, sessionID)
}
func (v stepView) ListByEpisode(ctx context.Context, episodeID string) ([]domain.Step, error) {
	return v.s.ListByEpisode(ctx, episodeID)
}
func (v stepView) CountSealed(ctx context.Context, episodeID string) (int, error) {
	return v.s.CountSealed(ctx, episodeID)
}

// distView adapts the method names to the DistillationStore interface.
type distView struct{ s *InMemoryStore }

func (v distView) Create(ctx context.Context, d *domain.Distillation) error {
	return v.s.CreateDistillation(ctx, d)
}
func (v distView) Update(ctx context.Context, d *domain.Distillation) error {
	return v.s.UpdateDistillation(ctx, d)
}
func (v distView) Get(ctx context.Context, id string) (*domain.Distillation, error) {
	return v.s.GetDistillation(ctx, id)
}
func (v distView) ListAll(ctx context.Context) ([]domain.Distillation, error) {
	return v.s.ListAll(ctx)
}
func (v distView) MarkRetrieved(ctx context.Context, ids []string) error {
	return v.s.MarkRetrieved(ctx, ids)
}

// compile-time interface checks
var (
	_ EpisodeStore      = (*InMemoryStore)(nil)
	_ StepStore         = stepView{}
	_ DistillationStore = distView{}
)

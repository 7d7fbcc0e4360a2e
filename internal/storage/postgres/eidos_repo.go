package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kaitd/kaitd/internal/domain"
	"github.com/kaitd/kaitd/internal/eidos"
)

// EpisodeRepository implements eidos.EpisodeStore.
type EpisodeRepository struct {
	db *gorm.DB
}

// NewEpisodeRepository creates an EpisodeRepository.
func NewEpisodeRepository(db *gorm.DB) *EpisodeRepository {
	return &EpisodeRepository{db: db}
}

func (r *EpisodeRepository) Create(ctx context.Context, e *domain.Episode) error {
	model := toEpisodeModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating episode: %w", err)
	}
	return nil
}

func (r *EpisodeRepository) Update(ctx context.Context, e *domain.Episode) error {
	model := toEpisodeModel(e)
	result := r.db.WithContext(ctx).Model(&EpisodeModel{}).
		Where("episode_id = ?", e.EpisodeID).
		Updates(map[string]any{
			"goal":       model.Goal,
			"phase":      model.Phase,
			"outcome":    model.Outcome,
			"ended_ns":   model.EndedNS,
			"step_count": model.StepCount,
		})
	if result.Error != nil {
		return fmt.Errorf("updating episode: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("episode %s not found", e.EpisodeID)
	}
	return nil
}

func (r *EpisodeRepository) Get(ctx context.Context, episodeID string) (*domain.Episode, error) {
	var model EpisodeModel
	if err := r.db.WithContext(ctx).Where("episode_id = ?", episodeID).First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting episode %s: %w", episodeID, err)
	}
	return toEpisodeDomain(&model), nil
}

func (r *EpisodeRepository) ActiveBySession(ctx context.Context, sessionID string) (*domain.Episode, error) {
	var model EpisodeModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND outcome = ?", sessionID, string(domain.OutcomeActive)).
		Order("started_ns DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active episode for %s: %w", sessionID, err)
	}
	return toEpisodeDomain(&model), nil
}

func (r *EpisodeRepository) ListClosedUnaggregated(ctx context.Context, minSteps, limit int) ([]domain.Episode, error) {
	var models []EpisodeModel
	q := r.db.WithContext(ctx).
		Where("outcome <> ? AND aggregated = ? AND step_count >= ?", string(domain.OutcomeActive), false, minSteps).
		Order("ended_ns ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing closed episodes: %w", err)
	}
	out := make([]domain.Episode, 0, len(models))
	for i := range models {
		out = append(out, *toEpisodeDomain(&models[i]))
	}
	return out, nil
}

func (r *EpisodeRepository) MarkAggregated(ctx context.Context, episodeID string) error {
	result := r.db.WithContext(ctx).Model(&EpisodeModel{}).
		Where("episode_id = ?", episodeID).
		Update("aggregated", true)
	if result.Error != nil {
		return fmt.Errorf("marking episode aggregated: %w", result.Error)
	}
	return nil
}

func (r *EpisodeRepository) ListActiveIdleSince(ctx context.Context, cutoffNS int64) ([]domain.Episode, error) {
	// Idle means no step opened or sealed since the cutoff, and the episode
	// itself predates it.
	var models []EpisodeModel
	sub := r.db.Model(&StepModel{}).
		Select("episode_id").
		Where("opened_ns >= ? OR sealed_ns >= ?", cutoffNS, cutoffNS)
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND started_ns < ?", string(domain.OutcomeActive), cutoffNS).
		Where("episode_id NOT IN (?)", sub).
		Order("started_ns ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing idle episodes: %w", err)
	}
	out := make([]domain.Episode, 0, len(models))
	for i := range models {
		out = append(out, *toEpisodeDomain(&models[i]))
	}
	return out, nil
}

// StepRepository implements eidos.StepStore.
type StepRepository struct {
	db *gorm.DB
}

// NewStepRepository creates a StepRepository.
func NewStepRepository(db *gorm.DB) *StepRepository {
	return &StepRepository{db: db}
}

func (r *StepRepository) Create(ctx context.Context, s *domain.Step) error {
	model := toStepModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating step: %w", err)
	}
	return nil
}

func (r *StepRepository) Update(ctx context.Context, s *domain.Step) error {
	model := toStepModel(s)
	result := r.db.WithContext(ctx).Model(&StepModel{}).
		Where("step_id = ?", s.StepID).
		Updates(map[string]any{
			"outcome":    model.Outcome,
			"evaluation": model.Evaluation,
			"sealed_ns":  model.SealedNS,
		})
	if result.Error != nil {
		return fmt.Errorf("updating step: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("step %s not found", s.StepID)
	}
	return nil
}

func (r *StepRepository) OpenBySession(ctx context.Context, sessionID string) (*domain.Step, error) {
	var model StepModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND evaluation = ?", sessionID, string(domain.EvalOpen)).
		Order("opened_ns DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting open step for %s: %w", sessionID, err)
	}
	return toStepDomain(&model), nil
}

func (r *StepRepository) ListByEpisode(ctx context.Context, episodeID string) ([]domain.Step, error) {
	var models []StepModel
	if err := r.db.WithContext(ctx).
		Where("episode_id = ?", episodeID).
		Order("opened_ns ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing steps for episode %s: %w", episodeID, err)
	}
	out := make([]domain.Step, 0, len(models))
	for i := range models {
		out = append(out, *toStepDomain(&models[i]))
	}
	return out, nil
}

func (r *StepRepository) CountSealed(ctx context.Context, episodeID string) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&StepModel{}).
		Where("episode_id = ? AND evaluation <> ?", episodeID, string(domain.EvalOpen)).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting sealed steps: %w", err)
	}
	return int(n), nil
}

// DistillationRepository implements eidos.DistillationStore.
type DistillationRepository struct {
	db *gorm.DB
}

// NewDistillationRepository creates a DistillationRepository.
func NewDistillationRepository(db *gorm.DB) *DistillationRepository {
	return &DistillationRepository{db: db}
}

func (r *DistillationRepository) Create(ctx context.Context, d *domain.Distillation) error {
	model := toDistillationModel(d)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating distillation: %w", err)
	}
	return nil
}

func (r *DistillationRepository) Update(ctx context.Context, d *domain.Distillation) error {
	model := toDistillationModel(d)
	result := r.db.WithContext(ctx).Model(&DistillationModel{}).
		Where("distillation_id = ?", d.DistillationID).
		Updates(map[string]any{
			"statement":           model.Statement,
			"confidence":          model.Confidence,
			"validation_count":    model.ValidationCount,
			"contradiction_count": model.ContradictionCount,
			"times_retrieved":     model.TimesRetrieved,
			"times_used":          model.TimesUsed,
			"times_helped":        model.TimesHelped,
			"source_step_ids":     model.SourceStepIDs,
			"domains":             model.Domains,
			"triggers":            model.Triggers,
		})
	if result.Error != nil {
		return fmt.Errorf("updating distillation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("distillation %s not found", d.DistillationID)
	}
	return nil
}

func (r *DistillationRepository) Get(ctx context.Context, distillationID string) (*domain.Distillation, error) {
	var model DistillationModel
	if err := r.db.WithContext(ctx).Where("distillation_id = ?", distillationID).First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting distillation %s: %w", distillationID, err)
	}
	return toDistillationDomain(&model), nil
}

func (r *DistillationRepository) ListAll(ctx context.Context) ([]domain.Distillation, error) {
	var models []DistillationModel
	if err := r.db.WithContext(ctx).Order("distillation_id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing distillations: %w", err)
	}
	out := make([]domain.Distillation, 0, len(models))
	for i := range models {
		out = append(out, *toDistillationDomain(&models[i]))
	}
	return out, nil
}

func (r *DistillationRepository) MarkRetrieved(ctx context.Context, distillationIDs []string) error {
	if len(distillationIDs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&DistillationModel{}).
		Where("distillation_id IN ?", distillationIDs).
		Update("times_retrieved", gorm.Expr("times_retrieved + 1")).Error; err != nil {
		return fmt.Errorf("marking distillations retrieved: %w", err)
	}
	return nil
}

// compile-time interface checks
var (
	_ eidos.EpisodeStore      = (*EpisodeRepository)(nil)
	_ eidos.StepStore         = (*StepRepository)(nil)
	_ eidos.DistillationStore = (*DistillationRepository)(nil)
)

package postgres

import (
	"encoding/json"

	"github.com/kaitd/kaitd/internal/domain"
)

func toEpisodeModel(e *domain.Episode) EpisodeModel {
	return EpisodeModel{
		EpisodeID: e.EpisodeID,
		SessionID: e.SessionID,
		Goal:      e.Goal,
		Phase:     string(e.Phase),
		Outcome:   string(e.Outcome),
		StartedNS: e.StartedNS,
		EndedNS:   e.EndedNS,
		StepCount: e.StepCount,
	}
}

func toEpisodeDomain(m *EpisodeModel) *domain.Episode {
	return &domain.Episode{
		EpisodeID: m.EpisodeID,
		SessionID: m.SessionID,
		Goal:      m.Goal,
		Phase:     domain.EpisodePhase(m.Phase),
		Outcome:   domain.EpisodeOutcome(m.Outcome),
		StartedNS: m.StartedNS,
		EndedNS:   m.EndedNS,
		StepCount: m.StepCount,
	}
}

func toStepModel(s *domain.Step) StepModel {
	return StepModel{
		StepID:     s.StepID,
		EpisodeID:  s.EpisodeID,
		SessionID:  s.SessionID,
		Tool:       s.Tool,
		Decision:   s.Decision,
		ActionKind: string(s.ActionKind),
		Prediction: s.Prediction,
		Outcome:    string(s.Outcome),
		Evaluation: string(s.Evaluation),
		OpenedNS:   s.OpenedNS,
		SealedNS:   s.SealedNS,
	}
}

func toStepDomain(m *StepModel) *domain.Step {
	return &domain.Step{
		StepID:     m.StepID,
		EpisodeID:  m.EpisodeID,
		SessionID:  m.SessionID,
		Tool:       m.Tool,
		Decision:   m.Decision,
		ActionKind: domain.ActionKind(m.ActionKind),
		Prediction: m.Prediction,
		Outcome:    domain.StepOutcome(m.Outcome),
		Evaluation: domain.StepEvaluation(m.Evaluation),
		OpenedNS:   m.OpenedNS,
		SealedNS:   m.SealedNS,
	}
}

func toDistillationModel(d *domain.Distillation) DistillationModel {
	return DistillationModel{
		DistillationID:     d.DistillationID,
		Type:               string(d.Type),
		Statement:          d.Statement,
		Tool:               d.Tool,
		Confidence:         d.Confidence,
		ValidationCount:    d.ValidationCount,
		ContradictionCount: d.ContradictionCount,
		TimesRetrieved:     d.TimesRetrieved,
		TimesUsed:          d.TimesUsed,
		TimesHelped:        d.TimesHelped,
		SourceStepIDs:      marshalStrings(d.SourceStepIDs),
		Domains:            marshalStrings(d.Domains),
		Triggers:           marshalStrings(d.Triggers),
		CreatedAt:          d.CreatedAt,
	}
}

func toDistillationDomain(m *DistillationModel) *domain.Distillation {
	return &domain.Distillation{
		DistillationID:     m.DistillationID,
		Type:               domain.DistillationType(m.Type),
		Statement:          m.Statement,
		Tool:               m.Tool,
		Confidence:         m.Confidence,
		ValidationCount:    m.ValidationCount,
		ContradictionCount: m.ContradictionCount,
		TimesRetrieved:     m.TimesRetrieved,
		TimesUsed:          m.TimesUsed,
		TimesHelped:        m.TimesHelped,
		SourceStepIDs:      unmarshalStrings(m.SourceStepIDs),
		Domains:            unmarshalStrings(m.Domains),
		Triggers:           unmarshalStrings(m.Triggers),
		CreatedAt:          m.CreatedAt,
	}
}

func marshalStrings(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

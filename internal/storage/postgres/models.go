// Package postgres implements PostgreSQL-backed storage for kaitd using
// GORM. GORM usage is confined to this package and the SQLite backend,
// which reuses these models and repositories; domain types remain ORM-free.
package postgres

import (
	"time"
)

// EpisodeModel maps to the "episodes" table.
type EpisodeModel struct {
	EpisodeID  string `gorm:"primaryKey"`
	SessionID  string `gorm:"not null;index"`
	Goal       string
	Phase      string `gorm:"not null"`
	Outcome    string `gorm:"not null;index"`
	StartedNS  int64  `gorm:"not null"`
	EndedNS    int64
	StepCount  int
	Aggregated bool `gorm:"not null;default:false;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (EpisodeModel) TableName() string { return "episodes" }

// StepModel maps to the "steps" table.
type StepModel struct {
	StepID     string `gorm:"primaryKey"`
	EpisodeID  string `gorm:"not null;index"`
	SessionID  string `gorm:"not null;index"`
	Tool       string `gorm:"index"`
	Decision   string
	ActionKind string `gorm:"not null"`
	Prediction string
	Outcome    string
	Evaluation string `gorm:"not null;index"`
	OpenedNS   int64  `gorm:"not null"`
	SealedNS   int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (StepModel) TableName() string { return "steps" }

// DistillationModel maps to the "distillations" table. Slice fields are
// stored as JSON text, which both dialects handle natively.
type DistillationModel struct {
	DistillationID     string `gorm:"primaryKey"`
	Type               string `gorm:"not null;index"`
	Statement          string `gorm:"not null"`
	Tool               string `gorm:"index"`
	Confidence         float64
	ValidationCount    int
	ContradictionCount int
	TimesRetrieved     int
	TimesUsed          int
	TimesHelped        int
	SourceStepIDs      string `gorm:"type:text"` // JSON array
	Domains            string `gorm:"type:text"` // JSON array
	Triggers           string `gorm:"type:text"` // JSON array
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (DistillationModel) TableName() string { return "distillations" }

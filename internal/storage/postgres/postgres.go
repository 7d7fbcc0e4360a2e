package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kaitd/kaitd/internal/eidos"
	"github.com/kaitd/kaitd/internal/storage"
)

// Config configures the PostgreSQL connection and pool. The DSN is a
// standard pgx connection string.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu            sync.Mutex
	episodes      eidos.EpisodeStore
	steps         eidos.StepStore
	distillations eidos.DistillationStore
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres store opened", slog.Int("max_open_conns", cfg.maxOpen()))
	return &Store{db: db, logger: slogger}, nil
}

// Migrate runs GORM AutoMigrate for the EIDOS tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&EpisodeModel{},
		&StepModel{},
		&DistillationModel{},
	)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB { return s.db }

func (s *Store) Episodes() eidos.EpisodeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episodes == nil {
		s.episodes = NewEpisodeRepository(s.db)
	}
	return s.episodes
}

func (s *Store) Steps() eidos.StepStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		s.steps = NewStepRepository(s.db)
	}
	return s.steps
}

func (s *Store) Distillations() eidos.DistillationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.distillations == nil {
		s.distillations = NewDistillationRepository(s.db)
	}
	return s.distillations
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)

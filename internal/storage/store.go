// Package storage defines the unified Store interface over the EIDOS
// database (episodes, steps, distillations). Two backends are provided:
// SQLite (default, zero-config, pure Go) and PostgreSQL.
package storage

import (
	"context"

	"github.com/kaitd/kaitd/internal/eidos"
)

// Store is the persistence interface for episodic state. Both backends
// implement it; the returned sub-stores share the same connection.
type Store interface {
	Episodes() eidos.EpisodeStore
	Steps() eidos.StepStore
	Distillations() eidos.DistillationStore

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Package storage defines the unified Store interface behind the durable
// rate limiter and the result cache.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (shared).
package storage

import (
	"context"

	"github.com/hermesosint/hermes/internal/cache"
	"github.com/hermesosint/hermes/internal/ratelimit"
)

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection.
	RateWindows() ratelimit.WindowStore
	Results() cache.ResultStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver is DriverSQLite or DriverPostgres.
	Driver() string
}

// Driver names accepted by storage.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DefaultDriver  = DriverSQLite
)

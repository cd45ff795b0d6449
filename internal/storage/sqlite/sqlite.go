// Package sqlite is the default, zero-config storage backend: a single
// database file under the data directory, opened through the pure-Go
// glebarez/sqlite GORM driver.
//
// It reuses the GORM repositories from the postgres package. The dialect
// drops SELECT ... FOR UPDATE, so the pool is capped at one connection and
// rate window transactions are serialized by that instead.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/hermesosint/hermes/internal/cache"
	"github.com/hermesosint/hermes/internal/ratelimit"
	"github.com/hermesosint/hermes/internal/storage"
	pgstore "github.com/hermesosint/hermes/internal/storage/postgres"
)

const busyTimeoutMS = 5000

var _ storage.Store = (*Store)(nil)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string
	JournalMode string // Default "wal".
}

// dsn appends the connection pragmas to the file path.
func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

// Store implements storage.Store on a SQLite file.
type Store struct {
	db   *gorm.DB
	path string

	mu          sync.Mutex
	rateWindows *pgstore.RateWindowRepository
	results     *pgstore.ResultRepository
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{db: db, path: cfg.Path}, nil
}

func (s *Store) Migrate(ctx context.Context) error { return pgstore.Migrate(ctx, s.db) }

func (s *Store) Ping(ctx context.Context) error { return pgstore.Ping(ctx, s.db) }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) RateWindows() ratelimit.WindowStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateWindows == nil {
		s.rateWindows = pgstore.NewRateWindowRepository(s.db)
	}
	return s.rateWindows
}

func (s *Store) Results() cache.ResultStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = pgstore.NewResultRepository(s.db)
	}
	return s.results
}

package postgres

import (
	"context"
	"sync"

	"github.com/hermesosint/hermes/internal/cache"
	"github.com/hermesosint/hermes/internal/ratelimit"
	"github.com/hermesosint/hermes/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the PostgreSQL storage.Store. Repositories are built on first use.
type Store struct {
	db *DB

	mu          sync.Mutex
	rateWindows *RateWindowRepository
	results     *ResultRepository
}

// NewStore wraps db as a storage.Store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error { return s.db.Migrate(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

func (s *Store) RateWindows() ratelimit.WindowStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateWindows == nil {
		s.rateWindows = NewRateWindowRepository(s.db.GormDB())
	}
	return s.rateWindows
}

func (s *Store) Results() cache.ResultStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = NewResultRepository(s.db.GormDB())
	}
	return s.results
}

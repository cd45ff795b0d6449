package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hermesosint/hermes/internal/domain"
)

// ResultRepository implements cache.ResultStore.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a ResultRepository.
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Get returns the cached result for key, or nil when absent.
func (r *ResultRepository) Get(ctx context.Context, key string) (*domain.CachedResult, error) {
	var model ResultCacheModel
	err := r.db.WithContext(ctx).First(&model, "cache_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cached result %s: %w", key, err)
	}
	return toCachedResult(&model), nil
}

// Put inserts or replaces the result stored under its key.
func (r *ResultRepository) Put(ctx context.Context, res *domain.CachedResult) error {
	model := ResultCacheModel{
		Key:       res.Key,
		Target:    res.Target,
		Platform:  res.Platform,
		Value:     res.Value,
		CreatedAt: res.CreatedAt,
		ExpiresAt: res.ExpiresAt,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"target", "platform", "value", "created_at", "expires_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("storing cached result: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Missing keys are not an error.
func (r *ResultRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Delete(&ResultCacheModel{}, "cache_key = ?", key).Error; err != nil {
		return fmt.Errorf("deleting cached result %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes entries whose expiry is at or before now.
func (r *ResultRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&ResultCacheModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging expired results: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toCachedResult(m *ResultCacheModel) *domain.CachedResult {
	return &domain.CachedResult{
		Key:       m.Key,
		Target:    m.Target,
		Platform:  m.Platform,
		Value:     m.Value,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateWindowRepository implements ratelimit.WindowStore.
// Uses SELECT ... FOR UPDATE on the resource row to serialize admission.
type RateWindowRepository struct {
	db *gorm.DB
}

// NewRateWindowRepository creates a RateWindowRepository.
func NewRateWindowRepository(db *gorm.DB) *RateWindowRepository {
	return &RateWindowRepository{db: db}
}

// Admit purges events for resourceID older than now-window, counts the rest,
// and records now if the count is below maxCalls. All in one transaction.
func (r *RateWindowRepository) Admit(ctx context.Context, resourceID string, now time.Time, window time.Duration, maxCalls int) (bool, error) {
	admitted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Ensure and lock the resource row.
		res := RateResourceModel{ResourceID: resourceID, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&res).Error; err != nil {
			return fmt.Errorf("ensuring rate resource: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&res, "resource_id = ?", resourceID).Error; err != nil {
			return fmt.Errorf("locking rate resource: %w", err)
		}

		// 2. Purge expired events.
		cutoff := now.Add(-window)
		if err := tx.Where("resource_id = ? AND admitted_at <= ?", resourceID, cutoff).
			Delete(&RateEventModel{}).Error; err != nil {
			return fmt.Errorf("purging rate events: %w", err)
		}

		// 3. Count what is left.
		var count int64
		if err := tx.Model(&RateEventModel{}).
			Where("resource_id = ?", resourceID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("counting rate events: %w", err)
		}
		if count >= int64(maxCalls) {
			return nil
		}

		// 4. Record the admitted call.
		if err := tx.Create(&RateEventModel{ResourceID: resourceID, At: now}).Error; err != nil {
			return fmt.Errorf("recording rate event: %w", err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// Count returns the number of events for resourceID after since.
func (r *RateWindowRepository) Count(ctx context.Context, resourceID string, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&RateEventModel{}).
		Where("resource_id = ? AND admitted_at > ?", resourceID, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting rate events: %w", err)
	}
	return count, nil
}

// Prune deletes events at or before the cutoff across all resources.
func (r *RateWindowRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("admitted_at <= ?", before).
		Delete(&RateEventModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning rate events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

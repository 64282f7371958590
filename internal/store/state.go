package store

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// SetState upserts a single KV state entry.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.CrawlState{Key: key, Value: value}).Error; err != nil {
		return fmt.Errorf("setting state %s: %w", key, err)
	}
	return nil
}

// GetState reads a KV state entry. Returns "", false if unset.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var row models.CrawlState
	err := s.withCtx(ctx).Where(map[string]any{"key": key}).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting state %s: %w", key, err)
	}
	return row.Value, true, nil
}

// IncrementState atomically adds delta to the integer value stored at
// key, creating it at delta if absent. videos_new_total and similar hot
// counters must go through this rather than a read-modify-write from the
// caller.
func (s *Store) IncrementState(ctx context.Context, key string, delta int64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.CrawlState{Key: key, Value: "0"})
		if res.Error != nil {
			return fmt.Errorf("seeding state %s: %w", key, res.Error)
		}

		var row models.CrawlState
		if err := tx.Where(map[string]any{"key": key}).First(&row).Error; err != nil {
			return fmt.Errorf("reading state %s: %w", key, err)
		}

		current, err := strconv.ParseInt(row.Value, 10, 64)
		if err != nil {
			current = 0
		}

		if err := tx.Model(&models.CrawlState{}).Where(map[string]any{"key": key}).
			Update("value", strconv.FormatInt(current+delta, 10)).Error; err != nil {
			return fmt.Errorf("incrementing state %s: %w", key, err)
		}
		return nil
	})
}

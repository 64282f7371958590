package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// UpsertChannels inserts or updates a batch of channel rows, keyed by
// (channel_id, host).
func (s *Store) UpsertChannels(ctx context.Context, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}, {Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"slug", "channel_name", "display_name", "channel_url",
			"videos_count", "followers_count", "avatar_url", "updated_at",
		}),
	}).Create(&channels).Error; err != nil {
		return fmt.Errorf("upserting channel batch: %w", err)
	}
	return nil
}

// ListHosts returns every known host.
func (s *Store) ListHosts(ctx context.Context) ([]string, error) {
	var hosts []string
	if err := s.withCtx(ctx).Model(&models.Host{}).Order("host ASC").Pluck("host", &hosts).Error; err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	return hosts, nil
}

// GetChannel returns a single channel row, or ok=false if it doesn't exist.
func (s *Store) GetChannel(ctx context.Context, host, channelID string) (models.Channel, bool, error) {
	var row models.Channel
	err := s.withCtx(ctx).Where("host = ? AND channel_id = ?", host, channelID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return models.Channel{}, false, nil
	}
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("getting channel %s/%s: %w", host, channelID, err)
	}
	return row, true, nil
}

// ListChannelInstances returns every host that has at least one channel
// row, used to scope the video walker to hosts the channel walker
// actually populated.
func (s *Store) ListChannelInstances(ctx context.Context) ([]string, error) {
	var hosts []string
	if err := s.withCtx(ctx).Model(&models.Channel{}).
		Distinct("host").
		Order("host ASC").
		Pluck("host", &hosts).Error; err != nil {
		return nil, fmt.Errorf("listing channel instances: %w", err)
	}
	return hosts, nil
}

// ListExistingChannelIds returns the subset of ids already present for
// host, for new_only skip-ahead.
func (s *Store) ListExistingChannelIds(ctx context.Context, host string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	var found []string
	if err := s.withCtx(ctx).Model(&models.Channel{}).
		Where("host = ? AND channel_id IN ?", host, ids).
		Pluck("channel_id", &found).Error; err != nil {
		return nil, fmt.Errorf("listing existing channel ids for %s: %w", host, err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// PrepareChannelProgress seeds channel_crawl_progress with a pending row
// per host and prunes rows for hosts no longer in scope. When resume is
// false the table is truncated first so every host restarts at offset 0.
func (s *Store) PrepareChannelProgress(ctx context.Context, hosts []string, resume bool) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if !resume {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ChannelCrawlProgress{}).Error; err != nil {
				return fmt.Errorf("truncating channel progress: %w", err)
			}
		}

		if len(hosts) > 0 {
			if err := tx.Where("host NOT IN ?", hosts).Delete(&models.ChannelCrawlProgress{}).Error; err != nil {
				return fmt.Errorf("pruning channel progress: %w", err)
			}
		} else {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ChannelCrawlProgress{}).Error; err != nil {
				return fmt.Errorf("pruning channel progress: %w", err)
			}
		}

		for _, host := range hosts {
			row := models.ChannelCrawlProgress{Host: host, Status: models.StatusPending}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "host"}},
				DoNothing: true,
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("seeding channel progress for %s: %w", host, err)
			}
		}
		return nil
	})
}

// ChannelWorkItem is one pending or in-progress unit of the channel walk.
type ChannelWorkItem struct {
	Host      string
	Status    string
	LastStart int64
}

// ListChannelWorkItems returns every channel_crawl_progress row whose
// status is pending or in_progress.
func (s *Store) ListChannelWorkItems(ctx context.Context) ([]ChannelWorkItem, error) {
	var rows []models.ChannelCrawlProgress
	if err := s.withCtx(ctx).
		Where("status IN ?", []string{models.StatusPending, models.StatusInProgress}).
		Order("host ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing channel work items: %w", err)
	}
	items := make([]ChannelWorkItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, ChannelWorkItem{Host: r.Host, Status: r.Status, LastStart: r.LastStart})
	}
	return items, nil
}

// UpdateChannelProgress persists the channel walker's cursor for host.
func (s *Store) UpdateChannelProgress(ctx context.Context, host string, status string, lastStart int64) error {
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_start", "updated_at"}),
	}).Create(&models.ChannelCrawlProgress{
		Host:      host,
		Status:    status,
		LastStart: lastStart,
		UpdatedAt: nowMs(),
	}).Error; err != nil {
		return fmt.Errorf("updating channel progress for %s: %w", host, err)
	}
	return nil
}

// MarkChannelError records a channel-walk failure against hosts.last_error,
// tagged with the channels source so a health probe can distinguish it
// from a federation-stage failure.
func (s *Store) MarkChannelError(ctx context.Context, host string, msg string) error {
	if err := s.withCtx(ctx).Model(&models.Host{}).Where("host = ?", host).Updates(map[string]any{
		"last_error":        msg,
		"last_error_at":     nowMs(),
		"last_error_source": models.ErrorSourceChannels,
	}).Error; err != nil {
		return fmt.Errorf("marking channel error for %s: %w", host, err)
	}
	return nil
}

// MarkHostHealth records the outcome of a health probe or a channel-stage
// failure against hosts.health_*. This path never touches walk progress.
func (s *Store) MarkHostHealth(ctx context.Context, host string, status string, errMsg *string) error {
	updates := map[string]any{
		"health_status":     status,
		"health_checked_at": nowMs(),
	}
	if errMsg != nil {
		updates["health_error"] = *errMsg
		updates["last_error"] = *errMsg
		updates["last_error_at"] = nowMs()
		updates["last_error_source"] = models.ErrorSourceChannels
	} else {
		updates["health_error"] = nil
	}
	if err := s.withCtx(ctx).Model(&models.Host{}).Where("host = ?", host).Updates(updates).Error; err != nil {
		return fmt.Errorf("marking health for %s: %w", host, err)
	}
	return nil
}

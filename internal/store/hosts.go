package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// EnsureHost inserts host if it is not already known. Existing rows are
// left untouched.
func (s *Store) EnsureHost(ctx context.Context, host string) error {
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}},
		DoNothing: true,
	}).Create(&models.Host{Host: host, HealthStatus: models.HealthUnknown}).Error; err != nil {
		return fmt.Errorf("ensuring host %s: %w", host, err)
	}
	return nil
}

// EnqueueHost schedules host for claiming after delayMs, unless it is
// already done or processing in instance_crawl_progress.
func (s *Store) EnqueueHost(ctx context.Context, host string, delayMs int64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var progress models.InstanceCrawlProgress
		err := tx.Where("host = ?", host).First(&progress).Error
		switch {
		case err == nil:
			if progress.Status == models.StatusDone || progress.Status == models.StatusProcessing {
				return nil
			}
		case err != gorm.ErrRecordNotFound:
			return fmt.Errorf("reading progress for %s: %w", host, err)
		}

		queued := models.QueuedHost{Host: host, EnqueuedAt: nowMs() + delayMs}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host"}},
			DoUpdates: clause.AssignmentColumns([]string{"enqueued_at"}),
		}).Create(&queued).Error; err != nil {
			return fmt.Errorf("enqueueing host %s: %w", host, err)
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host"}},
			DoUpdates: clause.AssignmentColumns([]string{"status"}),
		}).Create(&models.InstanceCrawlProgress{Host: host, Status: models.StatusPending}).Error
	})
}

// ClaimNextHost atomically dequeues the earliest claimable host (whose
// enqueued_at has elapsed) and flips its progress status to processing.
// Returns "" if nothing is currently claimable.
func (s *Store) ClaimNextHost(ctx context.Context) (string, error) {
	var claimed string
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var queued models.QueuedHost
		err := tx.Where("enqueued_at <= ?", nowMs()).Order("enqueued_at ASC").First(&queued).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("finding claimable host: %w", err)
		}

		if err := tx.Where("host = ?", queued.Host).Delete(&models.QueuedHost{}).Error; err != nil {
			return fmt.Errorf("dequeuing host %s: %w", queued.Host, err)
		}

		if err := tx.Model(&models.InstanceCrawlProgress{}).
			Where("host = ?", queued.Host).
			Update("status", models.StatusProcessing).Error; err != nil {
			return fmt.Errorf("marking host %s processing: %w", queued.Host, err)
		}

		claimed = queued.Host
		return nil
	})
	return claimed, err
}

// NextQueueTime returns the nearest future enqueued_at in the queue, or
// nil if the queue is empty.
func (s *Store) NextQueueTime(ctx context.Context) (*int64, error) {
	var queued models.QueuedHost
	err := s.withCtx(ctx).Order("enqueued_at ASC").First(&queued).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding next queue time: %w", err)
	}
	return &queued.EnqueuedAt, nil
}

// MarkHostDone records a successful federation pass over host.
func (s *Store) MarkHostDone(ctx context.Context, host string) error {
	if err := s.withCtx(ctx).Model(&models.InstanceCrawlProgress{}).
		Where("host = ?", host).
		Updates(map[string]any{"status": models.StatusDone, "error_count": 0, "updated_at": nowMs()}).Error; err != nil {
		return fmt.Errorf("marking host %s done: %w", host, err)
	}
	return s.withCtx(ctx).Model(&models.Host{}).
		Where("host = ?", host).
		Updates(map[string]any{"last_error": nil, "last_error_at": nil}).Error
}

// MarkHostError records a federation failure for host and bumps its
// error counter.
func (s *Store) MarkHostError(ctx context.Context, host string, msg string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.InstanceCrawlProgress{}).
			Where("host = ?", host).
			Updates(map[string]any{
				"status":      models.StatusError,
				"error_count": gorm.Expr("error_count + 1"),
				"updated_at":  nowMs(),
			}).Error; err != nil {
			return fmt.Errorf("marking host %s error: %w", host, err)
		}

		now := nowMs()
		return tx.Model(&models.Host{}).
			Where("host = ?", host).
			Updates(map[string]any{
				"last_error":        msg,
				"last_error_at":     now,
				"last_error_source": models.ErrorSourceInstances,
			}).Error
	})
}

// GetHostErrorCount returns the current error_count for host.
func (s *Store) GetHostErrorCount(ctx context.Context, host string) (int, error) {
	var progress models.InstanceCrawlProgress
	err := s.withCtx(ctx).Where("host = ?", host).First(&progress).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting error count for %s: %w", host, err)
	}
	return progress.ErrorCount, nil
}

// InsertEdge records a directed following relationship. Self-loops are
// rejected by the caller, not here.
func (s *Store) InsertEdge(ctx context.Context, src, dst string) error {
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_host"}, {Name: "target_host"}},
		DoNothing: true,
	}).Create(&models.FederationEdge{SourceHost: src, TargetHost: dst}).Error; err != nil {
		return fmt.Errorf("inserting edge %s->%s: %w", src, dst, err)
	}
	return nil
}

// ListEdges returns every discovered federation edge, ordered for
// deterministic test/export output.
func (s *Store) ListEdges(ctx context.Context) ([]models.FederationEdge, error) {
	var edges []models.FederationEdge
	if err := s.withCtx(ctx).Order("source_host, target_host").Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	return edges, nil
}

// ListHostsForHealth returns the hosts in scope for a health-checker pass:
// a single host when host is non-empty, errors-only filters to hosts
// carrying a last_error, and minAgeMs skips hosts whose health was
// checked more recently than that, per spec.md §6's merged
// min_age_days|min_age_min|min_age_sec.
func (s *Store) ListHostsForHealth(ctx context.Context, errorsOnly bool, host string, minAgeMs int64) ([]string, error) {
	q := s.withCtx(ctx).Model(&models.Host{})
	if host != "" {
		q = q.Where("host = ?", host)
	}
	if errorsOnly {
		q = q.Where("last_error IS NOT NULL")
	}
	if minAgeMs > 0 {
		cutoff := nowMs() - minAgeMs
		q = q.Where("health_checked_at IS NULL OR health_checked_at <= ?", cutoff)
	}

	var hosts []string
	if err := q.Order("host ASC").Pluck("host", &hosts).Error; err != nil {
		return nil, fmt.Errorf("listing hosts for health check: %w", err)
	}
	return hosts, nil
}

// RecoverQueue flips orphan processing rows (left behind by a crash or
// cancelled run) back to pending and re-enqueues them immediately,
// optionally restricted to allowedHosts.
func (s *Store) RecoverQueue(ctx context.Context, allowedHosts []string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&models.InstanceCrawlProgress{}).Where("status = ?", models.StatusProcessing)
		if len(allowedHosts) > 0 {
			q = q.Where("host IN ?", allowedHosts)
		}

		var orphans []models.InstanceCrawlProgress
		if err := q.Find(&orphans).Error; err != nil {
			return fmt.Errorf("finding orphan processing hosts: %w", err)
		}

		for _, o := range orphans {
			if err := tx.Model(&models.InstanceCrawlProgress{}).
				Where("host = ?", o.Host).
				Update("status", models.StatusPending).Error; err != nil {
				return fmt.Errorf("resetting orphan host %s: %w", o.Host, err)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "host"}},
				DoUpdates: clause.AssignmentColumns([]string{"enqueued_at"}),
			}).Create(&models.QueuedHost{Host: o.Host, EnqueuedAt: nowMs()}).Error; err != nil {
				return fmt.Errorf("re-enqueuing orphan host %s: %w", o.Host, err)
			}
		}
		return nil
	})
}

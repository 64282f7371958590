package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// UpsertVideos inserts or updates a batch of video rows, keyed by
// (video_id, host).
func (s *Store) UpsertVideos(ctx context.Context, videos []models.Video) error {
	if len(videos) == 0 {
		return nil
	}
	if err := s.withCtx(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "video_id"}, {Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"channel_id", "channel_name", "account_name", "title", "description",
			"category", "published_at", "thumbnail_url", "embed_url", "watch_url",
			"views", "likes", "dislikes", "nsfw", "updated_at",
		}),
	}).Create(&videos).Error; err != nil {
		return fmt.Errorf("upserting video batch: %w", err)
	}
	return nil
}

// EligibleChannel is one (host, channel) pair that clears the video-stage
// eligibility gate.
type EligibleChannel struct {
	Host        string
	ChannelID   string
	Slug        string
	ChannelName string
}

// ListChannelsWithVideos is the authoritative eligibility gate for the
// video stage: channels with a known video count at or above minVideos
// and a non-empty slug, restricted to hosts.
func (s *Store) ListChannelsWithVideos(ctx context.Context, minVideos int64, hosts []string) ([]EligibleChannel, error) {
	q := s.withCtx(ctx).Model(&models.Channel{}).
		Where("videos_count >= ? AND slug IS NOT NULL AND slug != ''", minVideos)
	if len(hosts) > 0 {
		q = q.Where("host IN ?", hosts)
	}

	var rows []models.Channel
	if err := q.Order("host ASC, channel_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing eligible channels: %w", err)
	}

	out := make([]EligibleChannel, 0, len(rows))
	for _, r := range rows {
		out = append(out, EligibleChannel{Host: r.Host, ChannelID: r.ChannelID, Slug: r.Slug, ChannelName: r.ChannelName})
	}
	return out, nil
}

// ListExistingVideoIds returns the subset of ids already present for host,
// used by the video walker's new_only early-stop dedupe.
func (s *Store) ListExistingVideoIds(ctx context.Context, host string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	var found []string
	if err := s.withCtx(ctx).Model(&models.Video{}).
		Where("host = ? AND video_id IN ?", host, ids).
		Pluck("video_id", &found).Error; err != nil {
		return nil, fmt.Errorf("listing existing video ids for %s: %w", host, err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// PrepareVideoProgress seeds video_crawl_progress with a pending row per
// eligible channel and prunes rows for channels no longer in scope. The
// prune step uses a scratch table and chunked deletes so the statement's
// argument count stays bounded regardless of channel-set size.
func (s *Store) PrepareVideoProgress(ctx context.Context, channels []EligibleChannel, resume bool) error {
	const pruneChunkSize = 500

	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if !resume {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.VideoCrawlProgress{}).Error; err != nil {
				return fmt.Errorf("truncating video progress: %w", err)
			}
		}

		if err := tx.Exec(`DROP TABLE IF EXISTS video_progress_scope`).Error; err != nil {
			return fmt.Errorf("dropping stale scope scratch table: %w", err)
		}
		if err := tx.Exec(`CREATE TABLE video_progress_scope (host TEXT NOT NULL, channel_id TEXT NOT NULL)`).Error; err != nil {
			return fmt.Errorf("creating scope scratch table: %w", err)
		}
		defer tx.Exec(`DROP TABLE IF EXISTS video_progress_scope`)

		for start := 0; start < len(channels); start += pruneChunkSize {
			end := start + pruneChunkSize
			if end > len(channels) {
				end = len(channels)
			}
			batch := channels[start:end]
			if len(batch) == 0 {
				continue
			}

			placeholders := make([]string, 0, len(batch))
			args := make([]any, 0, len(batch)*2)
			for _, c := range batch {
				placeholders = append(placeholders, "(?, ?)")
				args = append(args, c.Host, c.ChannelID)
			}
			stmt := "INSERT INTO video_progress_scope (host, channel_id) VALUES " + strings.Join(placeholders, ", ")
			if err := tx.Exec(stmt, args...).Error; err != nil {
				return fmt.Errorf("populating scope scratch table: %w", err)
			}
		}

		if err := tx.Exec(`
			DELETE FROM video_crawl_progress
			WHERE NOT EXISTS (
				SELECT 1 FROM video_progress_scope s
				WHERE s.host = video_crawl_progress.host AND s.channel_id = video_crawl_progress.channel_id
			)
		`).Error; err != nil {
			return fmt.Errorf("pruning video progress: %w", err)
		}

		for _, c := range channels {
			row := models.VideoCrawlProgress{
				Host:        c.Host,
				ChannelID:   c.ChannelID,
				ChannelName: c.ChannelName,
				Slug:        c.Slug,
				Status:      models.StatusPending,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "host"}, {Name: "channel_id"}},
				DoNothing: true,
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("seeding video progress for %s/%s: %w", c.Host, c.ChannelID, err)
			}
		}

		return nil
	})
}

// VideoWorkItem is one unit of the video walk's work list.
type VideoWorkItem struct {
	Host        string
	ChannelID   string
	ChannelName string
	Slug        string
	Status      string
	LastStart   int64
	LastError   *string
}

// ListVideoWorkItems returns video_crawl_progress rows matching any of
// statuses.
func (s *Store) ListVideoWorkItems(ctx context.Context, statuses []string) ([]VideoWorkItem, error) {
	var rows []models.VideoCrawlProgress
	if err := s.withCtx(ctx).
		Where("status IN ?", statuses).
		Order("host ASC, channel_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing video work items: %w", err)
	}
	items := make([]VideoWorkItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, VideoWorkItem{
			Host: r.Host, ChannelID: r.ChannelID, ChannelName: r.ChannelName, Slug: r.Slug,
			Status: r.Status, LastStart: r.LastStart, LastError: r.LastError,
		})
	}
	return items, nil
}

// UpdateVideoProgress persists the video walker's cursor for (host,
// channel_id).
func (s *Store) UpdateVideoProgress(ctx context.Context, host, channelID string, status string, lastStart int64, errMsg *string) error {
	updates := map[string]any{
		"status":     status,
		"last_start": lastStart,
		"updated_at": nowMs(),
	}
	if errMsg != nil {
		updates["last_error"] = *errMsg
		updates["last_error_at"] = nowMs()
	} else if status == models.StatusDone {
		updates["last_error"] = nil
		updates["last_error_at"] = nil
	}
	if err := s.withCtx(ctx).Model(&models.VideoCrawlProgress{}).
		Where("host = ? AND channel_id = ?", host, channelID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating video progress for %s/%s: %w", host, channelID, err)
	}
	return nil
}

// ListVideosForTags returns videos eligible for the tags/update-tags
// enrichment mode: mode "missing" selects tags_json IS NULL or "[]";
// mode "present" selects the opposite (for re-derivation passes).
func (s *Store) ListVideosForTags(ctx context.Context, mode string) ([]models.Video, error) {
	q := s.withCtx(ctx).Where("invalid_reason IS NULL")
	switch mode {
	case "missing":
		q = q.Where("tags_json IS NULL OR tags_json = '[]'")
	case "present":
		q = q.Where("tags_json IS NOT NULL AND tags_json != '[]'")
	default:
		return nil, fmt.Errorf("unknown tags mode: %s", mode)
	}

	var videos []models.Video
	if err := q.Order("host ASC, video_id ASC").Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("listing videos for tags: %w", err)
	}
	return videos, nil
}

// ListVideosForComments returns videos whose comment count has not been
// fetched. resume has no bearing on the filter itself (comments_count is
// either known or it isn't) but is accepted to match the Store's other
// stage-entry calls.
func (s *Store) ListVideosForComments(ctx context.Context, resume bool) ([]models.Video, error) {
	var videos []models.Video
	if err := s.withCtx(ctx).
		Where("invalid_reason IS NULL AND comments_count IS NULL").
		Order("host ASC, video_id ASC").
		Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("listing videos for comments: %w", err)
	}
	return videos, nil
}

// UpdateVideoTags sets tagsJSON on a video not yet marked invalid.
func (s *Store) UpdateVideoTags(ctx context.Context, videoID, host string, tagsJSON string) error {
	if err := s.withCtx(ctx).Model(&models.Video{}).
		Where("video_id = ? AND host = ? AND invalid_reason IS NULL", videoID, host).
		Updates(map[string]any{"tags_json": tagsJSON, "last_checked_at": nowMs()}).Error; err != nil {
		return fmt.Errorf("updating tags for %s/%s: %w", videoID, host, err)
	}
	return nil
}

// UpdateVideoComments sets comments_count on a video not yet marked
// invalid.
func (s *Store) UpdateVideoComments(ctx context.Context, videoID, host string, n int64) error {
	if err := s.withCtx(ctx).Model(&models.Video{}).
		Where("video_id = ? AND host = ? AND invalid_reason IS NULL", videoID, host).
		Updates(map[string]any{"comments_count": n, "last_checked_at": nowMs()}).Error; err != nil {
		return fmt.Errorf("updating comments for %s/%s: %w", videoID, host, err)
	}
	return nil
}

// UpdateVideoInvalid terminally marks a video invalid. Once set, no
// subsequent enrichment run may alter tags_json or comments_count for
// this row.
func (s *Store) UpdateVideoInvalid(ctx context.Context, videoID, host string, reason string) error {
	now := nowMs()
	if err := s.withCtx(ctx).Model(&models.Video{}).
		Where("video_id = ? AND host = ?", videoID, host).
		Updates(map[string]any{
			"invalid_reason":  reason,
			"invalid_at":      now,
			"last_checked_at": now,
		}).Error; err != nil {
		return fmt.Errorf("marking %s/%s invalid: %w", videoID, host, err)
	}
	return nil
}

// UpdateVideoError records a non-terminal enrichment failure and bumps
// the retry counter.
func (s *Store) UpdateVideoError(ctx context.Context, videoID, host string, msg string) error {
	now := nowMs()
	if err := s.withCtx(ctx).Model(&models.Video{}).
		Where("video_id = ? AND host = ? AND invalid_reason IS NULL", videoID, host).
		Updates(map[string]any{
			"last_error":      msg,
			"last_checked_at": now,
			"error_count":     gorm.Expr("error_count + 1"),
		}).Error; err != nil {
		return fmt.Errorf("recording error for %s/%s: %w", videoID, host, err)
	}
	return nil
}

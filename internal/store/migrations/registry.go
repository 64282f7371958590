package migrations

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// All returns every migration the Store applies, in order: the initial
// schema, then the legacy-column rewrites described by the schema
// evolution contract. Each is idempotent so re-running Up on an
// already-migrated database is a no-op.
func All() []Migration {
	return []Migration{
		migration001InitialSchema(),
		migration002LegacyInstances(),
		migration003LegacyChannelHealth(),
		migration004LegacyVideoErrors(),
	}
}

func migration001InitialSchema() Migration {
	return Migration{
		Version:     "001",
		Description: "create hosts/channels/videos/edges/queue/progress/state tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(models.AllModels()...)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(models.AllModels()...)
		},
	}
}

// legacyInstance mirrors the columns of a pre-rewrite "instances" table:
// status, invalid_reason, invalid_at, last_success_at,
// consecutive_failures, last_processed_at, error_count. Their meaningful
// values seed the new hosts.health_* / last_error* fields and the new
// instance_crawl_progress row for that host.
type legacyInstance struct {
	Host               string `gorm:"column:host"`
	Status             string `gorm:"column:status"`
	InvalidReason      string `gorm:"column:invalid_reason"`
	InvalidAt          *int64 `gorm:"column:invalid_at"`
	LastSuccessAt      *int64 `gorm:"column:last_success_at"`
	ConsecutiveFailures int   `gorm:"column:consecutive_failures"`
	LastProcessedAt    *int64 `gorm:"column:last_processed_at"`
	ErrorCount         int    `gorm:"column:error_count"`
}

func (legacyInstance) TableName() string { return "instances" }

func migration002LegacyInstances() Migration {
	return Migration{
		Version:     "002",
		Description: "migrate legacy instances table into hosts + instance_crawl_progress",
		Up: func(tx *gorm.DB) error {
			if !tx.Migrator().HasTable("instances") {
				return nil
			}

			var rows []legacyInstance
			if err := tx.Find(&rows).Error; err != nil {
				return err
			}

			for _, row := range rows {
				healthStatus := models.HealthOK
				var healthError *string
				if row.InvalidReason != "" {
					healthStatus = models.HealthError
					reason := row.InvalidReason
					healthError = &reason
				}

				host := models.Host{
					Host:            row.Host,
					HealthStatus:    healthStatus,
					HealthCheckedAt: row.LastSuccessAt,
					HealthError:     healthError,
					LastErrorSource: models.ErrorSourceInstances,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "host"}},
					DoUpdates: clause.AssignmentColumns([]string{"health_status", "health_checked_at", "health_error", "last_error_source"}),
				}).Create(&host).Error; err != nil {
					return err
				}

				progress := models.InstanceCrawlProgress{
					Host:       row.Host,
					Status:     legacyStatusToProgress(row.Status),
					ErrorCount: row.ConsecutiveFailures + row.ErrorCount,
				}
				if row.LastProcessedAt != nil {
					progress.LastStart = *row.LastProcessedAt
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "host"}},
					DoUpdates: clause.AssignmentColumns([]string{"status", "error_count", "last_start"}),
				}).Create(&progress).Error; err != nil {
					return err
				}
			}

			return tx.Migrator().DropTable("instances")
		},
	}
}

// legacyStatusToProgress maps pre-rewrite free-form status strings onto
// the crawl_progress state machine; anything not recognized resumes as
// pending rather than being dropped.
func legacyStatusToProgress(status string) string {
	switch status {
	case models.StatusDone, models.StatusProcessing, models.StatusError:
		return status
	default:
		return models.StatusPending
	}
}

func migration003LegacyChannelHealth() Migration {
	return Migration{
		Version:     "003",
		Description: "migrate legacy channels.last_checked_at/videos_count_error(_at) into health_* fields",
		Up: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&models.Channel{}, "videos_count_error") {
				return nil
			}

			err := tx.Exec(`
				UPDATE channels
				SET health_status = CASE WHEN videos_count_error IS NOT NULL AND videos_count_error != '' THEN ? ELSE health_status END,
				    health_error = CASE WHEN videos_count_error IS NOT NULL AND videos_count_error != '' THEN videos_count_error ELSE health_error END,
				    health_checked_at = COALESCE(health_checked_at, last_checked_at),
				    last_error_source = CASE WHEN videos_count_error IS NOT NULL AND videos_count_error != '' THEN ? ELSE last_error_source END
				WHERE videos_count_error IS NOT NULL OR last_checked_at IS NOT NULL
			`, models.HealthError, models.ErrorSourceVideosCount).Error
			if err != nil {
				return err
			}

			for _, col := range []string{"last_checked_at", "videos_count_error", "videos_count_error_at"} {
				if tx.Migrator().HasColumn(&models.Channel{}, col) {
					if err := tx.Migrator().DropColumn(&models.Channel{}, col); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func migration004LegacyVideoErrors() Migration {
	return Migration{
		Version:     "004",
		Description: "backfill videos.last_error/last_error_at/error_count from invalid_* for pre-rewrite rows",
		Up: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&models.Video{}, "invalid_reason") {
				return nil
			}
			return tx.Exec(`
				UPDATE videos
				SET last_error = invalid_reason,
				    last_error_at = COALESCE(last_error_at, invalid_at),
				    error_count = COALESCE(NULLIF(error_count, 0), 1)
				WHERE invalid_reason IS NOT NULL AND last_error IS NULL
			`).Error
		},
	}
}

// Package models defines the GORM-mapped row types for every table the
// Store owns: hosts, channels, videos, federation edges, the retry queue,
// the three per-scope progress cursors, and the free-form KV state table.
//
// Every domain timestamp is a Unix-millisecond int64, per spec.md's "all
// integer timestamps are Unix milliseconds." CreatedAt/UpdatedAt remain
// GORM's own time.Time bookkeeping columns and are not read by crawler
// logic.
package models

import "time"

// Health status values shared by Host and Channel.
const (
	HealthUnknown = "unknown"
	HealthOK      = "ok"
	HealthError   = "error"
)

// LastErrorSource values recorded alongside a host/channel health failure.
const (
	ErrorSourceInstances      = "instances"
	ErrorSourceChannels       = "channels"
	ErrorSourceVideosCount    = "videos_count"
	ErrorSourceChannelsHealth = "channels_health"
)

// Progress status values shared by the three crawl-progress tables.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusError      = "error"
)

// Invalid reasons a Video row can carry, terminal for further enrichment.
const (
	InvalidNotFound    = "not_found"
	InvalidCertExpired = "cert_expired"
	InvalidTLSError    = "tls_error"
	InvalidTimeout     = "timeout"
)

// Host is a known PeerTube instance, keyed by its normalized bare hostname.
// Created on first mention by any walker and never deleted by the core;
// health is tracked independently of walk progress.
type Host struct {
	Host string `gorm:"column:host;primaryKey;size:255"`

	HealthStatus    string  `gorm:"column:health_status;size:16;not null;default:unknown"`
	HealthCheckedAt *int64  `gorm:"column:health_checked_at"`
	HealthError     *string `gorm:"column:health_error"`
	LastError       *string `gorm:"column:last_error"`
	LastErrorAt     *int64  `gorm:"column:last_error_at"`
	LastErrorSource string  `gorm:"column:last_error_source;size:32"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Host) TableName() string { return "hosts" }

// Channel is a per-host channel, keyed by (channel_id, host). videos_count
// is nullable meaning "not yet measured"; a channel only becomes eligible
// for the video stage once it is known and non-zero.
type Channel struct {
	ChannelID string `gorm:"column:channel_id;primaryKey;size:64"`
	Host      string `gorm:"column:host;primaryKey;size:255;index"`

	Slug           string  `gorm:"column:slug;size:255;index"`
	ChannelName    string  `gorm:"column:channel_name;size:255;index"`
	DisplayName    string  `gorm:"column:display_name;size:255"`
	ChannelURL     string  `gorm:"column:channel_url"`
	VideosCount    *int64  `gorm:"column:videos_count;index"`
	FollowersCount int64   `gorm:"column:followers_count;index"`
	AvatarURL      string  `gorm:"column:avatar_url"`

	HealthStatus    string  `gorm:"column:health_status;size:16;not null;default:unknown"`
	HealthCheckedAt *int64  `gorm:"column:health_checked_at"`
	HealthError     *string `gorm:"column:health_error"`
	LastError       *string `gorm:"column:last_error"`
	LastErrorAt     *int64  `gorm:"column:last_error_at"`
	LastErrorSource string  `gorm:"column:last_error_source;size:32"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Channel) TableName() string { return "channels" }

// Video is a per-host video, keyed by (video_id, host) where video_id is
// the upstream uuid or numeric id rendered as a string. TagsJSON is
// nullable: nil means "not yet fetched", "[]" means "fetched, empty".
// Once InvalidReason is set the row is permanently excluded from
// enrichment.
type Video struct {
	VideoID string `gorm:"column:video_id;primaryKey;size:64"`
	Host    string `gorm:"column:host;primaryKey;size:255;index"`

	ChannelID   string `gorm:"column:channel_id;size:64;index"`
	ChannelName string `gorm:"column:channel_name;size:255"`
	AccountName string `gorm:"column:account_name;size:255"`
	Title       string `gorm:"column:title"`
	Description string `gorm:"column:description"`
	TagsJSON    *string `gorm:"column:tags_json"`
	Category    string `gorm:"column:category;size:64"`
	PublishedAt int64  `gorm:"column:published_at;index"`

	ThumbnailURL string `gorm:"column:thumbnail_url"`
	EmbedURL     string `gorm:"column:embed_url"`
	WatchURL     string `gorm:"column:watch_url"`

	Views         int64 `gorm:"column:views;index"`
	Likes         int64 `gorm:"column:likes"`
	Dislikes      int64 `gorm:"column:dislikes"`
	CommentsCount *int64 `gorm:"column:comments_count"`
	NSFW          bool  `gorm:"column:nsfw"`

	LastCheckedAt  *int64  `gorm:"column:last_checked_at"`
	LastError      *string `gorm:"column:last_error"`
	LastErrorAt    *int64  `gorm:"column:last_error_at"`
	ErrorCount     int     `gorm:"column:error_count"`
	InvalidReason  *string `gorm:"column:invalid_reason;size:32"`
	InvalidAt      *int64  `gorm:"column:invalid_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Video) TableName() string { return "videos" }

// FederationEdge records a directed following relationship discovered by
// the federation walker when collect_graph is enabled. No self-loops.
type FederationEdge struct {
	SourceHost string `gorm:"column:source_host;primaryKey;size:255"`
	TargetHost string `gorm:"column:target_host;primaryKey;size:255"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (FederationEdge) TableName() string { return "edges" }

// QueuedHost is the host retry queue: a host appears at most once,
// ordered by EnqueuedAt; re-enqueuing replaces the existing row.
type QueuedHost struct {
	Host       string `gorm:"column:host;primaryKey;size:255"`
	EnqueuedAt int64  `gorm:"column:enqueued_at;index"`
}

func (QueuedHost) TableName() string { return "queue" }

// InstanceCrawlProgress is the federation walker's resumable per-host
// cursor.
type InstanceCrawlProgress struct {
	Host       string `gorm:"column:host;primaryKey;size:255"`
	Status     string `gorm:"column:status;size:16;not null;default:pending"`
	ErrorCount int    `gorm:"column:error_count"`
	LastStart  int64  `gorm:"column:last_start"`
	UpdatedAt  int64  `gorm:"column:updated_at"`
}

func (InstanceCrawlProgress) TableName() string { return "instance_crawl_progress" }

// ChannelCrawlProgress is the channel walker's resumable per-host cursor.
type ChannelCrawlProgress struct {
	Host      string `gorm:"column:host;primaryKey;size:255"`
	Status    string `gorm:"column:status;size:16;not null;default:pending"`
	LastStart int64  `gorm:"column:last_start"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (ChannelCrawlProgress) TableName() string { return "channel_crawl_progress" }

// VideoCrawlProgress is the video walker's resumable per-(host,channel)
// cursor.
type VideoCrawlProgress struct {
	Host      string `gorm:"column:host;primaryKey;size:255"`
	ChannelID string `gorm:"column:channel_id;primaryKey;size:64"`

	ChannelName string  `gorm:"column:channel_name;size:255"`
	Slug        string  `gorm:"column:slug;size:255"`
	Status      string  `gorm:"column:status;size:16;not null;default:pending;index"`
	LastStart   int64   `gorm:"column:last_start"`
	LastError   *string `gorm:"column:last_error"`
	LastErrorAt *int64  `gorm:"column:last_error_at"`
	UpdatedAt   int64   `gorm:"column:updated_at"`
}

func (VideoCrawlProgress) TableName() string { return "video_crawl_progress" }

// CrawlState is the free-form KV table for run-level counters and
// markers (whitelist_url, whitelist_count, started_at, finished_at,
// videos_new_total, ...).
type CrawlState struct {
	Key   string `gorm:"column:key;primaryKey;size:128"`
	Value string `gorm:"column:value"`
}

func (CrawlState) TableName() string { return "crawl_state" }

// AllModels lists every model AutoMigrate must cover.
func AllModels() []any {
	return []any{
		&Host{},
		&Channel{},
		&Video{},
		&FederationEdge{},
		&QueuedHost{},
		&InstanceCrawlProgress{},
		&ChannelCrawlProgress{},
		&VideoCrawlProgress{},
		&CrawlState{},
	}
}

// Package store is the crawler's single embedded relational database: one
// file per run holding hosts, channels, videos, progress cursors,
// federation edges, the retry queue, and free-form KV state. It is the
// sole source of truth for pending work — there is no in-memory queue —
// so every walker stage reads and writes through this package alone.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/denikryt/peertube-crawler/internal/store/migrations"
)

// Config selects the backing database for a Store. Driver defaults to
// "sqlite"; Postgres and MySQL are supported for deployments that want a
// shared server-side store instead of one file per run.
type Config struct {
	Driver string // "sqlite" (default), "postgres", "mysql"
	DSN    string // file path for sqlite, connection string otherwise

	// Fresh, when true, deletes any existing sqlite file at DSN before
	// opening — the "recreate" side of spec.md's recreate-vs-resume
	// contract. Ignored for non-file backends.
	Fresh bool

	LogLevel string // silent|error|warn|info, default warn
	Logger   *slog.Logger
}

// Store wraps a GORM connection with the crawler's table set and
// migrations already applied.
type Store struct {
	db     *gorm.DB
	cfg    Config
	logger *slog.Logger
}

// Open opens (or creates) the Store at cfg.DSN, running pending migrations
// before returning.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Driver == "sqlite" && cfg.Fresh {
		if err := os.Remove(cfg.DSN); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing existing store file: %w", err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(cfg.DSN + suffix)
		}
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormLogger := newGormLogger(cfg.LogLevel, cfg.Logger)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	gormLogger.setSQLDB(sqlDB)

	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(6)
		sqlDB.SetMaxIdleConns(3)
	}

	s := &Store{db: db, cfg: cfg, logger: cfg.Logger}

	migrator := migrations.NewMigrator(db, cfg.Logger)
	migrator.RegisterAll(migrations.All())
	if err := migrator.Up(ctx); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return s, nil
}

// dialectorFor returns the GORM dialector for cfg.Driver. SQLite DSNs get
// the WAL-mode pragma string appended so every pooled connection opens with
// the same journal/synchronous/cache settings.
func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=busy_timeout(30000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)" +
			"&_pragma=cache_size(-64000)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Path returns the DSN the Store was opened with, for callers that want to
// stat the backing file (e.g. to report its size in a run summary).
func (s *Store) Path() string {
	return s.cfg.DSN
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a single database transaction, rolling back on
// any returned error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) withCtx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// gormLogLevel maps a string log level to GORM's logger.LogLevel.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func newGormLogger(level string, log *slog.Logger) *slogGormLogger {
	return &slogGormLogger{logger: log, level: gormLogLevel(level)}
}

const (
	slowQueryThreshold = 1 * time.Second
	maxSQLLogLength    = 200
)

// slogGormLogger bridges GORM's logger.Interface onto log/slog, truncating
// SQL text and rate-limiting connection-pool diagnostics on lock
// contention.
type slogGormLogger struct {
	logger       *slog.Logger
	level        logger.LogLevel
	sqlDB        *sql.DB
	lastStatsLog time.Time
	mu           sync.Mutex
}

func (l *slogGormLogger) setSQLDB(db *sql.DB) {
	l.sqlDB = db
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{logger: l.logger, level: level, sqlDB: l.sqlDB}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func truncateSQL(s string) string {
	if len(s) <= maxSQLLogLength {
		return s
	}
	return s[:maxSQLLogLength] + "... (truncated)"
}

func (l *slogGormLogger) logStatsOnLockContention() {
	if l.sqlDB == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastStatsLog) < time.Minute {
		return
	}
	l.lastStatsLog = time.Now()

	stats := l.sqlDB.Stats()
	l.logger.Warn("store connection pool stats (lock contention)",
		slog.Int("open_conns", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int("idle", stats.Idle),
		slog.Int64("wait_count", stats.WaitCount),
	)
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	isError := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	isSlow := elapsed > slowQueryThreshold

	var willLog bool
	switch {
	case isError && l.level >= logger.Error:
		willLog = true
	case isSlow && l.level >= logger.Warn:
		willLog = l.logger.Enabled(ctx, slog.LevelWarn)
	case l.level >= logger.Info:
		willLog = l.logger.Enabled(ctx, slog.LevelDebug)
	}
	if !willLog {
		return
	}

	sqlStr, rows := fc()

	switch {
	case isError:
		errStr := err.Error()
		if strings.Contains(errStr, "database is locked") {
			l.logStatsOnLockContention()
		}
		l.logger.ErrorContext(ctx, "store query error",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", errStr),
		)
	case isSlow:
		l.logger.WarnContext(ctx, "slow store query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	default:
		l.logger.DebugContext(ctx, "store query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/runid"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/pkg/bytesize"
	"github.com/denikryt/peertube-crawler/pkg/format"
)

// runCtx returns a context cancelled on SIGINT/SIGTERM, mirroring the
// teacher's serve command's own signal-to-cancel wiring.
func runCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

// openStore opens the store file named by the stage's own db_path
// setting, falling back to the --db persistent flag when the stage
// didn't set one, optionally wiping it first when fresh is true (the
// "recreate" side of spec.md's recreate-vs-resume contract).
func openStore(ctx context.Context, stageDBPath string, fresh bool) (*store.Store, error) {
	dsn := stageDBPath
	if dsn == "" {
		dsn = dbPath
	}
	return store.Open(ctx, store.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Fresh:  fresh,
		Logger: logger,
	})
}

// newFetcher builds an httpfetch.Client from a stage's timeout/retry
// settings, with the shell-out curl fallback enabled for no-network
// sandboxes per spec.md §7.
func newFetcher(timeout time.Duration, maxRetries int) *httpfetch.Client {
	cfg := httpfetch.DefaultConfig()
	cfg.Timeout = timeout
	cfg.MaxRetries = maxRetries
	cfg.Logger = logger
	return httpfetch.New(cfg)
}

// stageLogger returns the shared logger tagged with the stage name and a
// fresh run_id, stamping every stage invocation's log lines with a sortable
// identifier and letting a supervisor correlate one run's federation pass
// with its subsequent channel/video passes in aggregated logs.
func stageLogger(stage string) *slog.Logger {
	return logger.With(slog.String("stage", stage), slog.String("run_id", runid.New()))
}

// finish logs the run's accumulated KV counters (spec.md §7's run
// summary) and returns the process exit error: nil unless err is a
// no-network sentinel or a Store-level failure, per the "non-zero only on
// no-network and fatal Store errors" contract.
func finish(ctx context.Context, s *store.Store, stageLog *slog.Logger, runErr error, noNetwork error) error {
	summary, sumErr := s.RunSummary(ctx)
	if sumErr != nil {
		stageLog.WarnContext(ctx, "reading run summary failed", slog.String("error", sumErr.Error()))
	} else {
		stageLog.InfoContext(ctx, "run summary",
			slog.String("whitelist_url", summary.WhitelistURL),
			slog.String("whitelist_count", summary.WhitelistCount),
			slog.String("started_at", summary.StartedAt),
			slog.String("finished_at", summary.FinishedAt),
			slog.String("videos_new_total", summary.VideosNewTotal),
			slog.String("videos_new_total_human", humanCount(summary.VideosNewTotal)),
			slog.String("store_size", storeSize(s.Path())))
	}

	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, noNetwork) {
		stageLog.ErrorContext(ctx, "stage aborted: no network", slog.String("error", runErr.Error()))
		return fmt.Errorf("stage aborted: %w", runErr)
	}
	// Any other error surfacing from Run is a Store/config fault, not a
	// per-host failure (those are recorded and swallowed by the walker
	// itself) — also fatal.
	stageLog.ErrorContext(ctx, "stage failed", slog.String("error", runErr.Error()))
	return runErr
}

// humanCount renders a KV counter (stored as a decimal string) in the
// thousands-separated form operators scan logs for; it returns the raw
// string unchanged if the counter was never set or isn't numeric.
func humanCount(raw string) string {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return raw
	}
	return format.Number(n)
}

// storeSize reports the sqlite store file's size on disk, for sizing the
// next backup or disk budget; it returns "unknown" for non-file backends
// or a file that hasn't been created yet.
func storeSize(dsn string) string {
	info, err := os.Stat(dsn)
	if err != nil {
		return "unknown"
	}
	return bytesize.Format(bytesize.Size(info.Size()))
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/walker/video"
)

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Page video-channels/{slug}/videos for every eligible channel",
	RunE:  runVideo,
}

func init() {
	rootCmd.AddCommand(videoCmd)

	fs := videoCmd.Flags()
	fs.String("exclude-hosts-file", "", "path to a hosts file excluded from the walk")
	fs.Int("concurrency", stageconfig.DefaultConcurrency, "number of concurrent host workers")
	fs.Int("channel-concurrency", 2, "number of channels processed concurrently per host")
	fs.Int("timeout-ms", stageconfig.DefaultTimeoutMs, "per-request timeout in milliseconds")
	fs.Int("max-retries", stageconfig.DefaultMaxRetries, "max retries per request")
	fs.Bool("new-only", false, "stop paginating once only-known videos are seen")
	fs.Int("max-instances", 0, "cap on instances visited, 0 for unlimited")
	fs.Int("max-channels", 0, "cap on channels visited, 0 for unlimited")
	fs.Bool("resume", false, "resume an interrupted pass instead of recreating progress")
	fs.String("existing-db-path", "", "read-only reference store consulted by new-only")
	fs.String("sort", "-publishedAt", "video list sort order")
	fs.Int("stop-after-full-pages", 3, "new-only early stop: consecutive all-known pages")
	fs.Int("max-videos-pages", 0, "cap on pages fetched per channel, 0 for unlimited")
	fs.Bool("errors-only", false, "retry only channels left in error state")
}

func runVideo(cmd *cobra.Command, _ []string) error {
	cfg, err := stageconfig.LoadVideo(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading video config: %w", err)
	}

	ctx, cancel := runCtx()
	defer cancel()

	stageLog := stageLogger("video")
	s, err := openStore(ctx, cfg.DBPath, false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	var existing *store.Store
	if cfg.ExistingDBPath != "" {
		existing, err = store.Open(ctx, store.Config{Driver: "sqlite", DSN: cfg.ExistingDBPath, Logger: stageLog})
		if err != nil {
			return fmt.Errorf("opening existing reference store: %w", err)
		}
		defer existing.Close()
	}

	fetcher := newFetcher(cfg.Timeout(), cfg.MaxRetries)
	runErr := video.Run(ctx, cfg, video.Deps{Store: s, ExistingStore: existing, Fetcher: fetcher, Logger: stageLog})
	return finish(ctx, s, stageLog, runErr, video.ErrNoNetwork)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/walker/enrich"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Backfill tags for videos missing them",
	RunE:  runEnrich,
}

var updateTagsCmd = &cobra.Command{
	Use:   "update-tags",
	Short: "Re-fetch tags for videos that already have them",
	RunE:  runEnrich,
}

var commentsCmd = &cobra.Command{
	Use:   "comments",
	Short: "Backfill comment counts for videos missing them",
	RunE:  runEnrich,
}

func init() {
	for _, c := range []*cobra.Command{tagsCmd, updateTagsCmd, commentsCmd} {
		rootCmd.AddCommand(c)
		addEnrichFlags(c)
	}
}

func addEnrichFlags(c *cobra.Command) {
	fs := c.Flags()
	fs.Int("concurrency", stageconfig.DefaultConcurrency, "number of concurrent video workers")
	fs.Int("timeout-ms", stageconfig.DefaultTimeoutMs, "per-request timeout in milliseconds")
	fs.Int("max-retries", stageconfig.DefaultMaxRetries, "max retries per request")
	fs.Int("host-delay-ms", 200, "minimum delay between consecutive requests to the same host")
	fs.Bool("resume", false, "resume an interrupted comments pass instead of restarting it")
}

// runEnrich loads the video stage's config (enrichment reuses its
// timeout/retry/concurrency fields) and dispatches on which of the three
// enrich subcommands invoked it.
func runEnrich(cmd *cobra.Command, _ []string) error {
	cfg, err := stageconfig.LoadVideo(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading video config: %w", err)
	}

	switch cmd.Use {
	case tagsCmd.Use:
		cfg.TagsOnly = true
	case updateTagsCmd.Use:
		cfg.UpdateTags = true
	case commentsCmd.Use:
		cfg.CommentsOnly = true
	}

	ctx, cancel := runCtx()
	defer cancel()

	stageLog := stageLogger(cmd.Use)
	s, err := openStore(ctx, cfg.DBPath, false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	fetcher := newFetcher(cfg.Timeout(), cfg.MaxRetries)
	runErr := enrich.Run(ctx, cfg, enrich.Deps{Store: s, Fetcher: fetcher, Logger: stageLog})
	return finish(ctx, s, stageLog, runErr, enrich.ErrNoNetwork)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/walker/channel"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Page video-channels across every known host and upsert channel rows",
	RunE:  runChannel,
}

func init() {
	rootCmd.AddCommand(channelCmd)

	fs := channelCmd.Flags()
	fs.String("exclude-hosts-file", "", "path to a hosts file excluded from the walk")
	fs.Int("concurrency", stageconfig.DefaultConcurrency, "number of concurrent host workers")
	fs.Int("timeout-ms", stageconfig.DefaultTimeoutMs, "per-request timeout in milliseconds")
	fs.Int("max-retries", stageconfig.DefaultMaxRetries, "max retries per request")
	fs.Bool("new-only", false, "skip channels already stored for the host")
	fs.Int("max-instances", 0, "cap on instances visited, 0 for unlimited")
	fs.Int("max-channels", 0, "cap on channels visited, 0 for unlimited")
	fs.Bool("resume", false, "resume an interrupted pass instead of recreating progress")
}

func runChannel(cmd *cobra.Command, _ []string) error {
	cfg, err := stageconfig.LoadChannel(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading channel config: %w", err)
	}

	ctx, cancel := runCtx()
	defer cancel()

	stageLog := stageLogger("channel")
	s, err := openStore(ctx, cfg.DBPath, false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	fetcher := newFetcher(cfg.Timeout(), cfg.MaxRetries)
	runErr := channel.Run(ctx, cfg, channel.Deps{Store: s, Fetcher: fetcher, Logger: stageLog})
	return finish(ctx, s, stageLog, runErr, channel.ErrNoNetwork)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/walker/federation"
)

var federationCmd = &cobra.Command{
	Use:   "federation",
	Short: "Discover instances by walking server/following and server/followers",
	RunE:  runFederation,
}

func init() {
	rootCmd.AddCommand(federationCmd)

	fs := federationCmd.Flags()
	fs.String("whitelist-url", "", "URL of the seed whitelist")
	fs.String("whitelist-file", "", "path to the seed whitelist")
	fs.String("exclude-hosts-file", "", "path to a hosts file excluded from the walk")
	fs.Int("concurrency", stageconfig.DefaultConcurrency, "number of concurrent host workers")
	fs.Int("timeout-ms", stageconfig.DefaultTimeoutMs, "per-request timeout in milliseconds")
	fs.Int("max-retries", stageconfig.DefaultMaxRetries, "max retries per request")
	fs.Int("max-errors", stageconfig.DefaultMaxErrors, "consecutive host errors before giving up on it")
	fs.Int("max-instances", 0, "cap on instances visited, 0 for unlimited")
	fs.Bool("expand-beyond-whitelist", false, "follow edges to hosts outside the seed whitelist")
	fs.Bool("collect-graph", false, "persist discovered federation edges")
	fs.Bool("resume", false, "resume an interrupted pass instead of recreating the queue")
	fs.Bool("fresh", false, "recreate the store file before running")
}

func runFederation(cmd *cobra.Command, _ []string) error {
	cfg, err := stageconfig.LoadFederation(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading federation config: %w", err)
	}
	fresh, _ := cmd.Flags().GetBool("fresh")

	ctx, cancel := runCtx()
	defer cancel()

	stageLog := stageLogger("federation")
	s, err := openStore(ctx, cfg.DBPath, fresh && !cfg.Resume)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	fetcher := newFetcher(cfg.Timeout(), cfg.MaxRetries)
	runErr := federation.Run(ctx, cfg, federation.Deps{Store: s, Fetcher: fetcher, Logger: stageLog})
	return finish(ctx, s, stageLog, runErr, federation.ErrNoNetwork)
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/walker/health"
	"github.com/denikryt/peertube-crawler/pkg/duration"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe known hosts and record their reachability",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)

	fs := healthCmd.Flags()
	fs.String("host", "", "check a single host instead of every host in scope")
	fs.Bool("errors-only", false, "limit the pass to hosts currently carrying a last_error")
	fs.Float64("min-age-days", 0, "skip hosts checked more recently than this many days ago")
	fs.Float64("min-age-min", 0, "skip hosts checked more recently than this many minutes ago")
	fs.Float64("min-age-sec", 0, "skip hosts checked more recently than this many seconds ago")
	fs.String("min-age", "", "skip hosts checked more recently than this (e.g. \"30d\", \"2 weeks\"); overrides --min-age-days/-min/-sec")
}

func runHealth(cmd *cobra.Command, _ []string) error {
	minAgeDays, _ := cmd.Flags().GetFloat64("min-age-days")
	minAgeMin, _ := cmd.Flags().GetFloat64("min-age-min")
	minAgeSec, _ := cmd.Flags().GetFloat64("min-age-sec")

	cfg, err := stageconfig.LoadHealth(cfgFile, minAgeDays, minAgeMin, minAgeSec, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading health config: %w", err)
	}

	if minAge, _ := cmd.Flags().GetString("min-age"); minAge != "" {
		d, err := duration.Parse(minAge)
		if err != nil {
			return fmt.Errorf("parsing --min-age: %w", err)
		}
		cfg.MinAgeMs = d.Milliseconds()
	}

	ctx, cancel := runCtx()
	defer cancel()

	stageLog := stageLogger("health")
	if cfg.MinAgeMs > 0 {
		stageLog.Info("health: skipping recently-checked hosts",
			"min_age", duration.Format(time.Duration(cfg.MinAgeMs)*time.Millisecond))
	}
	s, err := openStore(ctx, cfg.DBPath, false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	fetcher := newFetcher(time.Duration(stageconfig.DefaultTimeoutMs)*time.Millisecond, stageconfig.DefaultMaxRetries)
	runErr := health.Run(ctx, cfg, health.Deps{Store: s, Fetcher: fetcher, Logger: stageLog})
	return finish(ctx, s, stageLog, runErr, health.ErrNoNetwork)
}

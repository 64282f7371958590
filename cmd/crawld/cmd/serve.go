package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/denikryt/peertube-crawler/internal/scheduler"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/walker/federation"
	"github.com/denikryt/peertube-crawler/internal/walker/health"
)

// serveCmd is the optional supervisor mode: it holds the process open and
// re-invokes the federation walker and health checker on their own cron
// schedules against one Store file, instead of relying on an external
// timer to re-exec the binary per spec.md's "stages composed externally"
// contract.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the federation walker and health checker on recurring cron schedules",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	fs := serveCmd.Flags()
	fs.String("federation-schedule", "0 */30 * * * *", "cron schedule for the federation walker")
	fs.String("health-schedule", "0 0 */6 * * *", "cron schedule for the health checker")
}

func runServe(cmd *cobra.Command, _ []string) error {
	federationSchedule, _ := cmd.Flags().GetString("federation-schedule")
	healthSchedule, _ := cmd.Flags().GetString("health-schedule")

	federationCfg, err := stageconfig.LoadFederation(cfgFile)
	if err != nil {
		return fmt.Errorf("loading federation config: %w", err)
	}
	healthCfg, err := stageconfig.LoadHealth(cfgFile, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("loading health config: %w", err)
	}

	ctx, cancel := runCtx()
	defer cancel()

	s, err := openStore(ctx, "", false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	jobs := []scheduler.Job{
		{
			Name:     "federation",
			Schedule: federationSchedule,
			Run: func(jobCtx context.Context) error {
				jobLog := stageLogger("federation")
				fetcher := newFetcher(federationCfg.Timeout(), federationCfg.MaxRetries)
				return federation.Run(jobCtx, federationCfg, federation.Deps{Store: s, Fetcher: fetcher, Logger: jobLog})
			},
		},
		{
			Name:     "health",
			Schedule: healthSchedule,
			Run: func(jobCtx context.Context) error {
				jobLog := stageLogger("health")
				fetcher := newFetcher(time.Duration(stageconfig.DefaultTimeoutMs)*time.Millisecond, stageconfig.DefaultMaxRetries)
				return health.Run(jobCtx, healthCfg, health.Deps{Store: s, Fetcher: fetcher, Logger: jobLog})
			},
		},
	}

	sched, err := scheduler.New(logger, jobs)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	logger.Info("serve: scheduler running", slog.String("federation_schedule", federationSchedule), slog.String("health_schedule", healthSchedule))
	return g.Wait()
}

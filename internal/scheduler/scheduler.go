// Package scheduler provides an optional cron-driven recurring runner for
// crawld. spec.md's operational contract composes stages externally, one
// invocation per run; this package exists for the supervisor that would
// rather hold the process open and let robfig/cron trigger successive
// invocations of the same stage against the same Store file, instead of
// re-execing the binary from an external timer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/denikryt/peertube-crawler/pkg/format"
)

// Job is one schedulable unit: a name for logging and a func to invoke on
// each firing. The func typically wraps a single stage's Run with a fresh
// context derived from the scheduler's lifetime.
type Job struct {
	Name     string
	Schedule string // 6-field cron expression (sec min hour dom month dow) or @every/@hourly style
	Run      func(ctx context.Context) error
}

// Scheduler drives a fixed set of Jobs on their own cron schedules. It
// does not persist schedules or job history — crawld's jobs are the
// federation walker and the health checker, not an expanding user-defined
// set, so there is nothing to sync from a database.
type Scheduler struct {
	mu     sync.Mutex
	logger *slog.Logger
	cron   *cron.Cron
	jobs   []Job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler with jobs registered but not yet started.
func New(logger *slog.Logger, jobs []Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	s := &Scheduler{logger: logger, cron: c, jobs: jobs}

	for _, job := range jobs {
		job := job
		expr, err := NormalizeCronExpression(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		if _, err := c.AddFunc(expr, func() { s.runJob(job) }); err != nil {
			return nil, fmt.Errorf("scheduling job %s: %w", job.Name, err)
		}
		logger.Info("job registered",
			slog.String("job", job.Name),
			slog.String("schedule", expr),
			slog.String("description", format.CronDescription(expr)))
	}

	return s, nil
}

func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	s.logger.InfoContext(ctx, "scheduled job starting", slog.String("job", job.Name))
	if err := job.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed", slog.String("job", job.Name), slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "scheduled job completed", slog.String("job", job.Name))
}

// Start begins firing jobs on their schedules. It returns once the cron
// engine is running; jobs run asynchronously until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the cron engine and waits for in-flight job entries to
// return from robfig/cron's own scheduler loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.cancel = nil
	s.ctx = nil
}

// NormalizeCronExpression accepts 5-field (standard), 6-field (with
// seconds), and @every/@hourly-style descriptors, passing the latter
// through untouched and left-padding a 5-field expression with a leading
// "0" seconds column so every entry parses under the same 6-field parser.
func NormalizeCronExpression(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return "0 " + expr, nil
	case 6:
		return expr, nil
	default:
		return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
	}
}

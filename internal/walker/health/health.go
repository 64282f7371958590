// Package health implements spec.md §4.6's health checker: a cheap
// per-host probe that writes health_status/health_error independently of
// any walk progress table.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/denikryt/peertube-crawler/internal/fault"
	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/store/models"
	"github.com/denikryt/peertube-crawler/internal/walker/common"
)

// ErrNoNetwork is returned by Run when a no-network fault aborts the pass.
var ErrNoNetwork = errors.New("health: no-network fault, aborting")

// Deps are the walker's external collaborators.
type Deps struct {
	Store   *store.Store
	Fetcher *httpfetch.Client
	Logger  *slog.Logger
}

// Run probes every host selected by cfg's filter and records the outcome.
// This path never touches instance_crawl_progress, channel_crawl_progress,
// or video_crawl_progress.
func Run(ctx context.Context, cfg stageconfig.Health, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hosts, err := deps.Store.ListHostsForHealth(ctx, cfg.ErrorsOnly, cfg.Host, cfg.MinAgeMs)
	if err != nil {
		return fmt.Errorf("listing hosts for health check: %w", err)
	}
	if len(hosts) == 0 {
		logger.InfoContext(ctx, "health check: no hosts in scope")
		return nil
	}

	w := &walker{deps: deps, logger: logger, proto: common.NewProtoCache()}
	return w.drain(ctx, hosts)
}

type walker struct {
	deps   Deps
	logger *slog.Logger
	proto  *common.ProtoCache

	mu       sync.Mutex
	noNetErr error
}

func (w *walker) drain(ctx context.Context, hosts []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string, len(hosts))
	for _, h := range hosts {
		jobs <- h
	}
	close(jobs)

	n := stageconfig.DefaultConcurrency
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case host, ok := <-jobs:
					if !ok {
						return
					}
					if err := w.probe(ctx, host); err != nil {
						var f *fault.Fault
						if errors.As(err, &f) && f.Kind == fault.KindNoNetwork {
							w.mu.Lock()
							if w.noNetErr == nil {
								w.noNetErr = fmt.Errorf("%w: %s", ErrNoNetwork, err)
							}
							w.mu.Unlock()
							cancel()
							return
						}
					}
				}
			}
		}()
	}
	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.noNetErr != nil {
		return w.noNetErr
	}
	return ctx.Err()
}

// probe issues the cheapest possible listing call for host: a single-row
// video-channels page.
func (w *walker) probe(ctx context.Context, host string) error {
	logger := w.logger.With(slog.String("host", host))

	_, _, err := common.FetchJSONWithFallback[common.Page[map[string]any]](ctx, w.deps.Fetcher, w.proto, host, "https", "/api/v1/video-channels?start=0&count=1", stageconfig.DefaultMaxRetries)
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) && f.Kind == fault.KindNoNetwork {
			return err
		}
		msg := err.Error()
		logger.InfoContext(ctx, "health probe failed", slog.String("error", msg))
		return w.deps.Store.MarkHostHealth(ctx, host, models.HealthError, &msg)
	}

	logger.DebugContext(ctx, "health probe ok")
	return w.deps.Store.MarkHostHealth(ctx, host, models.HealthOK, nil)
}

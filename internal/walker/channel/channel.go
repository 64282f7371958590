// Package channel implements spec.md §4.5: pages video-channels per host
// and upserts channel rows, bounded by a global channel budget shared
// across every worker.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/denikryt/peertube-crawler/internal/fault"
	"github.com/denikryt/peertube-crawler/internal/hostfilter"
	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/store/models"
	"github.com/denikryt/peertube-crawler/internal/walker/common"
)

// ErrNoNetwork is returned by Run when a no-network fault aborts the walk.
var ErrNoNetwork = errors.New("channel: no-network fault, aborting")

// Deps are the walker's external collaborators.
type Deps struct {
	Store   *store.Store
	Fetcher *httpfetch.Client
	Logger  *slog.Logger
}

// Run executes one full channel pass over every in-scope host.
func Run(ctx context.Context, cfg stageconfig.Channel, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hosts, err := deps.Store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}

	var excluded map[string]struct{}
	if cfg.ExcludeHostsFile != "" {
		excluded, err = hostfilter.LoadHosts(ctx, cfg.ExcludeHostsFile)
		if err != nil {
			return fmt.Errorf("loading exclude list: %w", err)
		}
	}

	hostSet := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		hostSet[h] = struct{}{}
	}
	ordered := hostfilter.OrderedSlice(hostfilter.FilterHosts(hostSet, excluded))
	if cfg.MaxInstances > 0 && len(ordered) > cfg.MaxInstances {
		ordered = ordered[:cfg.MaxInstances]
	}
	if len(ordered) == 0 {
		return errors.New("no hosts to walk")
	}

	if err := deps.Store.PrepareChannelProgress(ctx, ordered, cfg.Resume); err != nil {
		return fmt.Errorf("preparing channel progress: %w", err)
	}

	items, err := deps.Store.ListChannelWorkItems(ctx)
	if err != nil {
		return fmt.Errorf("listing channel work items: %w", err)
	}

	w := &walker{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		budget: newBudget(cfg.MaxChannels),
		proto:  common.NewProtoCache(),
	}
	return w.drain(ctx, items)
}

// budget is the shared decrement counter for max_channels, the global cap
// across the whole run. A nil-equivalent (unlimited) budget never blocks.
type budget struct {
	mu        sync.Mutex
	unlimited bool
	remaining int64
}

func newBudget(max int) *budget {
	if max <= 0 {
		return &budget{unlimited: true}
	}
	return &budget{remaining: int64(max)}
}

// take returns how many of want may actually be spent, decrementing the
// shared counter by that amount.
func (b *budget) take(want int) int {
	if b.unlimited {
		return want
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return 0
	}
	if int64(want) > b.remaining {
		want = int(b.remaining)
	}
	b.remaining -= int64(want)
	return want
}

func (b *budget) exhausted() bool {
	if b.unlimited {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining <= 0
}

type walker struct {
	cfg    stageconfig.Channel
	deps   Deps
	logger *slog.Logger
	budget *budget
	proto  *common.ProtoCache

	mu       sync.Mutex
	noNetErr error
}

func (w *walker) drain(ctx context.Context, items []store.ChannelWorkItem) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan store.ChannelWorkItem, len(items))
	for _, it := range items {
		jobs <- it
	}
	close(jobs)

	n := w.cfg.Concurrency
	if n <= 0 {
		n = stageconfig.DefaultConcurrency
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			w.workerLoop(ctx, jobs, cancel)
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

func (w *walker) workerLoop(ctx context.Context, jobs <-chan store.ChannelWorkItem, abort context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.processHost(ctx, item); err != nil {
				var f *fault.Fault
				if errors.As(err, &f) && f.Kind == fault.KindNoNetwork {
					w.mu.Lock()
					if w.noNetErr == nil {
						w.noNetErr = fmt.Errorf("%w: %s", ErrNoNetwork, err)
					}
					w.mu.Unlock()
					abort()
					return
				}
			}
		}
	}
}

func (w *walker) processHost(ctx context.Context, item store.ChannelWorkItem) error {
	host := item.Host
	logger := w.logger.With(slog.String("host", host))

	offset := 0
	if item.Status == models.StatusInProgress {
		offset = int(item.LastStart)
	}

	for {
		if w.budget.exhausted() {
			logger.InfoContext(ctx, "channel budget exhausted, deferring host", slog.Int("offset", offset))
			return w.deps.Store.UpdateChannelProgress(ctx, host, models.StatusInProgress, int64(offset))
		}

		pathAndQuery := fmt.Sprintf("/api/v1/video-channels?start=%d&count=%d", offset, common.PageSize)
		page, proto, err := common.FetchJSONWithFallback[common.Page[map[string]any]](ctx, w.deps.Fetcher, w.proto, host, "https", pathAndQuery, w.cfg.MaxRetries)
		if err != nil {
			return w.fail(ctx, host, offset, err)
		}

		kept := page.Data
		if w.cfg.NewOnly {
			kept, err = w.filterExisting(ctx, host, kept)
			if err != nil {
				return w.fail(ctx, host, offset, err)
			}
		}

		rows := make([]models.Channel, 0, len(kept))
		for _, entry := range kept {
			entryHost, ok := common.ExtractHost(entry)
			if ok && entryHost != host {
				continue
			}
			row, ok := parseChannelEntry(host, proto, entry)
			if !ok {
				continue
			}
			rows = append(rows, row)
		}

		allowed := w.budget.take(len(rows))
		budgetRanOut := allowed < len(rows)
		if budgetRanOut {
			rows = rows[:allowed]
		}

		if len(rows) > 0 {
			if err := w.deps.Store.UpsertChannels(ctx, rows); err != nil {
				return w.fail(ctx, host, offset, err)
			}
		}

		nextOffset := offset + common.PageSize
		if err := w.deps.Store.UpdateChannelProgress(ctx, host, models.StatusInProgress, int64(nextOffset)); err != nil {
			return err
		}

		if budgetRanOut {
			logger.InfoContext(ctx, "channel budget exhausted mid-page, deferring host", slog.Int("offset", nextOffset))
			return nil
		}

		paginationDone := common.Done(offset, len(page.Data), page.Total)
		offset = nextOffset
		if paginationDone {
			break
		}
	}

	logger.InfoContext(ctx, "channel host done")
	if err := w.deps.Store.UpdateChannelProgress(ctx, host, models.StatusDone, 0); err != nil {
		return err
	}
	return w.deps.Store.MarkHostHealth(ctx, host, models.HealthOK, nil)
}

// filterExisting drops entries whose channel id is already stored for
// host, implementing new_only's resume-newly-discovered-only behavior.
func (w *walker) filterExisting(ctx context.Context, host string, entries []map[string]any) ([]map[string]any, error) {
	ids := make([]string, 0, len(entries))
	byID := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		id, ok := extractChannelID(entry)
		if !ok {
			continue
		}
		ids = append(ids, id)
		byID[id] = entry
	}

	existing, err := w.deps.Store.ListExistingChannelIds(ctx, host, ids)
	if err != nil {
		return nil, err
	}

	kept := make([]map[string]any, 0, len(entries))
	for _, id := range ids {
		if existing[id] {
			continue
		}
		kept = append(kept, byID[id])
	}
	return kept, nil
}

func (w *walker) fail(ctx context.Context, host string, offset int, cause error) error {
	var f *fault.Fault
	if errors.As(cause, &f) && f.Kind == fault.KindNoNetwork {
		return cause
	}

	msg := cause.Error()
	if err := w.deps.Store.MarkChannelError(ctx, host, msg); err != nil {
		return err
	}
	if err := w.deps.Store.UpdateChannelProgress(ctx, host, models.StatusError, int64(offset)); err != nil {
		return err
	}
	errMsg := msg
	return w.deps.Store.MarkHostHealth(ctx, host, models.HealthError, &errMsg)
}

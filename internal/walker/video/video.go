// Package video implements spec.md §4.6's video walker: for each eligible
// (host, channel) pair it pages video-channels/{slug}/videos, upserting
// video rows and checkpointing a per-channel offset.
package video

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
var ErrNoNetwork = errors.New("video: no-network fault, aborting")

// Deps are the walker's external collaborators. ExistingStore is the
// optional read-only reference Store opened from cfg.ExistingDBPath,
// consulted by new_only in addition to the primary Store.
type Deps struct {
	Store         *store.Store
	ExistingStore *store.Store
	Fetcher       *httpfetch.Client
	Logger        *slog.Logger
}

// Run executes one full video pass over every eligible (host, channel).
func Run(ctx context.Context, cfg stageconfig.Video, deps Deps) error {
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

	eligible, err := deps.Store.ListChannelsWithVideos(ctx, 1, ordered)
	if err != nil {
		return fmt.Errorf("listing eligible channels: %w", err)
	}
	if cfg.MaxChannels > 0 && len(eligible) > cfg.MaxChannels {
		eligible = eligible[:cfg.MaxChannels]
	}
	if len(eligible) == 0 {
		return errors.New("no eligible channels to walk")
	}

	if err := deps.Store.PrepareVideoProgress(ctx, eligible, cfg.Resume); err != nil {
		return fmt.Errorf("preparing video progress: %w", err)
	}

	statuses := []string{models.StatusPending, models.StatusInProgress}
	if cfg.ErrorsOnly {
		statuses = []string{models.StatusError}
	}
	items, err := deps.Store.ListVideoWorkItems(ctx, statuses)
	if err != nil {
		return fmt.Errorf("listing video work items: %w", err)
	}

	sort := cfg.Sort
	if sort == "" {
		sort = "-publishedAt"
	}
	stopAfter := cfg.StopAfterFullPages
	if stopAfter <= 0 {
		stopAfter = 3
	}
	channelConcurrency := cfg.ChannelConcurrency
	if channelConcurrency <= 0 {
		channelConcurrency = 2
	}

	w := &walker{
		cfg:                cfg,
		deps:               deps,
		logger:             logger,
		sort:               sort,
		stopAfterFullPages: stopAfter,
		channelConcurrency: channelConcurrency,
		proto:              common.NewProtoCache(),
	}
	return w.drain(ctx, groupByHost(items))
}

// hostGroup is every pending/in-progress channel work item for one host,
// processed by a single nested pool of channel_concurrency workers.
type hostGroup struct {
	host  string
	items []store.VideoWorkItem
}

func groupByHost(items []store.VideoWorkItem) []hostGroup {
	order := make([]string, 0)
	byHost := make(map[string][]store.VideoWorkItem)
	for _, it := range items {
		if _, ok := byHost[it.Host]; !ok {
			order = append(order, it.Host)
		}
		byHost[it.Host] = append(byHost[it.Host], it)
	}
	groups := make([]hostGroup, 0, len(order))
	for _, h := range order {
		groups = append(groups, hostGroup{host: h, items: byHost[h]})
	}
	return groups
}

type walker struct {
	cfg                stageconfig.Video
	deps               Deps
	logger             *slog.Logger
	sort               string
	stopAfterFullPages int
	channelConcurrency int
	proto              *common.ProtoCache

	mu       sync.Mutex
	noNetErr error
}

func (w *walker) drain(ctx context.Context, groups []hostGroup) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan hostGroup, len(groups))
	for _, g := range groups {
		jobs <- g
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
			for {
				select {
				case <-ctx.Done():
					return
				case g, ok := <-jobs:
					if !ok {
						return
					}
					w.processHost(ctx, g, cancel)
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

// processHost fans the host's channels out over channel_concurrency
// workers, preserving per-channel offset order while letting channels
// within the same host interleave.
func (w *walker) processHost(ctx context.Context, g hostGroup, abort context.CancelFunc) {
	jobs := make(chan store.VideoWorkItem, len(g.items))
	for _, it := range g.items {
		jobs <- it
	}
	close(jobs)

	n := w.channelConcurrency
	if n > len(g.items) {
		n = len(g.items)
	}
	if n <= 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-jobs:
					if !ok {
						return
					}
					if err := w.processChannel(ctx, item); err != nil {
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
		}()
	}
	wg.Wait()
}

func (w *walker) processChannel(ctx context.Context, item store.VideoWorkItem) error {
	host, channelID, slug := item.Host, item.ChannelID, item.Slug
	logger := w.logger.With(slog.String("host", host), slog.String("channel_id", channelID))

	offset := 0
	if item.Status == models.StatusInProgress {
		offset = int(item.LastStart)
	}

	fullPagesSeen := 0
	pagesFetched := 0

	for {
		pathAndQuery := fmt.Sprintf("/api/v1/video-channels/%s/videos?start=%d&count=%d&sort=%s", slug, offset, common.PageSize, w.sort)
		page, proto, err := common.FetchJSONWithFallback[common.Page[map[string]any]](ctx, w.deps.Fetcher, w.proto, host, "https", pathAndQuery, w.cfg.MaxRetries)
		if err != nil {
			return w.fail(ctx, host, channelID, offset, err)
		}
		pagesFetched++

		entries := page.Data
		newIDs := 0
		rows := make([]models.Video, 0, len(entries))
		if w.cfg.NewOnly {
			ids := make([]string, 0, len(entries))
			byID := make(map[string]map[string]any, len(entries))
			for _, e := range entries {
				id, ok := extractVideoID(e)
				if !ok {
					continue
				}
				ids = append(ids, id)
				byID[id] = e
			}
			known, err := w.existingIDs(ctx, host, ids)
			if err != nil {
				return w.fail(ctx, host, channelID, offset, err)
			}
			for _, id := range ids {
				if known[id] {
					continue
				}
				if row, ok := parseVideoEntry(host, proto, channelID, item.ChannelName, byID[id]); ok {
					rows = append(rows, row)
					newIDs++
				}
			}
		} else {
			for _, e := range entries {
				if row, ok := parseVideoEntry(host, proto, channelID, item.ChannelName, e); ok {
					rows = append(rows, row)
					newIDs++
				}
			}
		}

		if len(rows) > 0 {
			if err := w.deps.Store.UpsertVideos(ctx, rows); err != nil {
				return w.fail(ctx, host, channelID, offset, err)
			}
			if err := w.deps.Store.IncrementState(ctx, "videos_new_total", int64(len(rows))); err != nil {
				return w.fail(ctx, host, channelID, offset, err)
			}
		}

		nextOffset := offset + common.PageSize
		if err := w.deps.Store.UpdateVideoProgress(ctx, host, channelID, models.StatusInProgress, int64(nextOffset), nil); err != nil {
			return err
		}

		if w.cfg.NewOnly {
			if newIDs == 0 {
				fullPagesSeen++
			} else {
				fullPagesSeen = 0
			}
		}

		paginationDone := common.Done(offset, len(entries), page.Total)
		offset = nextOffset

		if paginationDone {
			break
		}
		if w.cfg.NewOnly && fullPagesSeen >= w.stopAfterFullPages {
			logger.InfoContext(ctx, "video walk early stop: full pages streak", slog.Int("streak", fullPagesSeen))
			break
		}
		if w.cfg.MaxVideosPages > 0 && pagesFetched >= w.cfg.MaxVideosPages {
			logger.InfoContext(ctx, "video walk stop: max pages reached", slog.Int("pages", pagesFetched))
			break
		}
	}

	logger.InfoContext(ctx, "video channel done")
	return w.deps.Store.UpdateVideoProgress(ctx, host, channelID, models.StatusDone, 0, nil)
}

// existingIDs returns the subset of ids already known locally or, if an
// existing reference Store is configured, there too. new_only skips an
// entry present in either.
func (w *walker) existingIDs(ctx context.Context, host string, ids []string) (map[string]bool, error) {
	known, err := w.deps.Store.ListExistingVideoIds(ctx, host, ids)
	if err != nil {
		return nil, err
	}
	if w.deps.ExistingStore == nil {
		return known, nil
	}
	refKnown, err := w.deps.ExistingStore.ListExistingVideoIds(ctx, host, ids)
	if err != nil {
		return nil, err
	}
	for id := range refKnown {
		known[id] = true
	}
	return known, nil
}

func (w *walker) fail(ctx context.Context, host, channelID string, offset int, cause error) error {
	var f *fault.Fault
	if errors.As(cause, &f) && f.Kind == fault.KindNoNetwork {
		return cause
	}

	msg := cause.Error()
	return w.deps.Store.UpdateVideoProgress(ctx, host, channelID, models.StatusError, int64(offset), &msg)
}

// Package federation implements spec.md §4.4: the worker pool that walks
// server/following and server/followers across the whitelist (and,
// optionally, beyond it), growing the hosts table and the retry queue.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denikryt/peertube-crawler/internal/fault"
	"github.com/denikryt/peertube-crawler/internal/hostfilter"
	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/walker/common"
)

// ErrNoNetwork is returned by Run when a no-network fault aborts the
// walker. Callers (cmd/crawld) use this to select the non-zero exit path
// spec.md §7 requires, without mutating further progress.
var ErrNoNetwork = errors.New("federation: no-network fault, aborting")

// Deps are the walker's external collaborators, separated from Config so
// tests can swap in an httptest-backed fetcher.
type Deps struct {
	Store   *store.Store
	Fetcher *httpfetch.Client
	Logger  *slog.Logger
}

// Run executes one full federation pass: seed the whitelist, recover any
// orphaned queue entries, then drain the queue with cfg.Concurrency
// workers until nothing remains claimable.
func Run(ctx context.Context, cfg stageconfig.Federation, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	whitelistSource := cfg.WhitelistURL
	if whitelistSource == "" {
		whitelistSource = cfg.WhitelistFile
	}
	whitelist, err := hostfilter.LoadHosts(ctx, whitelistSource)
	if err != nil {
		return fmt.Errorf("loading whitelist: %w", err)
	}

	var excluded map[string]struct{}
	if cfg.ExcludeHostsFile != "" {
		excluded, err = hostfilter.LoadHosts(ctx, cfg.ExcludeHostsFile)
		if err != nil {
			return fmt.Errorf("loading exclude list: %w", err)
		}
	}

	ordered := hostfilter.OrderedSlice(hostfilter.FilterHosts(whitelist, excluded))
	if cfg.MaxInstances > 0 && len(ordered) > cfg.MaxInstances {
		ordered = ordered[:cfg.MaxInstances]
	}
	if len(ordered) == 0 {
		return errors.New("empty whitelist")
	}

	scope := make(map[string]struct{}, len(ordered))
	for _, h := range ordered {
		scope[h] = struct{}{}
	}
	if excluded == nil {
		excluded = make(map[string]struct{})
	}

	if err := deps.Store.SetState(ctx, "whitelist_url", whitelistSource); err != nil {
		return fmt.Errorf("recording whitelist_url: %w", err)
	}
	if err := deps.Store.SetState(ctx, "whitelist_count", fmt.Sprintf("%d", len(ordered))); err != nil {
		return fmt.Errorf("recording whitelist_count: %w", err)
	}
	if err := deps.Store.SetState(ctx, "started_at", fmt.Sprintf("%d", time.Now().UnixMilli())); err != nil {
		return fmt.Errorf("recording started_at: %w", err)
	}

	for _, host := range ordered {
		if err := deps.Store.EnsureHost(ctx, host); err != nil {
			return fmt.Errorf("ensuring whitelisted host %s: %w", host, err)
		}
		if cfg.CollectGraph || cfg.ExpandBeyondWhitelist {
			if err := deps.Store.EnqueueHost(ctx, host, 0); err != nil {
				return fmt.Errorf("enqueuing whitelisted host %s: %w", host, err)
			}
		}
	}

	skipRecovery := cfg.Resume && !cfg.ExpandBeyondWhitelist && !cfg.CollectGraph
	if !skipRecovery {
		var recoverScope []string
		if !cfg.ExpandBeyondWhitelist {
			recoverScope = ordered
		}
		if err := deps.Store.RecoverQueue(ctx, recoverScope); err != nil {
			return fmt.Errorf("recovering queue: %w", err)
		}
	}

	w := &walker{cfg: cfg, deps: deps, logger: logger, scope: scope, excluded: excluded, proto: common.NewProtoCache()}
	return w.drain(ctx)
}

type walker struct {
	cfg      stageconfig.Federation
	deps     Deps
	logger   *slog.Logger
	scope    map[string]struct{}
	excluded map[string]struct{}
	proto    *common.ProtoCache

	mu       sync.Mutex
	noNetErr error
}

func (w *walker) drain(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	n := w.cfg.Concurrency
	if n <= 0 {
		n = stageconfig.DefaultConcurrency
	}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			w.workerLoop(ctx, cancel)
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

func (w *walker) workerLoop(ctx context.Context, abort context.CancelFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		host, err := w.deps.Store.ClaimNextHost(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "claiming host failed", slog.String("error", err.Error()))
			return
		}

		if host == "" {
			next, err := w.deps.Store.NextQueueTime(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "reading next queue time failed", slog.String("error", err.Error()))
				return
			}
			if next == nil {
				return
			}
			delay := time.Until(time.UnixMilli(*next))
			if delay <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		if err := w.processHost(ctx, host); err != nil {
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

func (w *walker) processHost(ctx context.Context, host string) error {
	logger := w.logger.With(slog.String("host", host))

	following, err := w.walkEdges(ctx, host, "server/following")
	if err != nil {
		return w.fail(ctx, host, err)
	}
	followers, err := w.walkEdges(ctx, host, "server/followers")
	if err != nil {
		return w.fail(ctx, host, err)
	}

	for _, target := range append(following, followers...) {
		if target == host {
			continue
		}
		if _, skip := w.excluded[target]; skip {
			continue
		}
		_, inScope := w.scope[target]
		if inScope || w.cfg.ExpandBeyondWhitelist {
			if err := w.deps.Store.EnsureHost(ctx, target); err != nil {
				return w.fail(ctx, host, err)
			}
			if err := w.deps.Store.EnqueueHost(ctx, target, 0); err != nil {
				return w.fail(ctx, host, err)
			}
		}
		if w.cfg.CollectGraph {
			if err := w.deps.Store.InsertEdge(ctx, host, target); err != nil {
				return w.fail(ctx, host, err)
			}
		}
	}

	logger.InfoContext(ctx, "federation host done", slog.Int("following", len(following)), slog.Int("followers", len(followers)))
	return w.deps.Store.MarkHostDone(ctx, host)
}

// walkEdges fully paginates one of server/following or server/followers
// for host, returning every normalized target host encountered.
func (w *walker) walkEdges(ctx context.Context, host, path string) ([]string, error) {
	var targets []string
	offset := 0
	for {
		pathAndQuery := fmt.Sprintf("/api/v1/%s?start=%d&count=%d", path, offset, common.PageSize)
		page, _, err := common.FetchJSONWithFallback[common.Page[map[string]any]](ctx, w.deps.Fetcher, w.proto, host, "https", pathAndQuery, w.cfg.MaxRetries)
		if err != nil {
			return nil, err
		}

		for _, entry := range page.Data {
			if t, ok := common.ExtractHost(entry); ok {
				targets = append(targets, t)
			}
		}

		if common.Done(offset, len(page.Data), page.Total) {
			return targets, nil
		}
		offset += common.PageSize
	}
}

func (w *walker) fail(ctx context.Context, host string, cause error) error {
	var f *fault.Fault
	if errors.As(cause, &f) && f.Kind == fault.KindNoNetwork {
		return cause
	}

	msg := cause.Error()
	if err := w.deps.Store.MarkHostError(ctx, host, msg); err != nil {
		return err
	}

	count, err := w.deps.Store.GetHostErrorCount(ctx, host)
	if err != nil {
		return err
	}
	if count < w.cfg.MaxErrors {
		delay := count * 5000
		if delay > 30000 {
			delay = 30000
		}
		if err := w.deps.Store.EnqueueHost(ctx, host, int64(delay)); err != nil {
			return err
		}
	}
	return nil
}

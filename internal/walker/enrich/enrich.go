// Package enrich implements spec.md §4.6's enrichment walker: per-video
// detail fetches that backfill tags and comment counts, classifying
// terminal per-video failures (404, TLS expired, TLS other, timeout) so
// they are permanently excluded from future enrichment passes.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denikryt/peertube-crawler/internal/fault"
	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/store/models"
	"github.com/denikryt/peertube-crawler/internal/walker/common"
)

// ErrNoNetwork is returned by Run when a no-network fault aborts the walk.
var ErrNoNetwork = errors.New("enrich: no-network fault, aborting")

// Mode selects which field the walker backfills and which videos qualify.
type Mode string

const (
	ModeTags       Mode = "tags"
	ModeUpdateTags Mode = "update-tags"
	ModeComments   Mode = "comments"
)

// modeFromConfig resolves spec.md §6's three mutually-exclusive flags
// (tags_only, update_tags, comments_only) to a Mode, defaulting to tags.
func modeFromConfig(cfg stageconfig.Video) Mode {
	switch {
	case cfg.CommentsOnly:
		return ModeComments
	case cfg.UpdateTags:
		return ModeUpdateTags
	default:
		return ModeTags
	}
}

// Deps are the walker's external collaborators.
type Deps struct {
	Store   *store.Store
	Fetcher *httpfetch.Client
	Logger  *slog.Logger
}

// Run executes one full enrichment pass in the mode selected by cfg.
func Run(ctx context.Context, cfg stageconfig.Video, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mode := modeFromConfig(cfg)

	var videos []models.Video
	var err error
	switch mode {
	case ModeTags:
		videos, err = deps.Store.ListVideosForTags(ctx, "missing")
	case ModeUpdateTags:
		videos, err = deps.Store.ListVideosForTags(ctx, "present")
	case ModeComments:
		videos, err = deps.Store.ListVideosForComments(ctx, cfg.Resume)
	}
	if err != nil {
		return fmt.Errorf("listing videos for %s: %w", mode, err)
	}
	if len(videos) == 0 {
		logger.InfoContext(ctx, "enrichment: nothing to do", slog.String("mode", string(mode)))
		return nil
	}

	delay := cfg.HostDelay()
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	w := &walker{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mode:   mode,
		proto:  common.NewProtoCache(),
		pacer:  newHostPacer(delay),
	}
	return w.drain(ctx, videos)
}

type walker struct {
	cfg    stageconfig.Video
	deps   Deps
	logger *slog.Logger
	mode   Mode
	proto  *common.ProtoCache
	pacer  *hostPacer

	mu       sync.Mutex
	noNetErr error
}

func (w *walker) drain(ctx context.Context, videos []models.Video) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan models.Video, len(videos))
	for _, v := range videos {
		jobs <- v
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
				case v, ok := <-jobs:
					if !ok {
						return
					}
					if err := w.processVideo(ctx, v); err != nil {
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

func (w *walker) processVideo(ctx context.Context, v models.Video) error {
	if !w.pacer.wait(ctx, v.Host) {
		return ctx.Err()
	}

	logger := w.logger.With(slog.String("host", v.Host), slog.String("video_id", v.VideoID))

	pathAndQuery := "/api/v1/videos/" + v.VideoID
	detail, _, err := common.FetchJSONWithFallback[map[string]any](ctx, w.deps.Fetcher, w.proto, v.Host, "https", pathAndQuery, w.cfg.MaxRetries)
	if err != nil {
		return w.handleFault(ctx, v, err)
	}

	switch w.mode {
	case ModeTags, ModeUpdateTags:
		tagsJSON, err := extractTags(detail)
		if err != nil {
			return w.deps.Store.UpdateVideoError(ctx, v.VideoID, v.Host, err.Error())
		}
		if err := w.deps.Store.UpdateVideoTags(ctx, v.VideoID, v.Host, tagsJSON); err != nil {
			return err
		}
	case ModeComments:
		n, ok := extractComments(detail)
		if !ok {
			return w.deps.Store.UpdateVideoError(ctx, v.VideoID, v.Host, "comments field missing from video detail")
		}
		if err := w.deps.Store.UpdateVideoComments(ctx, v.VideoID, v.Host, n); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "enrichment video done", slog.String("mode", string(w.mode)))
	return nil
}

// handleFault maps a classified fault onto the enrichment walker's
// terminal-invalidation contract: no-network aborts the whole walk; 404,
// TLS-expired, TLS-other, and timeout terminally invalidate the video;
// everything else bumps the retry counter and continues.
func (w *walker) handleFault(ctx context.Context, v models.Video, cause error) error {
	var f *fault.Fault
	if !errors.As(cause, &f) {
		return w.deps.Store.UpdateVideoError(ctx, v.VideoID, v.Host, cause.Error())
	}

	switch {
	case f.Kind == fault.KindNoNetwork:
		return cause
	case f.Kind == fault.KindClientError && f.StatusCode == 404:
		return w.deps.Store.UpdateVideoInvalid(ctx, v.VideoID, v.Host, models.InvalidNotFound)
	case f.Kind == fault.KindTLSExpired:
		return w.deps.Store.UpdateVideoInvalid(ctx, v.VideoID, v.Host, models.InvalidCertExpired)
	case f.Kind == fault.KindTLSOther:
		return w.deps.Store.UpdateVideoInvalid(ctx, v.VideoID, v.Host, models.InvalidTLSError)
	case f.Kind == fault.KindTimeout:
		return w.deps.Store.UpdateVideoInvalid(ctx, v.VideoID, v.Host, models.InvalidTimeout)
	default:
		return w.deps.Store.UpdateVideoError(ctx, v.VideoID, v.Host, f.Error())
	}
}

// hostPacer enforces host_delay_ms between consecutive requests to the
// same host across every worker in the pool.
type hostPacer struct {
	mu    sync.Mutex
	next  map[string]time.Time
	delay time.Duration
}

func newHostPacer(delay time.Duration) *hostPacer {
	return &hostPacer{next: make(map[string]time.Time), delay: delay}
}

// wait blocks until host's next allowed slot, reserving the following one.
// Returns false if ctx was cancelled while waiting.
func (p *hostPacer) wait(ctx context.Context, host string) bool {
	p.mu.Lock()
	now := time.Now()
	allowed := p.next[host]
	if allowed.Before(now) {
		allowed = now
	}
	p.next[host] = allowed.Add(p.delay)
	p.mu.Unlock()

	d := time.Until(allowed)
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

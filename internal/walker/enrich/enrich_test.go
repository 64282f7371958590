package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denikryt/peertube-crawler/internal/httpfetch"
	"github.com/denikryt/peertube-crawler/internal/stageconfig"
	"github.com/denikryt/peertube-crawler/internal/store"
	"github.com/denikryt/peertube-crawler/internal/store/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func hostOf(server *httptest.Server) string {
	return strings.TrimPrefix(server.URL, "http://")
}

// TestRun_TagsModeBackfillsMissingTags exercises the default tags_only
// mode: a video with no tags_json gets the detail endpoint's tags array
// stored as JSON.
func TestRun_TagsModeBackfillsMissingTags(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/videos/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"tags": []any{"music", "live"}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	host := hostOf(server)

	s := newTestStore(t)
	require.NoError(t, s.EnsureHost(ctx, host))
	require.NoError(t, s.UpsertVideos(ctx, []models.Video{
		{VideoID: "abc", Host: host, ChannelID: "1"},
	}))

	fetchCfg := httpfetch.DefaultConfig()
	fetchCfg.ShellFallback = false
	fetcher := httpfetch.New(fetchCfg)

	cfg := stageconfig.Video{Channel: stageconfig.Channel{Concurrency: 1, MaxRetries: 1}}
	err := Run(ctx, cfg, Deps{Store: s, Fetcher: fetcher, Logger: slog.Default()})
	require.NoError(t, err)

	videos, err := s.ListVideosForTags(ctx, "present")
	require.NoError(t, err)
	require.Len(t, videos, 1)
	require.NotNil(t, videos[0].TagsJSON)
	assert.JSONEq(t, `["music","live"]`, *videos[0].TagsJSON)
}

// TestRun_NotFoundMarksVideoInvalid exercises the 404 terminal-fault path:
// a video whose detail endpoint 404s is marked invalid, not merely errored.
func TestRun_NotFoundMarksVideoInvalid(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/videos/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	host := hostOf(server)

	s := newTestStore(t)
	require.NoError(t, s.EnsureHost(ctx, host))
	require.NoError(t, s.UpsertVideos(ctx, []models.Video{
		{VideoID: "gone", Host: host, ChannelID: "1"},
	}))

	fetchCfg := httpfetch.DefaultConfig()
	fetchCfg.ShellFallback = false
	fetcher := httpfetch.New(fetchCfg)

	cfg := stageconfig.Video{Channel: stageconfig.Channel{Concurrency: 1, MaxRetries: 1}}
	err := Run(ctx, cfg, Deps{Store: s, Fetcher: fetcher, Logger: slog.Default()})
	require.NoError(t, err)

	videos, err := s.ListVideosForTags(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, videos, "the invalidated video must no longer appear in the tags-missing queue")
}

package video

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

func videosPage(videos []map[string]any, total int) map[string]any {
	return map[string]any{"total": total, "data": videos}
}

func seedEligibleChannel(t *testing.T, s *store.Store, host string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureHost(ctx, host))
	count := int64(1)
	require.NoError(t, s.UpsertChannels(ctx, []models.Channel{
		{ChannelID: "7", Host: host, Slug: "news", ChannelName: "News", VideosCount: &count},
	}))
}

// TestRun_UpsertsVideosAndCountsTotal walks a single channel's one-page
// video listing, expecting the video row stored and the videos_new_total
// KV counter incremented by the page's new-row count.
func TestRun_UpsertsVideosAndCountsTotal(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/video-channels/news/videos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(videosPage([]map[string]any{
			{"uuid": "2f1c8e4a-9b7d-4c3e-8a5f-6d2b1e0c9a47", "name": "Episode 1", "publishedAt": "2024-01-01T00:00:00Z"},
		}, 1))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	host := hostOf(server)

	s := newTestStore(t)
	seedEligibleChannel(t, s, host)

	fetchCfg := httpfetch.DefaultConfig()
	fetchCfg.ShellFallback = false
	fetcher := httpfetch.New(fetchCfg)

	cfg := stageconfig.Video{Channel: stageconfig.Channel{Concurrency: 1, MaxRetries: 1}}
	err := Run(ctx, cfg, Deps{Store: s, Fetcher: fetcher, Logger: slog.Default()})
	require.NoError(t, err)

	ids, err := s.ListExistingVideoIds(ctx, host, []string{"2f1c8e4a-9b7d-4c3e-8a5f-6d2b1e0c9a47"})
	require.NoError(t, err)
	assert.True(t, ids["2f1c8e4a-9b7d-4c3e-8a5f-6d2b1e0c9a47"])

	total, ok, err := s.GetState(ctx, "videos_new_total")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", total)
}

// TestRun_NewOnlyEarlyStop exercises new_only's early-stop rule: once
// stop_after_full_pages consecutive pages contain only already-known
// videos, the walker stops paginating that channel instead of looping
// forever against a stub server.
func TestRun_NewOnlyEarlyStop(t *testing.T) {
	ctx := context.Background()

	var requests int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/video-channels/news/videos", func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(videosPage([]map[string]any{
			{"uuid": "7a3e9c21-4b8d-4f6a-9c1e-2d5b8f0a6e13", "name": "Known"},
		}, 1000))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	host := hostOf(server)

	s := newTestStore(t)
	seedEligibleChannel(t, s, host)
	require.NoError(t, s.UpsertVideos(ctx, []models.Video{
		{VideoID: "7a3e9c21-4b8d-4f6a-9c1e-2d5b8f0a6e13", Host: host, ChannelID: "7"},
	}))

	fetchCfg := httpfetch.DefaultConfig()
	fetchCfg.ShellFallback = false
	fetcher := httpfetch.New(fetchCfg)

	cfg := stageconfig.Video{
		Channel:            stageconfig.Channel{Concurrency: 1, MaxRetries: 1, NewOnly: true},
		StopAfterFullPages: 2,
	}
	err := Run(ctx, cfg, Deps{Store: s, Fetcher: fetcher, Logger: slog.Default()})
	require.NoError(t, err)

	assert.Equal(t, 2, requests, "walker should stop after the configured streak of all-known pages")
}

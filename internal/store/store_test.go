package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureHost_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnsureHost(ctx, "a.example"))

	hosts, err := s.ListHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example"}, hosts)
}

func TestEnqueueAndClaim_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))

	claimed, err := s.ClaimNextHost(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.example", claimed)

	// Queue is now empty.
	claimed, err = s.ClaimNextHost(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestEnqueueHost_NoopWhenProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))
	_, err := s.ClaimNextHost(ctx)
	require.NoError(t, err)

	// Host is now processing; a second enqueue must not re-add it to the queue.
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))
	next, err := s.NextQueueTime(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueueUniqueness(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 1000))

	var count int64
	require.NoError(t, s.db.Model(&models.QueuedHost{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecoverQueue_ResetsOrphanProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))
	claimed, err := s.ClaimNextHost(ctx)
	require.NoError(t, err)
	require.Equal(t, "a.example", claimed)

	// Simulates a crash: the host is stuck processing with no queue row.
	require.NoError(t, s.RecoverQueue(ctx, nil))

	count, err := s.GetHostErrorCount(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	next, err := s.NextQueueTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestMarkHostError_IncrementsCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureHost(ctx, "a.example"))
	require.NoError(t, s.EnqueueHost(ctx, "a.example", 0))
	_, err := s.ClaimNextHost(ctx)
	require.NoError(t, err)

	require.NoError(t, s.MarkHostError(ctx, "a.example", "boom"))
	require.NoError(t, s.MarkHostError(ctx, "a.example", "boom again"))

	count, err := s.GetHostErrorCount(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInsertEdge_DedupesOnConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEdge(ctx, "a.example", "b.example"))
	require.NoError(t, s.InsertEdge(ctx, "a.example", "b.example"))

	var count int64
	require.NoError(t, s.db.Model(&models.FederationEdge{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListChannelsWithVideos_EligibilityGate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	videosCount := int64(5)
	zero := int64(0)
	channels := []models.Channel{
		{ChannelID: "c1", Host: "a.example", Slug: "c1", VideosCount: &videosCount},
		{ChannelID: "c2", Host: "a.example", Slug: "", VideosCount: &videosCount},
		{ChannelID: "c3", Host: "a.example", Slug: "c3", VideosCount: &zero},
	}
	require.NoError(t, s.UpsertChannels(ctx, channels))

	eligible, err := s.ListChannelsWithVideos(ctx, 1, []string{"a.example"})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "c1", eligible[0].ChannelID)
}

func TestPrepareVideoProgress_PrunesOutOfScope(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := []EligibleChannel{{Host: "a.example", ChannelID: "c1", Slug: "c1", ChannelName: "C1"}}
	require.NoError(t, s.PrepareVideoProgress(ctx, first, false))

	items, err := s.ListVideoWorkItems(ctx, []string{models.StatusPending})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Re-scope to a disjoint channel set; the old row must be pruned.
	second := []EligibleChannel{{Host: "b.example", ChannelID: "c2", Slug: "c2", ChannelName: "C2"}}
	require.NoError(t, s.PrepareVideoProgress(ctx, second, true))

	items, err = s.ListVideoWorkItems(ctx, []string{models.StatusPending})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b.example", items[0].Host)
}

func TestUpdateVideoInvalid_IsTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVideos(ctx, []models.Video{{VideoID: "v1", Host: "a.example", Title: "t"}}))
	require.NoError(t, s.UpdateVideoInvalid(ctx, "v1", "a.example", models.InvalidCertExpired))

	// A subsequent tag update must not succeed against the invalidated row.
	require.NoError(t, s.UpdateVideoTags(ctx, "v1", "a.example", `["x"]`))

	videos, err := s.ListVideosForTags(ctx, "present")
	require.NoError(t, err)
	assert.Empty(t, videos)
}

func TestStateRoundTripAndIncrement(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "whitelist_url", "https://example.com/list.txt"))
	val, ok, err := s.GetState(ctx, "whitelist_url")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/list.txt", val)

	require.NoError(t, s.IncrementState(ctx, "videos_new_total", 5))
	require.NoError(t, s.IncrementState(ctx, "videos_new_total", 3))

	val, ok, err = s.GetState(ctx, "videos_new_total")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8", val)
}

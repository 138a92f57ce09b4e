package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

// stubBehavior is an in-memory BehaviorReader with call counting. A
// non-nil gate holds viewer aggregate queries open until it is closed.
type stubBehavior struct {
	mu              sync.Mutex
	viewerAggs      map[string]*models.ViewerAggregates
	itemAggs        map[string]*models.ItemAggregates
	trendingItems   []models.TrendingItem
	viewerAggCalls  int32
	itemAggCalls    int32
	trendingCalls   int32
	gate            chan struct{}
}

func (s *stubBehavior) ViewerAggregates(ctx context.Context, viewerIDs []string, windowDays, minInteractions int) (map[string]*models.ViewerAggregates, error) {
	atomic.AddInt32(&s.viewerAggCalls, 1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.ViewerAggregates)
	for _, id := range viewerIDs {
		if agg, ok := s.viewerAggs[id]; ok {
			out[id] = agg
		}
	}
	return out, nil
}

func (s *stubBehavior) ItemAggregates(ctx context.Context, itemIDs []string, windowDays, minInteractions int) (map[string]*models.ItemAggregates, error) {
	atomic.AddInt32(&s.itemAggCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.ItemAggregates)
	for _, id := range itemIDs {
		if agg, ok := s.itemAggs[id]; ok {
			out[id] = agg
		}
	}
	return out, nil
}

func (s *stubBehavior) InteractionMatrix(ctx context.Context, viewerIDs, itemIDs []string, windowDays int) ([]models.InteractionCell, error) {
	return nil, nil
}

func (s *stubBehavior) Trending(ctx context.Context, kind *models.ItemKind, windowHours, minInteractions, limit int) ([]models.TrendingItem, error) {
	atomic.AddInt32(&s.trendingCalls, 1)
	return s.trendingItems, nil
}

func (s *stubBehavior) ViewerPatterns(ctx context.Context, viewerID string) (*models.ViewerPatterns, error) {
	return &models.ViewerPatterns{ViewerID: viewerID}, nil
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		L1Size:      100,
		ViewerTTL:   time.Hour,
		ItemTTL:     2 * time.Hour,
		TrendingTTL: time.Hour,
		StatsTTL:    time.Hour,
		ModelTTL:    24 * time.Hour,
	}
}

func newTestFeatureStore(t *testing.T, behavior BehaviorReader) (*FeatureStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if behavior == nil {
		behavior = &stubBehavior{}
	}
	return NewFeatureStore(client, behavior, testCacheConfig(), testLogger()), mr
}

func TestFeatureStore_ViewerComputeOnMissAndCacheback(t *testing.T) {
	behavior := &stubBehavior{
		viewerAggs: map[string]*models.ViewerAggregates{
			"v1": {
				ViewerID:        "v1",
				BehaviorScore:   4.2,
				DailyAvgActions: 12,
				KindCounts:      map[models.ItemKind]int64{models.ItemKindVideo: 5, models.ItemKindArticle: 2},
				LastActive:      time.Now().Add(-time.Hour),
			},
		},
	}
	fs, mr := newTestFeatureStore(t, behavior)
	ctx := context.Background()

	result, err := fs.GetViewerFeatures(ctx, []string{"v1"})
	require.NoError(t, err)
	vf := result["v1"]
	require.NotNil(t, vf)
	assert.Equal(t, 4.2, vf.BehaviorScore)
	assert.Equal(t, models.ActivityHigh, vf.Activity)
	assert.Equal(t, []models.ItemKind{models.ItemKindVideo, models.ItemKindArticle}, vf.PreferredKinds)

	// The computed record was written back to L2 with the viewer TTL.
	assert.True(t, mr.Exists("viewer:features:v1"))
	ttl := mr.TTL("viewer:features:v1")
	assert.Equal(t, time.Hour, ttl)

	// Second read hits the cache, no recompute.
	_, err = fs.GetViewerFeatures(ctx, []string{"v1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&behavior.viewerAggCalls))
}

func TestFeatureStore_ConcurrentMissesShareOneCompute(t *testing.T) {
	gate := make(chan struct{})
	behavior := &stubBehavior{
		gate: gate,
		viewerAggs: map[string]*models.ViewerAggregates{
			"v1": {
				ViewerID:        "v1",
				BehaviorScore:   2.5,
				DailyAvgActions: 4,
				LastActive:      time.Now().Add(-time.Hour),
			},
		},
	}
	fs, _ := newTestFeatureStore(t, behavior)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*models.ViewerFeatures, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := fs.GetViewerFeatures(context.Background(), []string{"v1"})
			assert.NoError(t, err)
			results[i] = out["v1"]
		}(i)
	}

	// Let every caller miss both tiers and pile onto the shared flight
	// before the aggregate query is released.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&behavior.viewerAggCalls))
	for _, vf := range results {
		require.NotNil(t, vf)
		assert.Equal(t, 2.5, vf.BehaviorScore)
	}
}

func TestFeatureStore_UnknownViewerGetsDefaults(t *testing.T) {
	fs, _ := newTestFeatureStore(t, nil)

	result, err := fs.GetViewerFeatures(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	vf := result["ghost"]
	require.NotNil(t, vf)
	assert.Equal(t, models.ActivityLow, vf.Activity)
	assert.Equal(t, 0.0, vf.BehaviorScore)
	assert.Len(t, vf.Vector, models.ViewerVectorDim)
}

func TestFeatureStore_UnknownItemAbsentFromResult(t *testing.T) {
	fs, _ := newTestFeatureStore(t, nil)

	result, err := fs.GetItemFeatures(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	_, ok := result["ghost"]
	assert.False(t, ok)
}

func TestFeatureStore_L2HitSkipsCompute(t *testing.T) {
	behavior := &stubBehavior{}
	fs, _ := newTestFeatureStore(t, behavior)
	ctx := context.Background()

	require.NoError(t, fs.PutItemFeatures(ctx, []*models.ItemFeatures{
		{ItemID: "i1", Kind: models.ItemKindProduct, PopularityScore: 7, Vector: models.ZeroVector(models.ItemVectorDim)},
	}))

	// Evict L1 to force the L2 path.
	fs.l1.Delete("content:features:i1")

	result, err := fs.GetItemFeatures(ctx, []string{"i1"})
	require.NoError(t, err)
	require.NotNil(t, result["i1"])
	assert.Equal(t, 7.0, result["i1"].PopularityScore)
	assert.Equal(t, int32(0), atomic.LoadInt32(&behavior.itemAggCalls))

	stats := fs.Stats()
	assert.Equal(t, uint64(1), stats.L2Hits)
}

func TestFeatureStore_PatchViewerOnEvent(t *testing.T) {
	fs, _ := newTestFeatureStore(t, nil)
	ctx := context.Background()

	lastActive := time.Now().Add(-30 * time.Minute)
	require.NoError(t, fs.PutViewerFeatures(ctx, []*models.ViewerFeatures{{
		ViewerID:      "v1",
		BehaviorScore: 5.0,
		Activity:      models.ActivityLow,
		LastActive:    &lastActive,
		Vector:        models.ZeroVector(models.ViewerVectorDim),
	}}))

	event := &models.BehaviorEvent{
		ViewerID:  "v1",
		ItemID:    "i1",
		Action:    models.ActionShare,
		Kind:      models.ItemKindVideo,
		Timestamp: time.Now(),
	}
	require.NoError(t, fs.PatchViewerOnEvent(ctx, event))

	result, err := fs.GetViewerFeatures(ctx, []string{"v1"})
	require.NoError(t, err)
	vf := result["v1"]
	require.NotNil(t, vf)

	// share weighs 4.0: 5.0 + 0.1*4.0. Activity promoted because the
	// prior lastActive was within the hour.
	assert.InDelta(t, 5.4, vf.BehaviorScore, 1e-9)
	assert.Equal(t, models.ActivityMedium, vf.Activity)
	require.NotNil(t, vf.LastActive)
	assert.WithinDuration(t, event.Timestamp, *vf.LastActive, time.Second)
}

func TestFeatureStore_PatchMissingViewerIsNoop(t *testing.T) {
	fs, mr := newTestFeatureStore(t, nil)

	err := fs.PatchViewerOnEvent(context.Background(), &models.BehaviorEvent{
		ViewerID:  "nobody",
		ItemID:    "i1",
		Action:    models.ActionView,
		Kind:      models.ItemKindArticle,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("viewer:features:nobody"))
}

func TestFeatureStore_BehaviorScoreClampedAtTen(t *testing.T) {
	fs, _ := newTestFeatureStore(t, nil)
	ctx := context.Background()

	require.NoError(t, fs.PutViewerFeatures(ctx, []*models.ViewerFeatures{{
		ViewerID:      "v1",
		BehaviorScore: 9.9,
		Activity:      models.ActivityHigh,
		Vector:        models.ZeroVector(models.ViewerVectorDim),
	}}))

	require.NoError(t, fs.PatchViewerOnEvent(ctx, &models.BehaviorEvent{
		ViewerID: "v1", ItemID: "i1", Action: models.ActionPurchase,
		Kind: models.ItemKindProduct, Timestamp: time.Now(),
	}))

	result, err := fs.GetViewerFeatures(ctx, []string{"v1"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, result["v1"].BehaviorScore)
}

func TestFeatureStore_TrendingRoundTrip(t *testing.T) {
	behavior := &stubBehavior{
		trendingItems: []models.TrendingItem{
			{ItemID: "hot", Kind: models.ItemKindVideo, Score: 9.5, Interactions: 120, UniqueViewers: 80},
		},
	}
	fs, mr := newTestFeatureStore(t, behavior)
	ctx := context.Background()

	kind := models.ItemKindVideo
	list, err := fs.GetTrending(ctx, &kind)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "hot", list.Items[0].ItemID)
	assert.True(t, mr.Exists("trending:video"))

	// Cached read, no recompute.
	_, err = fs.GetTrending(ctx, &kind)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&behavior.trendingCalls))

	// Nil kind maps to the overall list.
	_, err = fs.GetTrending(ctx, nil)
	require.NoError(t, err)
	assert.True(t, mr.Exists("trending:all"))
}

func TestFeatureStore_CleanupSweepRepairsMissingTTL(t *testing.T) {
	fs, mr := newTestFeatureStore(t, nil)
	ctx := context.Background()

	// A key written without TTL, as if by a buggy out-of-band writer.
	mr.Set("viewer:features:stray", `{"viewer_id":"stray"}`)
	require.NoError(t, mr.Set("content:features:ok", `{"item_id":"ok"}`))
	mr.SetTTL("content:features:ok", time.Hour)

	repaired, err := fs.CleanupSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, time.Hour, mr.TTL("viewer:features:stray"))

	stats := fs.Stats()
	assert.Equal(t, int64(1), stats.KeyCounts["viewer:features"])
	assert.Equal(t, int64(1), stats.KeyCounts["content:features"])
}

func TestFeatureStore_L1Stats(t *testing.T) {
	fs, _ := newTestFeatureStore(t, nil)
	ctx := context.Background()

	require.NoError(t, fs.PutViewerFeatures(ctx, []*models.ViewerFeatures{
		{ViewerID: "v1", Vector: models.ZeroVector(models.ViewerVectorDim)},
	}))

	_, err := fs.GetViewerFeatures(ctx, []string{"v1"})
	require.NoError(t, err)

	stats := fs.Stats()
	assert.Equal(t, uint64(1), stats.L1Hits)
	assert.Equal(t, 1, stats.L1Size)
}

func TestFeatureStore_Reachable(t *testing.T) {
	fs, mr := newTestFeatureStore(t, nil)
	assert.True(t, fs.Reachable(context.Background()))
	mr.Close()
	assert.False(t, fs.Reachable(context.Background()))
}

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/rerank/internal/services"
	"github.com/temcen/rerank/pkg/models"
)

type fakeTrending struct {
	lists map[string]*models.TrendingList
	err   error
	last  *models.ItemKind
}

func (f *fakeTrending) GetTrending(ctx context.Context, kind *models.ItemKind) (*models.TrendingList, error) {
	f.last = kind
	if f.err != nil {
		return nil, f.err
	}
	key := "all"
	if kind != nil {
		key = string(*kind)
	}
	return f.lists[key], nil
}

type fakePatterns struct {
	patterns *models.ViewerPatterns
	err      error
}

func (f *fakePatterns) ViewerPatterns(ctx context.Context, viewerID string) (*models.ViewerPatterns, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.patterns, nil
}

func newFeaturesRouter(trending TrendingReader, patterns PatternsReader) *gin.Engine {
	h := NewFeaturesHandler(trending, patterns, testLogger())
	router := gin.New()
	router.GET("/api/v1/trending/:kind", h.Trending)
	router.GET("/api/v1/viewers/:viewerId/patterns", h.ViewerPatterns)
	return router
}

func getPath(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestTrending_ByKind(t *testing.T) {
	trending := &fakeTrending{lists: map[string]*models.TrendingList{
		"video": {
			Kind:       models.ItemKindVideo,
			Items:      []models.TrendingItem{{ItemID: "hot", Kind: models.ItemKindVideo, Score: 9.5}},
			ComputedAt: time.Now(),
		},
	}}
	router := newFeaturesRouter(trending, &fakePatterns{})

	w := getPath(router, "/api/v1/trending/video")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"item_id":"hot"`)
	require.NotNil(t, trending.last)
	assert.Equal(t, models.ItemKindVideo, *trending.last)
}

func TestTrending_AllMapsToNilKind(t *testing.T) {
	trending := &fakeTrending{lists: map[string]*models.TrendingList{
		"all": {Items: []models.TrendingItem{{ItemID: "top"}}, ComputedAt: time.Now()},
	}}
	router := newFeaturesRouter(trending, &fakePatterns{})

	w := getPath(router, "/api/v1/trending/all")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, trending.last)
}

func TestTrending_UnknownKind(t *testing.T) {
	router := newFeaturesRouter(&fakeTrending{}, &fakePatterns{})

	w := getPath(router, "/api/v1/trending/podcast")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "BAD_INPUT")
}

func TestTrending_NotComputedYet(t *testing.T) {
	router := newFeaturesRouter(&fakeTrending{}, &fakePatterns{})

	w := getPath(router, "/api/v1/trending/video")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestTrending_StoreUnavailable(t *testing.T) {
	router := newFeaturesRouter(&fakeTrending{err: services.ErrUpstreamUnavailable}, &fakePatterns{})

	w := getPath(router, "/api/v1/trending/video")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestViewerPatterns(t *testing.T) {
	patterns := &fakePatterns{patterns: &models.ViewerPatterns{
		ViewerID:      "v1",
		HourHistogram: map[int]int64{20: 30},
	}}
	router := newFeaturesRouter(&fakeTrending{}, patterns)

	w := getPath(router, "/api/v1/viewers/v1/patterns")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"viewer_id":"v1"`)
}

func TestViewerPatterns_UpstreamError(t *testing.T) {
	router := newFeaturesRouter(&fakeTrending{}, &fakePatterns{err: services.ErrUpstreamUnavailable})

	w := getPath(router, "/api/v1/viewers/v1/patterns")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

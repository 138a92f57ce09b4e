package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

// stubFeatures is an in-memory FeatureReader.
type stubFeatures struct {
	viewers map[string]*models.ViewerFeatures
	items   map[string]*models.ItemFeatures
	err     error
}

func (s *stubFeatures) GetViewerFeatures(ctx context.Context, viewerIDs []string) (map[string]*models.ViewerFeatures, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*models.ViewerFeatures)
	for _, id := range viewerIDs {
		if vf, ok := s.viewers[id]; ok {
			out[id] = vf
		}
	}
	return out, nil
}

func (s *stubFeatures) GetItemFeatures(ctx context.Context, itemIDs []string) (map[string]*models.ItemFeatures, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*models.ItemFeatures)
	for _, id := range itemIDs {
		if itf, ok := s.items[id]; ok {
			out[id] = itf
		}
	}
	return out, nil
}

func testFusionConfig() config.FusionConfig {
	return config.FusionConfig{
		AlgorithmWeights: map[string]float64{},
		Dedup: config.DedupConfig{
			TitleWeight:         0.4,
			DescriptionWeight:   0.6,
			SimilarityThreshold: 0.8,
		},
		Policy: config.PolicyConfig{
			MaxAgeDays: 365,
		},
		Diversity: config.DiversityConfig{
			Lambda:           0.7,
			CategoryWeight:   0.3,
			KindWeight:       0.2,
			AuthorWeight:     0.2,
			TimeWeight:       0.3,
			MaxCategoryRatio: 0.4,
			MaxAuthorRatio:   0.3,
		},
		Boosts: config.BoostConfig{
			BaseWeight:            0.6,
			FreshnessWeight:       0.15,
			PopularityWeight:      0.15,
			PersonalizationWeight: 0.1,
			FreshnessHalfLife:     24,
			PopularityMaxExpected: 20,
		},
	}
}

func newTestFusion(cfg config.FusionConfig, features FeatureReader) *FusionPipeline {
	if features == nil {
		features = &stubFeatures{}
	}
	return NewFusionPipeline(cfg, features, testLogger())
}

func TestWeightedFusion_CoverageBonus(t *testing.T) {
	cfg := testFusionConfig()
	cfg.AlgorithmWeights = map[string]float64{"alpha": 0.5, "beta": 0.5}
	fp := newTestFusion(cfg, nil)

	itemX := models.AlgorithmItem{ItemID: "x", RawScore: 0.8, Kind: models.ItemKindArticle}
	itemY := models.AlgorithmItem{ItemID: "y", RawScore: 0.8, Kind: models.ItemKindArticle}

	onlyAlpha := fp.weightedFusion(map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{itemX}},
		"beta":  {Algorithm: "beta"},
	})
	require.Len(t, onlyAlpha, 1)
	scoreX := onlyAlpha[0].fusionScore

	both := fp.weightedFusion(map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{itemY}},
		"beta":  {Algorithm: "beta", Items: []models.AlgorithmItem{itemY}},
	})
	require.Len(t, both, 1)
	scoreY := both[0].fusionScore

	// Same rank, same raw score: the only difference is the coverage
	// bonus, (2/2 - 1/2) * 0.1.
	assert.InDelta(t, 0.05, scoreY-scoreX, 1e-12)
	assert.Equal(t, 1.0, both[0].coverage)
	assert.Equal(t, 0.5, onlyAlpha[0].coverage)
}

func TestWeightedFusion_RepeatedListingCountsOnce(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	// One algorithm lists the same item at two positions; coverage is
	// over distinct algorithms, so it stays at 1/1 and the bonus at 0.1.
	cands := fp.weightedFusion(map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{
			{ItemID: "x", RawScore: 0.9, Kind: models.ItemKindArticle},
			{ItemID: "x", RawScore: 0.9, Kind: models.ItemKindArticle},
		}},
	})
	require.Len(t, cands, 1)
	assert.Equal(t, 1.0, cands[0].coverage)
	assert.Equal(t, []string{"alpha"}, cands[0].algorithms)
	// (0.9*1*0.1 + 0.9*0.5*0.1) / 0.2 + 1.0*0.1
	assert.InDelta(t, 0.775, cands[0].fusionScore, 1e-12)
}

func TestWeightedFusion_UnconfiguredAlgorithmDefaultWeight(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	cands := fp.weightedFusion(map[string]models.AlgorithmResult{
		"mystery": {Algorithm: "mystery", Items: []models.AlgorithmItem{
			{ItemID: "a", RawScore: 1.0, Kind: models.ItemKindVideo},
		}},
	})
	require.Len(t, cands, 1)
	// (1.0 * 1 * 0.1) / 0.1 + 1.0 * 0.1
	assert.InDelta(t, 1.1, cands[0].fusionScore, 1e-12)
}

func TestDeduplicate_DropsNearDuplicateKeepingHigherScore(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	high := &fusedCandidate{
		item:        models.AlgorithmItem{ItemID: "a", Title: "Ten tips for better sleep", Description: "A practical guide to better sleep habits"},
		fusionScore: 0.9,
	}
	dup := &fusedCandidate{
		item:        models.AlgorithmItem{ItemID: "b", Title: "Ten tips for better sleep", Description: "A practical guide to better sleep habits"},
		fusionScore: 0.6,
	}
	distinct := &fusedCandidate{
		item:        models.AlgorithmItem{ItemID: "c", Title: "Quarterly earnings report", Description: "Financial results for the third quarter"},
		fusionScore: 0.5,
	}

	kept := fp.deduplicate([]*fusedCandidate{dup, high, distinct})
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].item.ItemID)
	assert.Equal(t, "c", kept[1].item.ItemID)
}

func TestPolicyFilter_RequireReview(t *testing.T) {
	cfg := testFusionConfig()
	cfg.Policy.RequireReview = true
	fp := newTestFusion(cfg, nil)

	pending := "pending"
	approved := "approved"
	results := map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{
			{ItemID: "ok", RawScore: 0.9, Kind: models.ItemKindArticle, ReviewStatus: &approved},
			{ItemID: "held", RawScore: 0.8, Kind: models.ItemKindArticle, ReviewStatus: &pending},
		}},
	}

	items, degraded := fp.Fuse(context.Background(), "viewer-1", results, 10, nil)
	assert.False(t, degraded)
	require.Len(t, items, 1)
	assert.Equal(t, "ok", items[0].ItemID)
	assert.Equal(t, uint64(1), fp.Stats().Rejections[rejectNotReviewed])
}

func TestPolicyFilter_Reasons(t *testing.T) {
	cfg := testFusionConfig()
	cfg.Policy.MinQuality = 3.0
	cfg.Policy.MinRating = 2.0
	cfg.Policy.BlockedCategories = []string{"spam"}
	cfg.Policy.BlockedAuthors = []string{"banned"}
	cfg.Policy.MaxAgeDays = 30
	fp := newTestFusion(cfg, nil)

	lowQuality := 1.0
	lowRating := 1.0
	spam := "spam"
	banned := "banned"
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -90)

	kept := fp.policyFilter([]*fusedCandidate{
		{item: models.AlgorithmItem{ItemID: "a", QualityScore: &lowQuality}},
		{item: models.AlgorithmItem{ItemID: "b", PublishTime: &old}},
		{item: models.AlgorithmItem{ItemID: "c", Category: &spam}},
		{item: models.AlgorithmItem{ItemID: "d", AuthorID: &banned}},
		{item: models.AlgorithmItem{ItemID: "e", ViewerRating: &lowRating}},
		{item: models.AlgorithmItem{ItemID: "f"}},
	}, now)
	require.Len(t, kept, 1)
	assert.Equal(t, "f", kept[0].item.ItemID)

	stats := fp.Stats()
	assert.Equal(t, uint64(1), stats.Rejections[rejectLowQuality])
	assert.Equal(t, uint64(1), stats.Rejections[rejectTooOld])
	assert.Equal(t, uint64(1), stats.Rejections[rejectBlockedCategory])
	assert.Equal(t, uint64(1), stats.Rejections[rejectBlockedAuthor])
	assert.Equal(t, uint64(1), stats.Rejections[rejectLowRating])
}

func TestDiversify_CategoryCapAdmitsMinority(t *testing.T) {
	cfg := testFusionConfig()
	cfg.Diversity.CategoryWeight = 1.0
	cfg.Diversity.KindWeight = 0
	cfg.Diversity.AuthorWeight = 0
	cfg.Diversity.TimeWeight = 0
	fp := newTestFusion(cfg, nil)

	tech := "tech"
	sports := "sports"
	var cands []*fusedCandidate
	for i := 0; i < 8; i++ {
		cands = append(cands, &fusedCandidate{
			item:        models.AlgorithmItem{ItemID: "tech-" + string(rune('a'+i)), Kind: models.ItemKindArticle, Category: &tech},
			fusionScore: 0.9,
		})
	}
	for i := 0; i < 2; i++ {
		cands = append(cands, &fusedCandidate{
			item:        models.AlgorithmItem{ItemID: "sports-" + string(rune('a'+i)), Kind: models.ItemKindArticle, Category: &sports},
			fusionScore: 0.7,
		})
	}

	selected := fp.diversify(cands, 5)
	require.Len(t, selected, 5)

	sportsSelected := 0
	for _, cand := range selected {
		if *cand.item.Category == sports {
			sportsSelected++
		}
	}
	assert.GreaterOrEqual(t, sportsSelected, 1, "category cap should admit a minority item")
}

func TestDiversityOf_MissingFieldsCollapseToUnknown(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	selected := []*fusedCandidate{
		{item: models.AlgorithmItem{ItemID: "s", Kind: models.ItemKindArticle}},
	}
	cand := &fusedCandidate{item: models.AlgorithmItem{ItemID: "c", Kind: models.ItemKindVideo}}

	// Category and author both collapse to "unknown" and match the
	// selected item; the missing publish time sits at the midpoint.
	score := fp.diversityOf(cand, selected)
	div := testFusionConfig().Diversity
	want := div.CategoryWeight*(1-(1-div.MaxCategoryRatio)) +
		div.KindWeight*1 +
		div.AuthorWeight*(1-(1-div.MaxAuthorRatio)) +
		div.TimeWeight*0.5
	assert.InDelta(t, want, score, 1e-12)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestFuse_DeterministicAcrossRuns(t *testing.T) {
	cfg := testFusionConfig()
	cfg.AlgorithmWeights = map[string]float64{"alpha": 0.4, "beta": 0.3, "gamma": 0.3}
	tech := "tech"
	news := "news"
	requestTime := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	published := requestTime.Add(-2 * time.Hour)
	reqCtx := &models.RequestContext{Timestamp: &requestTime}

	results := map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{
			{ItemID: "i1", RawScore: 0.9, Kind: models.ItemKindArticle, Title: "one", Category: &tech, PublishTime: &published},
			{ItemID: "i2", RawScore: 0.8, Kind: models.ItemKindVideo, Title: "two", Category: &news},
		}},
		"beta": {Algorithm: "beta", Items: []models.AlgorithmItem{
			{ItemID: "i2", RawScore: 0.85, Kind: models.ItemKindVideo, Title: "two", Category: &news},
			{ItemID: "i3", RawScore: 0.7, Kind: models.ItemKindProduct, Title: "three"},
		}},
		"gamma": {Algorithm: "gamma", Items: []models.AlgorithmItem{
			{ItemID: "i4", RawScore: 0.6, Kind: models.ItemKindArticle, Title: "four", Category: &tech},
		}},
	}

	first, degraded := newTestFusion(cfg, nil).Fuse(context.Background(), "viewer-1", results, 3, reqCtx)
	require.False(t, degraded)
	second, degraded := newTestFusion(cfg, nil).Fuse(context.Background(), "viewer-1", results, 3, reqCtx)
	require.False(t, degraded)

	// Freshness decays against the request timestamp, not the wall clock,
	// so repeated identical requests produce byte-identical scores.
	assert.Equal(t, first, second)
}

func TestFuse_TruncatesToTargetSize(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	items := make([]models.AlgorithmItem, 10)
	for i := range items {
		items[i] = models.AlgorithmItem{
			ItemID:   "item-" + string(rune('a'+i)),
			RawScore: 1.0 - float64(i)*0.05,
			Kind:     models.ItemKindArticle,
		}
	}
	results := map[string]models.AlgorithmResult{
		"alpha": {Algorithm: "alpha", Items: items},
	}

	fused, degraded := fp.Fuse(context.Background(), "viewer-1", results, 4, nil)
	assert.False(t, degraded)
	assert.Len(t, fused, 4)
}

func TestDegradedFallback_FirstAlgorithmByName(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)

	results := map[string]models.AlgorithmResult{
		"zeta": {Algorithm: "zeta", Items: []models.AlgorithmItem{
			{ItemID: "z1", RawScore: 0.9, Kind: models.ItemKindArticle},
		}},
		"alpha": {Algorithm: "alpha", Items: []models.AlgorithmItem{
			{ItemID: "a1", RawScore: 0.5, Kind: models.ItemKindArticle},
			{ItemID: "a2", RawScore: 0.4, Kind: models.ItemKindArticle},
			{ItemID: "a3", RawScore: 0.3, Kind: models.ItemKindArticle},
		}},
	}

	items := fp.degradedFallback(results, 2)
	require.Len(t, items, 2)
	assert.Equal(t, "a1", items[0].ItemID)
	assert.Equal(t, "a2", items[1].ItemID)
	assert.Equal(t, []string{"alpha"}, items[0].Algorithms)
	assert.Equal(t, uint64(1), fp.Stats().DegradedCount)
}

func TestFreshnessBoost(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 0.5, freshnessBoost(nil, now, 24))

	fresh := now.Add(-1 * time.Minute)
	assert.Greater(t, freshnessBoost(&fresh, now, 24), 0.99)

	dayOld := now.Add(-24 * time.Hour)
	assert.InDelta(t, 0.3679, freshnessBoost(&dayOld, now, 24), 0.001)

	future := now.Add(time.Hour)
	assert.Equal(t, 1.0, freshnessBoost(&future, now, 24))
}

func TestPopularityBoost(t *testing.T) {
	zero := &models.AlgorithmItem{}
	assert.Equal(t, 0.0, popularityBoost(zero, 20))

	viral := &models.AlgorithmItem{
		ViewCount:    10_000_000,
		LikeCount:    1_000_000,
		ShareCount:   500_000,
		CommentCount: 250_000,
	}
	assert.LessOrEqual(t, popularityBoost(viral, 20), 1.0)
	assert.Greater(t, popularityBoost(viral, 20), 0.3)
}

func TestPersonalizationBoost(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	item := &models.AlgorithmItem{ItemID: "a", Kind: models.ItemKindVideo}

	assert.Equal(t, 0.5, fp.personalizationBoost(nil, item, now))

	lastActive := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	viewer := &models.ViewerFeatures{
		ViewerID:       "v",
		LastActive:     &lastActive,
		PreferredKinds: []models.ItemKind{models.ItemKindVideo, models.ItemKindArticle},
	}
	assert.InDelta(t, 0.8, fp.personalizationBoost(viewer, item, now), 1e-12)

	article := &models.AlgorithmItem{ItemID: "b", Kind: models.ItemKindArticle}
	assert.InDelta(t, 0.7, fp.personalizationBoost(viewer, article, now), 1e-12)
}

func TestFuse_EmptyInput(t *testing.T) {
	fp := newTestFusion(testFusionConfig(), nil)
	items, degraded := fp.Fuse(context.Background(), "viewer-1", map[string]models.AlgorithmResult{}, 10, nil)
	assert.Empty(t, items)
	assert.False(t, degraded)
}

package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/pkg/models"
)

// contextFeatures projects request-time signals into the fixed positional
// slots appended after the viewer and item vectors.
func contextFeatures(reqCtx *models.RequestContext, now time.Time) []float64 {
	ts := now
	device := ""
	location := ""
	if reqCtx != nil {
		if reqCtx.Timestamp != nil {
			ts = *reqCtx.Timestamp
		}
		device = reqCtx.Device
		location = reqCtx.Location
	}

	weekend := 0.0
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1.0
	}

	deviceBucket := -1.0
	if b, ok := models.DeviceKindBuckets[device]; ok {
		deviceBucket = float64(b)
	}

	locationBucket := 0.0
	if location != "" {
		h := fnv.New32a()
		h.Write([]byte(location))
		locationBucket = float64(h.Sum32() % 1000)
	}

	return []float64{
		float64(ts.Hour()),
		float64(ts.Weekday()),
		weekend,
		deviceBucket,
		locationBucket,
	}
}

// runningMeans tracks the per-position mean of finite vector components,
// used to infill NaN or infinite values during hydration.
type runningMeans struct {
	mu    sync.Mutex
	sums  []float64
	count []int64
}

func newRunningMeans(dim int) *runningMeans {
	return &runningMeans{sums: make([]float64, dim), count: make([]int64, dim)}
}

func (rm *runningMeans) observe(i int, v float64) {
	rm.mu.Lock()
	rm.sums[i] += v
	rm.count[i]++
	rm.mu.Unlock()
}

func (rm *runningMeans) value(i int) float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.count[i] == 0 {
		return 0
	}
	return rm.sums[i] / float64(rm.count[i])
}

// RankingPipeline reorders a candidate slate by predicted relevance:
// hydrate features, assemble per-candidate rows, score through the
// batcher, then sort deterministically.
type RankingPipeline struct {
	features FeatureReader
	batcher  *InferenceBatcher
	scorer   *ScorerHandle
	logger   *logrus.Logger

	viewerMeans *runningMeans
	itemMeans   *runningMeans
}

func NewRankingPipeline(features FeatureReader, batcher *InferenceBatcher, scorer *ScorerHandle, logger *logrus.Logger) *RankingPipeline {
	return &RankingPipeline{
		features:    features,
		batcher:     batcher,
		scorer:      scorer,
		logger:      logger,
		viewerMeans: newRunningMeans(models.ViewerVectorDim),
		itemMeans:   newRunningMeans(models.ItemVectorDim),
	}
}

// Rank scores and reorders the candidates. A single candidate's hydration
// or scoring failure yields score 0.0 for that candidate; the request only
// fails as a whole when no model is loaded.
func (rp *RankingPipeline) Rank(ctx context.Context, viewerID string, candidates []models.Candidate, reqCtx *models.RequestContext, maxResults int) ([]models.RankedItem, error) {
	if !rp.scorer.Loaded() {
		return nil, fmt.Errorf("scorer not loaded: %w", ErrServiceUnavailable)
	}
	if len(candidates) == 0 {
		return []models.RankedItem{}, nil
	}

	now := time.Now()

	viewer := rp.hydrateViewer(ctx, viewerID, now)
	items := rp.hydrateItems(ctx, candidates, now)
	ctxFeatures := contextFeatures(reqCtx, now)

	ranked := make([]models.RankedItem, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := candidates[i]
			row := rp.assembleFeatureRow(viewer, items[candidate.ItemID], ctxFeatures)
			score, err := rp.batcher.Score(ctx, row)
			if err != nil {
				rp.logger.WithError(err).WithFields(logrus.Fields{
					"viewer_id": viewerID,
					"item_id":   candidate.ItemID,
				}).Debug("Candidate scoring failed, assigning zero")
				score = 0.0
			}
			ranked[i] = models.RankedItem{Candidate: candidate, RankingScore: score}
		}(i)
	}
	wg.Wait()

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].RankingScore != ranked[b].RankingScore {
			return ranked[a].RankingScore > ranked[b].RankingScore
		}
		popA := popularityOf(items[ranked[a].ItemID])
		popB := popularityOf(items[ranked[b].ItemID])
		if popA != popB {
			return popA > popB
		}
		return ranked[a].ItemID < ranked[b].ItemID
	})

	if maxResults > 0 && len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked, nil
}

func (rp *RankingPipeline) hydrateViewer(ctx context.Context, viewerID string, now time.Time) *models.ViewerFeatures {
	viewers, err := rp.features.GetViewerFeatures(ctx, []string{viewerID})
	if err == nil {
		if vf, ok := viewers[viewerID]; ok {
			return vf
		}
	}
	if err != nil {
		rp.logger.WithError(err).WithField("viewer_id", viewerID).Warn("Viewer hydration failed, using defaults")
	}
	return models.DefaultViewerFeatures(viewerID, now)
}

func (rp *RankingPipeline) hydrateItems(ctx context.Context, candidates []models.Candidate, now time.Time) map[string]*models.ItemFeatures {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ItemID
	}
	items, err := rp.features.GetItemFeatures(ctx, ids)
	if err != nil {
		rp.logger.WithError(err).Warn("Item hydration failed, using defaults")
		items = make(map[string]*models.ItemFeatures)
	}
	for _, c := range candidates {
		if _, ok := items[c.ItemID]; !ok {
			items[c.ItemID] = models.DefaultItemFeatures(c.ItemID, c.Kind, now)
		}
	}
	return items
}

// assembleFeatureRow concatenates viewer vector, item vector, and context
// features in the positional order fixed at Scorer load. Non-finite
// components are infilled with the feature's running mean.
func (rp *RankingPipeline) assembleFeatureRow(viewer *models.ViewerFeatures, item *models.ItemFeatures, ctxFeatures []float64) []float64 {
	row := make([]float64, 0, TotalFeatureDim)
	row = append(row, fixedVector(viewer.Vector, models.ViewerVectorDim, rp.viewerMeans)...)
	var itemVec []float64
	if item != nil {
		itemVec = item.Vector
	}
	row = append(row, fixedVector(itemVec, models.ItemVectorDim, rp.itemMeans)...)
	row = append(row, ctxFeatures...)
	return row
}

// fixedVector pads or truncates to dim; non-finite components are
// replaced with the position's running mean over finite observations.
func fixedVector(v []float64, dim int, rm *runningMeans) []float64 {
	out := make([]float64, dim)
	for i := 0; i < dim && i < len(v); i++ {
		if isFinite(v[i]) {
			out[i] = v[i]
			rm.observe(i, v[i])
		} else {
			out[i] = rm.value(i)
		}
	}
	return out
}

func isFinite(f float64) bool {
	return f == f && f < 1e308 && f > -1e308
}

func popularityOf(item *models.ItemFeatures) float64 {
	if item == nil {
		return 0
	}
	return item.PopularityScore
}

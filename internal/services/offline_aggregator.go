package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

// OfflineAggregator owns the scheduled jobs that refresh derived features
// from the behavior log. Every job is idempotent; a failed run is retried
// at the next slot.
type OfflineAggregator struct {
	behavior *BehaviorLog
	features *FeatureStore
	aggCfg   config.AggregationConfig
	retCfg   config.RetentionConfig
	logger   *logrus.Logger
}

func NewOfflineAggregator(behavior *BehaviorLog, features *FeatureStore, aggCfg config.AggregationConfig, retCfg config.RetentionConfig, logger *logrus.Logger) *OfflineAggregator {
	return &OfflineAggregator{
		behavior: behavior,
		features: features,
		aggCfg:   aggCfg,
		retCfg:   retCfg,
		logger:   logger,
	}
}

// RegisterJobs wires the aggregation jobs onto the scheduler.
func (oa *OfflineAggregator) RegisterJobs(s *Scheduler) error {
	jobs := []struct {
		name    string
		cadence Cadence
		fn      JobFunc
	}{
		{"viewer-daily", Daily(2, 0), oa.RefreshViewerFeatures},
		{"item-hourly", Hourly(0), oa.RefreshItemFeatures},
		{"matrix-daily", Daily(3, 0), oa.MaterializeMatrix},
		{"trending-hourly", Hourly(30), oa.RefreshTrending},
		{"retention-weekly", Weekly(time.Sunday, 4, 0), oa.RetentionSweep},
		{"cache-cleanup", Every(15 * time.Minute), oa.CacheCleanup},
	}
	for _, job := range jobs {
		if err := s.Register(job.name, job.cadence, job.fn); err != nil {
			return fmt.Errorf("register job %s: %w", job.name, err)
		}
	}
	return nil
}

// RefreshViewerFeatures recomputes behaviorScore, activity, preferred
// kinds and lastActive for every viewer active in the window.
func (oa *OfflineAggregator) RefreshViewerFeatures(ctx context.Context) (int, int, error) {
	aggs, err := oa.behavior.ViewerAggregates(ctx, nil, oa.aggCfg.ViewerWindowDays, oa.aggCfg.MinInteractions)
	if err != nil {
		return 0, 0, err
	}
	if len(aggs) == 0 {
		return 0, 0, nil
	}

	ids := make([]string, 0, len(aggs))
	for id := range aggs {
		ids = append(ids, id)
	}
	existing, err := oa.features.GetViewerFeatures(ctx, ids)
	if err != nil {
		return 0, len(ids), err
	}

	success, failed := 0, 0
	batch := make([]*models.ViewerFeatures, 0, len(aggs))
	for id, agg := range aggs {
		vf, ok := existing[id]
		if !ok {
			vf = models.DefaultViewerFeatures(id, time.Now())
		}
		vf.BehaviorScore = agg.BehaviorScore
		vf.Activity = activityFromDailyAvg(agg.DailyAvgActions)
		vf.PreferredKinds = preferredKinds(agg.KindCounts)
		last := agg.LastActive
		vf.LastActive = &last
		batch = append(batch, vf)
	}
	if err := oa.features.PutViewerFeatures(ctx, batch); err != nil {
		failed = len(batch)
		oa.logger.WithError(err).Warn("Viewer feature refresh write failed")
	} else {
		success = len(batch)
	}
	return success, failed, nil
}

// RefreshItemFeatures recomputes popularity and quality for every item
// interacted with in the window. Quality is the engagement rate scaled to
// the 0..10 range.
func (oa *OfflineAggregator) RefreshItemFeatures(ctx context.Context) (int, int, error) {
	aggs, err := oa.behavior.ItemAggregates(ctx, nil, oa.aggCfg.ItemWindowDays, oa.aggCfg.MinInteractions)
	if err != nil {
		return 0, 0, err
	}
	if len(aggs) == 0 {
		return 0, 0, nil
	}

	ids := make([]string, 0, len(aggs))
	for id := range aggs {
		ids = append(ids, id)
	}
	existing, err := oa.features.GetItemFeatures(ctx, ids)
	if err != nil {
		return 0, len(ids), err
	}

	success, failed := 0, 0
	batch := make([]*models.ItemFeatures, 0, len(aggs))
	for id, agg := range aggs {
		itf, ok := existing[id]
		if !ok {
			itf = models.DefaultItemFeatures(id, "", time.Now())
		}
		itf.PopularityScore = agg.PopularityScore
		itf.QualityScore = clamp(agg.EngagementRate*10.0, 0, 10)
		batch = append(batch, itf)
	}
	if err := oa.features.PutItemFeatures(ctx, batch); err != nil {
		failed = len(batch)
		oa.logger.WithError(err).Warn("Item feature refresh write failed")
	} else {
		success = len(batch)
	}
	return success, failed, nil
}

// MaterializeMatrix builds hashed-bucket interaction vectors from the
// sparse matrix and persists them to the analytical store, then patches
// the cached feature records so the online path scores with them.
func (oa *OfflineAggregator) MaterializeMatrix(ctx context.Context) (int, int, error) {
	cells, err := oa.behavior.InteractionMatrix(ctx, nil, nil, oa.aggCfg.ViewerWindowDays)
	if err != nil {
		return 0, 0, err
	}
	if len(cells) == 0 {
		return 0, 0, nil
	}

	viewerVectors := make(map[string][]float64)
	itemVectors := make(map[string][]float64)
	for _, cell := range cells {
		vv, ok := viewerVectors[cell.ViewerID]
		if !ok {
			vv = make([]float64, models.ViewerVectorDim)
			viewerVectors[cell.ViewerID] = vv
		}
		vv[bucketOf(cell.ItemID, models.ViewerVectorDim)] += cell.Score

		iv, ok := itemVectors[cell.ItemID]
		if !ok {
			iv = make([]float64, models.ItemVectorDim)
			itemVectors[cell.ItemID] = iv
		}
		iv[bucketOf(cell.ViewerID, models.ItemVectorDim)] += cell.Score
	}
	for _, v := range viewerVectors {
		normalize(v)
	}
	for _, v := range itemVectors {
		normalize(v)
	}

	success, failed := 0, 0
	if err := oa.behavior.PersistVectors(ctx, "viewer", viewerVectors); err != nil {
		failed += len(viewerVectors)
		oa.logger.WithError(err).Warn("Viewer vector persist failed")
	} else {
		success += len(viewerVectors)
	}
	if err := oa.behavior.PersistVectors(ctx, "item", itemVectors); err != nil {
		failed += len(itemVectors)
		oa.logger.WithError(err).Warn("Item vector persist failed")
	} else {
		success += len(itemVectors)
	}

	oa.patchCachedVectors(ctx, viewerVectors, itemVectors)
	return success, failed, nil
}

func (oa *OfflineAggregator) patchCachedVectors(ctx context.Context, viewerVectors, itemVectors map[string][]float64) {
	viewerIDs := make([]string, 0, len(viewerVectors))
	for id := range viewerVectors {
		viewerIDs = append(viewerIDs, id)
	}
	if viewers, err := oa.features.GetViewerFeatures(ctx, viewerIDs); err == nil {
		batch := make([]*models.ViewerFeatures, 0, len(viewers))
		for id, vf := range viewers {
			vf.Vector = viewerVectors[id]
			batch = append(batch, vf)
		}
		if err := oa.features.PutViewerFeatures(ctx, batch); err != nil {
			oa.logger.WithError(err).Debug("Cached viewer vector patch failed")
		}
	}

	itemIDs := make([]string, 0, len(itemVectors))
	for id := range itemVectors {
		itemIDs = append(itemIDs, id)
	}
	if items, err := oa.features.GetItemFeatures(ctx, itemIDs); err == nil {
		batch := make([]*models.ItemFeatures, 0, len(items))
		for id, itf := range items {
			itf.Vector = itemVectors[id]
			batch = append(batch, itf)
		}
		if err := oa.features.PutItemFeatures(ctx, batch); err != nil {
			oa.logger.WithError(err).Debug("Cached item vector patch failed")
		}
	}
}

// RefreshTrending recomputes the overall and per-kind trending lists and
// caches them with the trending TTL.
func (oa *OfflineAggregator) RefreshTrending(ctx context.Context) (int, int, error) {
	success, failed := 0, 0

	kinds := make([]*models.ItemKind, 0, len(models.AllItemKinds)+1)
	kinds = append(kinds, nil)
	for i := range models.AllItemKinds {
		kinds = append(kinds, &models.AllItemKinds[i])
	}

	for _, kind := range kinds {
		items, err := oa.behavior.Trending(ctx, kind,
			oa.aggCfg.TrendingWindowHours, oa.aggCfg.TrendingMinInteractions, oa.aggCfg.TrendingLimit)
		if err != nil {
			failed++
			oa.logger.WithError(err).Warn("Trending recompute failed")
			continue
		}
		list := &models.TrendingList{Items: items, ComputedAt: time.Now()}
		if kind != nil {
			list.Kind = *kind
		}
		if err := oa.features.PutTrending(ctx, list); err != nil {
			failed++
			continue
		}
		success++
	}
	return success, failed, nil
}

// RetentionSweep snapshots a bounded set of cached feature records, then
// purges expired rows, then compacts. Purge before compact.
func (oa *OfflineAggregator) RetentionSweep(ctx context.Context) (int, int, error) {
	success, failed := 0, 0

	for prefix, kind := range map[string]string{
		viewerKeyPrefix: "viewer",
		itemKeyPrefix:   "item",
	} {
		payloads, err := oa.snapshotPrefix(ctx, prefix, 1000)
		if err != nil {
			failed++
			oa.logger.WithError(err).WithField("kind", kind).Warn("Feature snapshot failed")
			continue
		}
		if err := oa.behavior.BackupFeatures(ctx, kind, payloads); err != nil {
			failed++
			continue
		}
		success += len(payloads)
	}

	purged, err := oa.behavior.PurgeExpired(ctx,
		oa.retCfg.BehaviorDays, oa.retCfg.VectorDays, oa.retCfg.BackupDays)
	if err != nil {
		return success, failed + 1, err
	}
	success += int(purged)

	if err := oa.behavior.Compact(ctx); err != nil {
		return success, failed + 1, err
	}
	return success, failed, nil
}

func (oa *OfflineAggregator) snapshotPrefix(ctx context.Context, prefix string, limit int) (map[string][]byte, error) {
	payloads := make(map[string][]byte)
	var cursor uint64
	for len(payloads) < limit {
		keys, next, err := oa.features.kv.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if len(payloads) >= limit {
				break
			}
			raw, err := oa.features.kv.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			payloads[key[len(prefix):]] = []byte(raw)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return payloads, nil
}

// CacheCleanup runs the KV sweep that repairs missing TTLs and refreshes
// cache statistics.
func (oa *OfflineAggregator) CacheCleanup(ctx context.Context) (int, int, error) {
	repaired, err := oa.features.CleanupSweep(ctx)
	if err != nil {
		return repaired, 1, err
	}
	return repaired, 0, nil
}

func bucketOf(id string, dim int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(dim))
}

func normalize(v []float64) {
	norm := floats.Norm(v, 2)
	if norm > 0 {
		floats.Scale(1/norm, v)
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

const (
	viewerKeyPrefix   = "viewer:features:"
	itemKeyPrefix     = "content:features:"
	trendingKeyPrefix = "trending:"
	statsKeyPrefix    = "feature_engineering:stats:"
	modelKeyPrefix    = "feature_engineering:model:"

	mutexStripes = 4096
)

// stripedMutex serializes per-id writers with a bounded lock table.
type stripedMutex struct {
	stripes [mutexStripes]sync.Mutex
}

func (m *stripedMutex) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &m.stripes[h.Sum32()%mutexStripes]
	mu.Lock()
	return mu
}

// FeatureStoreStats is the counter snapshot surfaced by STATS.
type FeatureStoreStats struct {
	L1Hits          uint64           `json:"l1_hits"`
	L1Misses        uint64           `json:"l1_misses"`
	L1Size          int              `json:"l1_size"`
	L2Hits          uint64           `json:"l2_hits"`
	L2Misses        uint64           `json:"l2_misses"`
	Computes        uint64           `json:"computes"`
	KeyCounts       map[string]int64 `json:"key_counts,omitempty"`
	MemoryUsedBytes int64            `json:"memory_used_bytes,omitempty"`
}

// FeatureStore is the tiered feature cache: in-process LRU (L1), shared KV
// tier with TTLs (L2), and a compute-on-miss path over the behavior log.
// Concurrent misses for one id share a single computation.
type FeatureStore struct {
	l1       *lruCache
	kv       redis.UniversalClient
	behavior BehaviorReader
	cfg      config.CacheConfig
	logger   *logrus.Logger

	flight  singleflight.Group
	writers stripedMutex
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	stats FeatureStoreStats

	tierHits   *prometheus.CounterVec
	tierMisses *prometheus.CounterVec
}

func NewFeatureStore(kv redis.UniversalClient, behavior BehaviorReader, cfg config.CacheConfig, logger *logrus.Logger) *FeatureStore {
	fs := &FeatureStore{
		l1:       newLRUCache(cfg.L1Size),
		kv:       kv,
		behavior: behavior,
		cfg:      cfg,
		logger:   logger,
	}

	fs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feature-kv",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("KV circuit breaker state change")
		},
	})

	fs.tierHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feature_store_hits_total",
		Help: "Feature store cache hits by tier",
	}, []string{"tier"})
	fs.tierMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feature_store_misses_total",
		Help: "Feature store cache misses by tier",
	}, []string{"tier"})
	for _, c := range []prometheus.Collector{fs.tierHits, fs.tierMisses} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register feature store metrics")
			}
		}
	}

	return fs
}

// GetViewerFeatures hydrates viewer records for the given ids. Every id
// gets a record; unknown viewers get lazily created defaults.
func (fs *FeatureStore) GetViewerFeatures(ctx context.Context, viewerIDs []string) (map[string]*models.ViewerFeatures, error) {
	result := make(map[string]*models.ViewerFeatures, len(viewerIDs))
	misses := fs.readL1(dedupe(viewerIDs), viewerKeyPrefix, func(id string, v interface{}) {
		result[id] = v.(*models.ViewerFeatures)
	})

	misses = fs.readL2(ctx, misses, viewerKeyPrefix, func(id string, raw string) bool {
		var vf models.ViewerFeatures
		if err := json.Unmarshal([]byte(raw), &vf); err != nil {
			return false
		}
		result[id] = &vf
		fs.l1.Put(viewerKeyPrefix+id, &vf)
		return true
	})

	for _, id := range misses {
		vf, err := fs.computeViewer(ctx, id)
		if err != nil {
			fs.logger.WithError(err).WithField("viewer_id", id).Warn("Viewer feature compute failed, using defaults")
			vf = models.DefaultViewerFeatures(id, time.Now())
		}
		result[id] = vf
	}
	return result, nil
}

// GetItemFeatures hydrates item records for the given ids. Missing items
// are absent from the result; callers supply their own defaults.
func (fs *FeatureStore) GetItemFeatures(ctx context.Context, itemIDs []string) (map[string]*models.ItemFeatures, error) {
	result := make(map[string]*models.ItemFeatures, len(itemIDs))
	misses := fs.readL1(dedupe(itemIDs), itemKeyPrefix, func(id string, v interface{}) {
		result[id] = v.(*models.ItemFeatures)
	})

	misses = fs.readL2(ctx, misses, itemKeyPrefix, func(id string, raw string) bool {
		var itf models.ItemFeatures
		if err := json.Unmarshal([]byte(raw), &itf); err != nil {
			return false
		}
		result[id] = &itf
		fs.l1.Put(itemKeyPrefix+id, &itf)
		return true
	})

	for _, id := range misses {
		itf, err := fs.computeItem(ctx, id)
		if err != nil {
			fs.logger.WithError(err).WithField("item_id", id).Debug("Item feature compute failed")
			continue
		}
		if itf != nil {
			result[id] = itf
		}
	}
	return result, nil
}

// readL1 collects L1 hits and returns the ids that missed.
func (fs *FeatureStore) readL1(ids []string, prefix string, hit func(id string, v interface{})) []string {
	var misses []string
	for _, id := range ids {
		if v, ok := fs.l1.Get(prefix + id); ok {
			fs.tierHits.WithLabelValues("l1").Inc()
			fs.bump(func(s *FeatureStoreStats) { s.L1Hits++ })
			hit(id, v)
			continue
		}
		fs.tierMisses.WithLabelValues("l1").Inc()
		fs.bump(func(s *FeatureStoreStats) { s.L1Misses++ })
		misses = append(misses, id)
	}
	return misses
}

// readL2 issues one pipelined MGET for the missing ids, behind the circuit
// breaker. An open breaker sends everything to the compute path.
func (fs *FeatureStore) readL2(ctx context.Context, ids []string, prefix string, hit func(id, raw string) bool) []string {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}

	raw, err := fs.breaker.Execute(func() (interface{}, error) {
		return fs.kv.MGet(ctx, keys...).Result()
	})
	if err != nil {
		fs.logger.WithError(err).Warn("KV tier read failed, falling back to compute")
		return ids
	}

	values := raw.([]interface{})
	var misses []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok || !hit(ids[i], s) {
			fs.tierMisses.WithLabelValues("l2").Inc()
			fs.bump(func(st *FeatureStoreStats) { st.L2Misses++ })
			misses = append(misses, ids[i])
			continue
		}
		fs.tierHits.WithLabelValues("l2").Inc()
		fs.bump(func(st *FeatureStoreStats) { st.L2Hits++ })
	}
	return misses
}

// computeViewer derives viewer features from the behavior log. Single
// flight per id: concurrent misses share one computation.
func (fs *FeatureStore) computeViewer(ctx context.Context, viewerID string) (*models.ViewerFeatures, error) {
	v, err, _ := fs.flight.Do(viewerKeyPrefix+viewerID, func() (interface{}, error) {
		fs.bump(func(s *FeatureStoreStats) { s.Computes++ })
		aggs, err := fs.behavior.ViewerAggregates(ctx, []string{viewerID}, 30, 1)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		vf := models.DefaultViewerFeatures(viewerID, now)
		if agg, ok := aggs[viewerID]; ok {
			vf.BehaviorScore = agg.BehaviorScore
			vf.Activity = activityFromDailyAvg(agg.DailyAvgActions)
			vf.PreferredKinds = preferredKinds(agg.KindCounts)
			last := agg.LastActive
			vf.LastActive = &last
		}
		if err := fs.PutViewerFeatures(ctx, []*models.ViewerFeatures{vf}); err != nil {
			fs.logger.WithError(err).WithField("viewer_id", viewerID).Debug("Viewer feature write-back failed")
		}
		return vf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ViewerFeatures), nil
}

func (fs *FeatureStore) computeItem(ctx context.Context, itemID string) (*models.ItemFeatures, error) {
	v, err, _ := fs.flight.Do(itemKeyPrefix+itemID, func() (interface{}, error) {
		fs.bump(func(s *FeatureStoreStats) { s.Computes++ })
		aggs, err := fs.behavior.ItemAggregates(ctx, []string{itemID}, 7, 1)
		if err != nil {
			return nil, err
		}
		agg, ok := aggs[itemID]
		if !ok {
			return (*models.ItemFeatures)(nil), nil
		}
		now := time.Now()
		itf := models.DefaultItemFeatures(itemID, "", now)
		itf.PopularityScore = agg.PopularityScore
		itf.QualityScore = clamp(agg.EngagementRate*10.0, 0, 10)
		if err := fs.PutItemFeatures(ctx, []*models.ItemFeatures{itf}); err != nil {
			fs.logger.WithError(err).WithField("item_id", itemID).Debug("Item feature write-back failed")
		}
		return itf, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	itf, _ := v.(*models.ItemFeatures)
	return itf, nil
}

// PutViewerFeatures pipelines records to L2 with the viewer TTL, then
// patches L1. Writers are serialized per id.
func (fs *FeatureStore) PutViewerFeatures(ctx context.Context, features []*models.ViewerFeatures) error {
	pipe := fs.kv.Pipeline()
	for _, vf := range features {
		mu := fs.writers.lock(vf.ViewerID)
		vf.UpdatedAt = time.Now()
		data, err := json.Marshal(vf)
		if err != nil {
			mu.Unlock()
			return fmt.Errorf("marshal viewer features: %w", err)
		}
		pipe.SetEx(ctx, viewerKeyPrefix+vf.ViewerID, data, fs.cfg.ViewerTTL)
		fs.l1.Put(viewerKeyPrefix+vf.ViewerID, vf)
		mu.Unlock()
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write viewer features: %v: %w", err, ErrUpstreamUnavailable)
	}
	return nil
}

// PutItemFeatures pipelines records to L2 with the item TTL, then patches L1.
func (fs *FeatureStore) PutItemFeatures(ctx context.Context, features []*models.ItemFeatures) error {
	pipe := fs.kv.Pipeline()
	for _, itf := range features {
		mu := fs.writers.lock(itf.ItemID)
		itf.UpdatedAt = time.Now()
		data, err := json.Marshal(itf)
		if err != nil {
			mu.Unlock()
			return fmt.Errorf("marshal item features: %w", err)
		}
		pipe.SetEx(ctx, itemKeyPrefix+itf.ItemID, data, fs.cfg.ItemTTL)
		fs.l1.Put(itemKeyPrefix+itf.ItemID, itf)
		mu.Unlock()
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write item features: %v: %w", err, ErrUpstreamUnavailable)
	}
	return nil
}

// PatchViewerOnEvent applies the best-effort incremental patch after a
// behavior event: bump behaviorScore, refresh lastActive, and promote
// activity one step when the prior lastActive is within the hour. A
// missing or unreachable cached record is left for the next scheduled
// aggregation run to reconcile.
func (fs *FeatureStore) PatchViewerOnEvent(ctx context.Context, event *models.BehaviorEvent) error {
	mu := fs.writers.lock(event.ViewerID)
	defer mu.Unlock()

	key := viewerKeyPrefix + event.ViewerID
	fs.l1.Delete(key)

	raw, err := fs.kv.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load viewer for patch: %v: %w", err, ErrUpstreamUnavailable)
	}

	var vf models.ViewerFeatures
	if err := json.Unmarshal([]byte(raw), &vf); err != nil {
		return fmt.Errorf("decode viewer for patch: %w", err)
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	vf.BehaviorScore = clamp(vf.BehaviorScore+0.1*event.Action.Weight(), 0, 10)
	if vf.LastActive != nil && now.Sub(*vf.LastActive) <= time.Hour {
		vf.Activity = vf.Activity.Promote()
	}
	vf.LastActive = &now
	vf.UpdatedAt = time.Now()

	data, err := json.Marshal(&vf)
	if err != nil {
		return fmt.Errorf("marshal patched viewer: %w", err)
	}
	if err := fs.kv.SetEx(ctx, key, data, fs.cfg.ViewerTTL).Err(); err != nil {
		return fmt.Errorf("write patched viewer: %v: %w", err, ErrUpstreamUnavailable)
	}
	fs.l1.Put(key, &vf)
	return nil
}

// PutTrending caches one per-kind trending list with the trending TTL.
func (fs *FeatureStore) PutTrending(ctx context.Context, list *models.TrendingList) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal trending list: %w", err)
	}
	key := trendingKeyPrefix + string(list.Kind)
	if list.Kind == "" {
		key = trendingKeyPrefix + "all"
	}
	if err := fs.kv.SetEx(ctx, key, data, fs.cfg.TrendingTTL).Err(); err != nil {
		return fmt.Errorf("write trending list: %v: %w", err, ErrUpstreamUnavailable)
	}
	return nil
}

// GetTrending serves the cached trending list, recomputing on miss.
func (fs *FeatureStore) GetTrending(ctx context.Context, kind *models.ItemKind) (*models.TrendingList, error) {
	key := trendingKeyPrefix + "all"
	if kind != nil {
		key = trendingKeyPrefix + string(*kind)
	}

	raw, err := fs.breaker.Execute(func() (interface{}, error) {
		return fs.kv.Get(ctx, key).Result()
	})
	if err == nil {
		var list models.TrendingList
		if err := json.Unmarshal([]byte(raw.(string)), &list); err == nil {
			return &list, nil
		}
	}

	v, err, _ := fs.flight.Do(key, func() (interface{}, error) {
		items, err := fs.behavior.Trending(ctx, kind, 24, 10, 100)
		if err != nil {
			return nil, err
		}
		list := &models.TrendingList{Items: items, ComputedAt: time.Now()}
		if kind != nil {
			list.Kind = *kind
		}
		if err := fs.PutTrending(ctx, list); err != nil {
			fs.logger.WithError(err).Debug("Trending write-back failed")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TrendingList), nil
}

// CleanupSweep rechecks feature keys without a TTL and sets one, and
// refreshes the key-count and memory statistics. Scanning is paced to
// keep load off the KV tier.
func (fs *FeatureStore) CleanupSweep(ctx context.Context) (int, error) {
	prefixTTLs := map[string]time.Duration{
		viewerKeyPrefix:   fs.cfg.ViewerTTL,
		itemKeyPrefix:     fs.cfg.ItemTTL,
		trendingKeyPrefix: fs.cfg.TrendingTTL,
		statsKeyPrefix:    fs.cfg.StatsTTL,
		modelKeyPrefix:    fs.cfg.ModelTTL,
	}

	prefixes := make([]string, 0, len(prefixTTLs))
	for p := range prefixTTLs {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	repaired := 0
	keyCounts := make(map[string]int64)
	for _, prefix := range prefixes {
		ttl := prefixTTLs[prefix]
		var cursor uint64
		for {
			keys, next, err := fs.kv.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return repaired, fmt.Errorf("cleanup scan %s: %v: %w", prefix, err, ErrUpstreamUnavailable)
			}
			keyCounts[strings.TrimSuffix(prefix, ":")] += int64(len(keys))
			for _, key := range keys {
				remaining, err := fs.kv.TTL(ctx, key).Result()
				if err != nil {
					continue
				}
				if remaining == -1 {
					if err := fs.kv.Expire(ctx, key, ttl).Err(); err == nil {
						repaired++
					}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return repaired, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	memUsed := fs.memoryUsed(ctx)
	fs.mu.Lock()
	fs.stats.KeyCounts = keyCounts
	fs.stats.MemoryUsedBytes = memUsed
	fs.mu.Unlock()

	if repaired > 0 {
		fs.logger.WithField("repaired", repaired).Info("Cleanup sweep set missing TTLs")
	}
	return repaired, nil
}

func (fs *FeatureStore) memoryUsed(ctx context.Context) int64 {
	info, err := fs.kv.Info(ctx, "memory").Result()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, "used_memory:") {
			v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "used_memory:")), 10, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}

// Reachable reports whether the KV tier answers a ping.
func (fs *FeatureStore) Reachable(ctx context.Context) bool {
	return fs.kv.Ping(ctx).Err() == nil
}

// Stats snapshots the store's counters.
func (fs *FeatureStore) Stats() FeatureStoreStats {
	fs.mu.Lock()
	snapshot := fs.stats
	fs.mu.Unlock()
	_, _, size := fs.l1.Stats()
	snapshot.L1Size = size
	return snapshot
}

func (fs *FeatureStore) bump(f func(*FeatureStoreStats)) {
	fs.mu.Lock()
	f(&fs.stats)
	fs.mu.Unlock()
}

func activityFromDailyAvg(dailyAvg float64) models.ActivityLevel {
	switch {
	case dailyAvg > 10:
		return models.ActivityHigh
	case dailyAvg > 3:
		return models.ActivityMedium
	default:
		return models.ActivityLow
	}
}

// preferredKinds orders item kinds by interaction count, ties by name.
func preferredKinds(kindCounts map[models.ItemKind]int64) []models.ItemKind {
	kinds := make([]models.ItemKind, 0, len(kindCounts))
	for kind, count := range kindCounts {
		if count > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kindCounts[kinds[i]] != kindCounts[kinds[j]] {
			return kindCounts[kinds[i]] > kindCounts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

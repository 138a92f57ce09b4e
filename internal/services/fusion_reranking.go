package services

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

// Policy rejection reasons, exposed per counter.
const (
	rejectLowQuality      = "low_quality"
	rejectTooOld          = "too_old"
	rejectBlockedCategory = "blocked_category"
	rejectBlockedAuthor   = "blocked_author"
	rejectLowRating       = "low_rating"
	rejectNotReviewed     = "not_reviewed"
)

// FusionStats is the counter snapshot surfaced by STATS.
type FusionStats struct {
	Requests      uint64            `json:"requests"`
	DegradedCount uint64            `json:"degraded_count"`
	Rejections    map[string]uint64 `json:"rejections"`
}

// fusedCandidate carries an item through the pipeline stages.
type fusedCandidate struct {
	item        models.AlgorithmItem
	fusionScore float64
	coverage    float64
	algorithms  []string
}

// FusionPipeline merges parallel recommender outputs into one
// deduplicated, policy-compliant, diversified list. Identical inputs
// produce byte-identical outputs: every stage is deterministic.
type FusionPipeline struct {
	cfg      config.FusionConfig
	features FeatureReader
	logger   *logrus.Logger
	folder   cases.Caser

	statsMu    sync.Mutex
	requests   uint64
	degraded   uint64
	rejections map[string]uint64

	rejectionCtr *prometheus.CounterVec
	degradedCtr  prometheus.Counter
}

func NewFusionPipeline(cfg config.FusionConfig, features FeatureReader, logger *logrus.Logger) *FusionPipeline {
	fp := &FusionPipeline{
		cfg:        cfg,
		features:   features,
		logger:     logger,
		folder:     cases.Fold(),
		rejections: make(map[string]uint64),
	}

	fp.rejectionCtr = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_policy_rejections_total",
		Help: "Items dropped by the policy filter, by reason",
	}, []string{"reason"})
	fp.degradedCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_degraded_total",
		Help: "Fusion requests served by the degraded fallback",
	})
	for _, c := range []prometheus.Collector{fp.rejectionCtr, fp.degradedCtr} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register fusion metrics")
			}
		}
	}

	return fp
}

// Fuse runs the five stages. It never fails as a whole: any internal
// stage failure falls back to the first algorithm's results truncated to
// targetSize, reported through the degraded flag.
func (fp *FusionPipeline) Fuse(ctx context.Context, viewerID string, algorithmResults map[string]models.AlgorithmResult, targetSize int, reqCtx *models.RequestContext) (items []models.FusedItem, degradedOut bool) {
	fp.statsMu.Lock()
	fp.requests++
	fp.statsMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			fp.logger.WithField("panic", r).Error("Fusion stage panicked, entering degraded mode")
			items = fp.degradedFallback(algorithmResults, targetSize)
			degradedOut = true
		}
	}()

	if len(algorithmResults) == 0 {
		return []models.FusedItem{}, false
	}

	// The age check and the boosts share one request time, taken from the
	// request context when supplied, so identical requests score identically.
	now := time.Now()
	if reqCtx != nil && reqCtx.Timestamp != nil {
		now = *reqCtx.Timestamp
	}

	candidates := fp.weightedFusion(algorithmResults)
	candidates = fp.deduplicate(candidates)
	candidates = fp.policyFilter(candidates, now)
	candidates = fp.diversify(candidates, targetSize)
	fused := fp.composeBoosts(ctx, viewerID, candidates, now)

	sort.SliceStable(fused, func(a, b int) bool {
		if fused[a].FinalScore != fused[b].FinalScore {
			return fused[a].FinalScore > fused[b].FinalScore
		}
		return fused[a].ItemID < fused[b].ItemID
	})
	if len(fused) > targetSize {
		fused = fused[:targetSize]
	}
	return fused, false
}

// weightedFusion computes each item's fusion score across the algorithms
// that produced it, plus the coverage bonus.
func (fp *FusionPipeline) weightedFusion(algorithmResults map[string]models.AlgorithmResult) []*fusedCandidate {
	names := make([]string, 0, len(algorithmResults))
	for name := range algorithmResults {
		names = append(names, name)
	}
	sort.Strings(names)

	type accumulator struct {
		weighted    float64
		totalWeight float64
		algorithms  []string
		item        models.AlgorithmItem
		bestRaw     float64
	}
	byItem := make(map[string]*accumulator)
	var order []string

	for _, name := range names {
		weight := 0.1
		if w, ok := fp.cfg.AlgorithmWeights[name]; ok {
			weight = w
		}
		for i, item := range algorithmResults[name].Items {
			positionScore := 1.0 / float64(i+1)
			contribution := item.RawScore * positionScore

			acc, ok := byItem[item.ItemID]
			if !ok {
				acc = &accumulator{item: item, bestRaw: item.RawScore}
				byItem[item.ItemID] = acc
				order = append(order, item.ItemID)
			} else if item.RawScore > acc.bestRaw {
				// Keep the richest instance's metadata.
				acc.item = item
				acc.bestRaw = item.RawScore
			}
			acc.weighted += contribution * weight
			acc.totalWeight += weight
			// Coverage counts distinct algorithms; an algorithm listing
			// the same item twice contributes once. Names arrive sorted,
			// so repeats are adjacent.
			if len(acc.algorithms) == 0 || acc.algorithms[len(acc.algorithms)-1] != name {
				acc.algorithms = append(acc.algorithms, name)
			}
		}
	}

	configured := float64(len(algorithmResults))
	candidates := make([]*fusedCandidate, 0, len(order))
	for _, itemID := range order {
		acc := byItem[itemID]
		coverage := float64(len(acc.algorithms)) / configured
		score := coverage * 0.1
		if acc.totalWeight > 0 {
			score += acc.weighted / acc.totalWeight
		}
		candidates = append(candidates, &fusedCandidate{
			item:        acc.item,
			fusionScore: score,
			coverage:    coverage,
			algorithms:  acc.algorithms,
		})
	}
	return candidates
}

// deduplicate drops exact ItemId repeats (already merged upstream) and
// near-duplicates by Jaccard similarity over title and description.
func (fp *FusionPipeline) deduplicate(candidates []*fusedCandidate) []*fusedCandidate {
	sorted := make([]*fusedCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].fusionScore != sorted[b].fusionScore {
			return sorted[a].fusionScore > sorted[b].fusionScore
		}
		return sorted[a].item.ItemID < sorted[b].item.ItemID
	})

	var kept []*fusedCandidate
	for _, cand := range sorted {
		duplicate := false
		candTitle := fp.tokenize(cand.item.Title)
		candDesc := fp.tokenize(cand.item.Description)
		for _, existing := range kept {
			titleSim := jaccardSimilarity(candTitle, fp.tokenize(existing.item.Title))
			descSim := jaccardSimilarity(candDesc, fp.tokenize(existing.item.Description))
			similarity := fp.cfg.Dedup.TitleWeight*titleSim + fp.cfg.Dedup.DescriptionWeight*descSim
			if similarity > fp.cfg.Dedup.SimilarityThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, cand)
		}
	}
	return kept
}

// tokenize case-folds and splits on whitespace.
func (fp *FusionPipeline) tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(fp.folder.String(s)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// policyFilter drops items violating the configured business rules,
// counting rejections per reason.
func (fp *FusionPipeline) policyFilter(candidates []*fusedCandidate, now time.Time) []*fusedCandidate {
	policy := fp.cfg.Policy
	blockedCategories := toSet(policy.BlockedCategories)
	blockedAuthors := toSet(policy.BlockedAuthors)

	var kept []*fusedCandidate
	for _, cand := range candidates {
		item := &cand.item
		switch {
		case item.QualityScore != nil && *item.QualityScore < policy.MinQuality:
			fp.reject(rejectLowQuality)
		case policy.MaxAgeDays > 0 && item.PublishTime != nil &&
			now.Sub(*item.PublishTime) > time.Duration(policy.MaxAgeDays)*24*time.Hour:
			fp.reject(rejectTooOld)
		case item.Category != nil && contains(blockedCategories, *item.Category):
			fp.reject(rejectBlockedCategory)
		case item.AuthorID != nil && contains(blockedAuthors, *item.AuthorID):
			fp.reject(rejectBlockedAuthor)
		case item.ViewerRating != nil && *item.ViewerRating < policy.MinRating:
			fp.reject(rejectLowRating)
		case policy.RequireReview && (item.ReviewStatus == nil || *item.ReviewStatus != "approved"):
			fp.reject(rejectNotReviewed)
		default:
			kept = append(kept, cand)
		}
	}
	return kept
}

func (fp *FusionPipeline) reject(reason string) {
	fp.rejectionCtr.WithLabelValues(reason).Inc()
	fp.statsMu.Lock()
	fp.rejections[reason]++
	fp.statsMu.Unlock()
}

// diversify runs the MMR-style greedy selection, trading fusion score for
// diversity across category, kind, author, and publish-time bucket.
func (fp *FusionPipeline) diversify(candidates []*fusedCandidate, targetSize int) []*fusedCandidate {
	if len(candidates) == 0 {
		return candidates
	}
	div := fp.cfg.Diversity

	remaining := make([]*fusedCandidate, len(candidates))
	copy(remaining, candidates)
	sort.SliceStable(remaining, func(a, b int) bool {
		if remaining[a].fusionScore != remaining[b].fusionScore {
			return remaining[a].fusionScore > remaining[b].fusionScore
		}
		return remaining[a].item.ItemID < remaining[b].item.ItemID
	})

	limit := targetSize
	if limit > len(remaining) {
		limit = len(remaining)
	}

	selected := []*fusedCandidate{remaining[0]}
	remaining = remaining[1:]

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestValue := math.Inf(-1)
		for i, cand := range remaining {
			value := div.Lambda*cand.fusionScore + (1-div.Lambda)*fp.diversityOf(cand, selected)
			better := value > bestValue
			if value == bestValue {
				best := remaining[bestIdx]
				if cand.fusionScore != best.fusionScore {
					better = cand.fusionScore > best.fusionScore
				} else {
					better = cand.item.ItemID < best.item.ItemID
				}
			}
			if better {
				bestIdx = i
				bestValue = value
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// diversityOf scores a candidate against the already-selected set over
// the four axes, each as a ratio-capped linear penalty. Missing category
// or author collapses to a shared "unknown" key; a missing publish time
// sits at the neutral midpoint of the time axis.
func (fp *FusionPipeline) diversityOf(cand *fusedCandidate, selected []*fusedCandidate) float64 {
	div := fp.cfg.Diversity
	n := float64(len(selected))

	var categoryCount, kindCount, authorCount, bucketCount float64
	candCategory := orUnknown(cand.item.Category)
	candAuthor := orUnknown(cand.item.AuthorID)
	candBucket := timeBucket(cand.item.PublishTime)
	for _, sel := range selected {
		if candCategory == orUnknown(sel.item.Category) {
			categoryCount++
		}
		if cand.item.Kind == sel.item.Kind {
			kindCount++
		}
		if candAuthor == orUnknown(sel.item.AuthorID) {
			authorCount++
		}
		if cand.item.PublishTime != nil && candBucket == timeBucket(sel.item.PublishTime) {
			bucketCount++
		}
	}

	score := div.CategoryWeight * (1 - math.Max(0, categoryCount/n-div.MaxCategoryRatio))
	score += div.KindWeight * (1 - kindCount/n)
	score += div.AuthorWeight * (1 - math.Max(0, authorCount/n-div.MaxAuthorRatio))
	if cand.item.PublishTime != nil {
		score += div.TimeWeight * (1 - bucketCount/n)
	} else {
		score += div.TimeWeight * 0.5
	}
	return clamp(score, 0, 1)
}

func orUnknown(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}

// timeBucket maps publish times to 6-hour buckets.
func timeBucket(t *time.Time) int64 {
	if t == nil {
		return -1
	}
	return t.Unix() / (6 * 3600)
}

// composeBoosts computes each survivor's final score from the fusion
// score and the freshness, popularity, and personalization boosts.
func (fp *FusionPipeline) composeBoosts(ctx context.Context, viewerID string, candidates []*fusedCandidate, now time.Time) []models.FusedItem {
	boosts := fp.cfg.Boosts
	totalWeight := boosts.BaseWeight + boosts.FreshnessWeight + boosts.PopularityWeight + boosts.PersonalizationWeight
	if totalWeight <= 0 {
		totalWeight = 1
	}

	viewer := fp.hydrateViewer(ctx, viewerID)

	fused := make([]models.FusedItem, 0, len(candidates))
	for _, cand := range candidates {
		item := cand.item

		freshness := freshnessBoost(item.PublishTime, now, boosts.FreshnessHalfLife)
		popularity := popularityBoost(&item, boosts.PopularityMaxExpected)
		personalization := fp.personalizationBoost(viewer, &item, now)

		final := (boosts.BaseWeight*cand.fusionScore +
			boosts.FreshnessWeight*freshness +
			boosts.PopularityWeight*popularity +
			boosts.PersonalizationWeight*personalization) / totalWeight

		fused = append(fused, models.FusedItem{
			ItemID:      item.ItemID,
			Kind:        item.Kind,
			Title:       item.Title,
			Category:    item.Category,
			AuthorID:    item.AuthorID,
			PublishTime: item.PublishTime,
			FinalScore:  final,
			FusionScore: cand.fusionScore,
			ScoreBreakdown: models.ScoreBreakdown{
				BaseScore:            cand.fusionScore,
				FreshnessBoost:       freshness,
				PopularityBoost:      popularity,
				PersonalizationBoost: personalization,
			},
			Algorithms:        cand.algorithms,
			AlgorithmCoverage: cand.coverage,
		})
	}
	return fused
}

func (fp *FusionPipeline) hydrateViewer(ctx context.Context, viewerID string) *models.ViewerFeatures {
	viewers, err := fp.features.GetViewerFeatures(ctx, []string{viewerID})
	if err != nil {
		fp.logger.WithError(err).WithField("viewer_id", viewerID).Debug("Viewer hydration failed during fusion")
		return nil
	}
	return viewers[viewerID]
}

// freshnessBoost decays exponentially with age; items without a publish
// time sit at the neutral 0.5.
func freshnessBoost(publishTime *time.Time, now time.Time, halfLifeHours float64) float64 {
	if publishTime == nil {
		return 0.5
	}
	if halfLifeHours <= 0 {
		halfLifeHours = 24
	}
	ageHours := now.Sub(*publishTime).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return clamp(math.Exp(-ageHours/halfLifeHours), 0, 1)
}

// popularityBoost combines log-scaled engagement counts; ln(1+x) admits
// zero counts.
func popularityBoost(item *models.AlgorithmItem, maxExpected float64) float64 {
	if maxExpected <= 0 {
		maxExpected = 20
	}
	raw := 0.4*math.Log1p(float64(item.ViewCount)) +
		0.3*math.Log1p(float64(item.LikeCount)) +
		0.2*math.Log1p(float64(item.ShareCount)) +
		0.1*math.Log1p(float64(item.CommentCount))
	return math.Min(1, raw/maxExpected)
}

// personalizationBoost starts neutral and adjusts for a matched active
// hour and a matched preferred kind. The caller resolves now to the
// request timestamp when one is supplied.
func (fp *FusionPipeline) personalizationBoost(viewer *models.ViewerFeatures, item *models.AlgorithmItem, now time.Time) float64 {
	boost := 0.5
	if viewer == nil {
		return boost
	}

	if viewer.LastActive != nil && viewer.LastActive.Hour() == now.Hour() {
		boost += 0.2
	}
	if len(viewer.PreferredKinds) > 0 && viewer.PreferredKinds[0] == item.Kind {
		boost += 0.1
	}
	return clamp(boost, 0, 1)
}

// degradedFallback returns the first algorithm's results (by name order)
// truncated to targetSize.
func (fp *FusionPipeline) degradedFallback(algorithmResults map[string]models.AlgorithmResult, targetSize int) []models.FusedItem {
	fp.degradedCtr.Inc()
	fp.statsMu.Lock()
	fp.degraded++
	fp.statsMu.Unlock()

	names := make([]string, 0, len(algorithmResults))
	for name := range algorithmResults {
		names = append(names, name)
	}
	if len(names) == 0 {
		return []models.FusedItem{}
	}
	sort.Strings(names)
	first := algorithmResults[names[0]]

	items := make([]models.FusedItem, 0, targetSize)
	for _, item := range first.Items {
		if len(items) >= targetSize {
			break
		}
		items = append(items, models.FusedItem{
			ItemID:      item.ItemID,
			Kind:        item.Kind,
			Title:       item.Title,
			Category:    item.Category,
			AuthorID:    item.AuthorID,
			PublishTime: item.PublishTime,
			FinalScore:  item.RawScore,
			FusionScore: item.RawScore,
			ScoreBreakdown: models.ScoreBreakdown{
				BaseScore: item.RawScore,
			},
			Algorithms:        []string{names[0]},
			AlgorithmCoverage: 1.0 / float64(len(algorithmResults)),
		})
	}
	return items
}

// Stats snapshots the fusion counters.
func (fp *FusionPipeline) Stats() FusionStats {
	fp.statsMu.Lock()
	defer fp.statsMu.Unlock()
	rejections := make(map[string]uint64, len(fp.rejections))
	for reason, count := range fp.rejections {
		rejections[reason] = count
	}
	return FusionStats{
		Requests:      fp.requests,
		DegradedCount: fp.degraded,
		Rejections:    rejections,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

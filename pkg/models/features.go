package models

import "time"

// Vector dimensions are fixed per entity kind. Hydrated vectors are always
// exactly this long with no NaN or infinite components.
const (
	ViewerVectorDim = 64
	ItemVectorDim   = 128
)

// ActivityLevel describes how active a viewer has been recently.
type ActivityLevel string

const (
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

// Promote raises the activity one step, saturating at high.
func (a ActivityLevel) Promote() ActivityLevel {
	switch a {
	case ActivityLow:
		return ActivityMedium
	case ActivityMedium:
		return ActivityHigh
	}
	return ActivityHigh
}

// ViewerFeatures is the cached per-viewer feature record. One record per
// ViewerId; cached writers are serialized per id, last write wins.
type ViewerFeatures struct {
	ViewerID       string        `json:"viewer_id"`
	AgeBucket      *string       `json:"age_bucket,omitempty"`
	Gender         *string       `json:"gender,omitempty"`
	Interests      []string      `json:"interests,omitempty"`
	BehaviorScore  float64       `json:"behavior_score"`
	Activity       ActivityLevel `json:"activity"`
	PreferredKinds []ItemKind    `json:"preferred_kinds,omitempty"`
	LastActive     *time.Time    `json:"last_active,omitempty"`
	Vector         []float64     `json:"vector"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ItemFeatures is the cached per-item feature record.
type ItemFeatures struct {
	ItemID          string             `json:"item_id"`
	Kind            ItemKind           `json:"kind"`
	Title           string             `json:"title,omitempty"`
	Category        *string            `json:"category,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	AuthorID        *string            `json:"author_id,omitempty"`
	PublishTime     *time.Time         `json:"publish_time,omitempty"`
	QualityScore    float64            `json:"quality_score"`
	PopularityScore float64            `json:"popularity_score"`
	TextFeatures    map[string]float64 `json:"text_features,omitempty"`
	Vector          []float64          `json:"vector"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ViewerAggregates is the windowed rollup of a viewer's behavior
// (default window 30 days).
type ViewerAggregates struct {
	ViewerID        string               `json:"viewer_id"`
	ActionCounts    map[ActionKind]int64 `json:"action_counts"`
	KindCounts      map[ItemKind]int64   `json:"kind_counts"`
	ActiveDays      int                  `json:"active_days"`
	AvgDuration     float64              `json:"avg_duration"`
	BehaviorScore   float64              `json:"behavior_score"`
	DailyAvgActions float64              `json:"daily_avg_actions"`
	LastActive      time.Time            `json:"last_active"`
}

// ItemAggregates is the windowed rollup of an item's interactions
// (default window 7 days).
type ItemAggregates struct {
	ItemID          string               `json:"item_id"`
	ActionCounts    map[ActionKind]int64 `json:"action_counts"`
	UniqueViewers   int64                `json:"unique_viewers"`
	CTR             float64              `json:"ctr"`
	LikeRate        float64              `json:"like_rate"`
	ShareRate       float64              `json:"share_rate"`
	EngagementRate  float64              `json:"engagement_rate"`
	UserDiversity   float64              `json:"user_diversity"`
	PopularityScore float64              `json:"popularity_score"`
}

// InteractionCell is one entry of the sparse viewer-item interaction matrix.
type InteractionCell struct {
	ViewerID string  `json:"viewer_id"`
	ItemID   string  `json:"item_id"`
	Score    float64 `json:"score"`
}

// TrendingItem is one entry of a per-kind trending list.
type TrendingItem struct {
	ItemID        string   `json:"item_id"`
	Kind          ItemKind `json:"kind"`
	Score         float64  `json:"score"`
	Interactions  int64    `json:"interactions"`
	UniqueViewers int64    `json:"unique_viewers"`
}

// TrendingList carries the ordered trending items for one kind. Readers
// tolerate staleness up to the cache TTL.
type TrendingList struct {
	Kind       ItemKind       `json:"kind"`
	Items      []TrendingItem `json:"items"`
	ComputedAt time.Time      `json:"computed_at"`
}

// ViewerPatterns summarizes a viewer's behavior as histograms.
type ViewerPatterns struct {
	ViewerID         string               `json:"viewer_id"`
	HourHistogram    map[int]int64        `json:"hour_histogram"`
	WeekdayHistogram map[int]int64        `json:"weekday_histogram"`
	ActionHistogram  map[ActionKind]int64 `json:"action_histogram"`
	KindHistogram    map[ItemKind]int64   `json:"kind_histogram"`
	DeviceHistogram  map[string]int64     `json:"device_histogram"`
}

// ZeroVector returns an all-zero vector of length dim.
func ZeroVector(dim int) []float64 {
	return make([]float64, dim)
}

// DefaultViewerFeatures is the lazily created record for a viewer with no
// cached features yet.
func DefaultViewerFeatures(viewerID string, now time.Time) *ViewerFeatures {
	return &ViewerFeatures{
		ViewerID:  viewerID,
		Activity:  ActivityLow,
		Vector:    ZeroVector(ViewerVectorDim),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultItemFeatures is the lazily created record for an unknown item.
func DefaultItemFeatures(itemID string, kind ItemKind, now time.Time) *ItemFeatures {
	return &ItemFeatures{
		ItemID:    itemID,
		Kind:      kind,
		Vector:    ZeroVector(ItemVectorDim),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

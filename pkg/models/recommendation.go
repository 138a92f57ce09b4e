package models

import "time"

// Candidate is one item of a ranking request slate.
type Candidate struct {
	ItemID   string                 `json:"item_id" validate:"required"`
	Kind     ItemKind               `json:"kind" validate:"required,oneof=article video product"`
	Title    string                 `json:"title,omitempty"`
	Category *string                `json:"category,omitempty"`
	Extras   map[string]interface{} `json:"extras,omitempty"`
}

// RankedItem is a candidate with its predicted relevance attached.
type RankedItem struct {
	Candidate
	RankingScore float64 `json:"ranking_score"`
}

// RequestContext carries the request-time signals projected into context
// features.
type RequestContext struct {
	Device    string     `json:"device,omitempty" validate:"omitempty,oneof=mobile tablet desktop"`
	Location  string     `json:"location,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// RankRequest asks for a candidate slate reordered by predicted relevance.
type RankRequest struct {
	ViewerID   string          `json:"viewer_id" validate:"required"`
	Candidates []Candidate     `json:"candidates" validate:"required,min=1,max=500,dive"`
	Context    *RequestContext `json:"context,omitempty"`
	MaxResults int             `json:"max_results" validate:"omitempty,min=1,max=100"`
}

// RankResponse is the reordered slate.
type RankResponse struct {
	ViewerID         string       `json:"viewer_id"`
	Items            []RankedItem `json:"items"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Timestamp        time.Time    `json:"timestamp"`
}

// AlgorithmItem is one candidate as produced by an upstream recommender.
type AlgorithmItem struct {
	ItemID       string     `json:"item_id" validate:"required"`
	RawScore     float64    `json:"raw_score"`
	Kind         ItemKind   `json:"kind" validate:"required,oneof=article video product"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Category     *string    `json:"category,omitempty"`
	AuthorID     *string    `json:"author_id,omitempty"`
	PublishTime  *time.Time `json:"publish_time,omitempty"`
	QualityScore *float64   `json:"quality_score,omitempty" validate:"omitempty,min=0,max=10"`
	ReviewStatus *string    `json:"review_status,omitempty"`
	ViewerRating *float64   `json:"viewer_rating,omitempty"`
	ViewCount    int64      `json:"view_count,omitempty"`
	LikeCount    int64      `json:"like_count,omitempty"`
	ShareCount   int64      `json:"share_count,omitempty"`
	CommentCount int64      `json:"comment_count,omitempty"`
}

// AlgorithmResult is one upstream recommender's ordered result list.
type AlgorithmResult struct {
	Algorithm string          `json:"algorithm"`
	Items     []AlgorithmItem `json:"items" validate:"dive"`
}

// FuseRequest asks for several upstream result lists merged into one.
type FuseRequest struct {
	ViewerID         string                     `json:"viewer_id" validate:"required"`
	AlgorithmResults map[string]AlgorithmResult `json:"algorithm_results" validate:"required,min=1"`
	TargetSize       int                        `json:"target_size" validate:"required,min=1,max=100"`
	Context          *RequestContext            `json:"context,omitempty"`
}

// ScoreBreakdown itemizes the components of a fused item's final score.
type ScoreBreakdown struct {
	BaseScore            float64 `json:"base_score"`
	FreshnessBoost       float64 `json:"freshness_boost"`
	PopularityBoost      float64 `json:"popularity_boost"`
	PersonalizationBoost float64 `json:"personalization_boost"`
}

// FusedItem is one entry of the fused, deduplicated, diversified output.
type FusedItem struct {
	ItemID            string         `json:"item_id"`
	Kind              ItemKind       `json:"kind"`
	Title             string         `json:"title,omitempty"`
	Category          *string        `json:"category,omitempty"`
	AuthorID          *string        `json:"author_id,omitempty"`
	PublishTime       *time.Time     `json:"publish_time,omitempty"`
	FinalScore        float64        `json:"final_score"`
	FusionScore       float64        `json:"fusion_score"`
	ScoreBreakdown    ScoreBreakdown `json:"score_breakdown"`
	Algorithms        []string       `json:"algorithms"`
	AlgorithmCoverage float64        `json:"algorithm_coverage"`
}

// FuseResponse is the assembled result list. Degraded is set when a stage
// failed and the first algorithm's results were returned as a fallback.
type FuseResponse struct {
	ViewerID         string      `json:"viewer_id"`
	Items            []FusedItem `json:"items"`
	Degraded         bool        `json:"degraded"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Timestamp        time.Time   `json:"timestamp"`
}

package services

import (
	"context"
	"time"

	"github.com/temcen/rerank/pkg/models"
)

// Scorer is the opaque model interface. BatchScore returns one score in
// [0,1] per feature row; rows share the positional layout fixed at load.
type Scorer interface {
	BatchScore(ctx context.Context, features [][]float64) ([]float64, error)
	FeatureDim() int
	Version() string
}

// BehaviorReader is the analytical query surface over the behavior log.
// Every aggregation has exactly one canonical definition here.
type BehaviorReader interface {
	ViewerAggregates(ctx context.Context, viewerIDs []string, windowDays, minInteractions int) (map[string]*models.ViewerAggregates, error)
	ItemAggregates(ctx context.Context, itemIDs []string, windowDays, minInteractions int) (map[string]*models.ItemAggregates, error)
	InteractionMatrix(ctx context.Context, viewerIDs, itemIDs []string, windowDays int) ([]models.InteractionCell, error)
	Trending(ctx context.Context, kind *models.ItemKind, windowHours, minInteractions, limit int) ([]models.TrendingItem, error)
	ViewerPatterns(ctx context.Context, viewerID string) (*models.ViewerPatterns, error)
}

// BehaviorAppender appends immutable events to the behavior log.
type BehaviorAppender interface {
	AppendBatch(ctx context.Context, events []models.BehaviorEvent) error
}

// FeatureReader is the feature hydration surface used by the pipelines.
type FeatureReader interface {
	GetViewerFeatures(ctx context.Context, viewerIDs []string) (map[string]*models.ViewerFeatures, error)
	GetItemFeatures(ctx context.Context, itemIDs []string) (map[string]*models.ItemFeatures, error)
}

// FeatureWriter is the feature persistence surface used by the offline
// aggregator and the ingestion patch path.
type FeatureWriter interface {
	PutViewerFeatures(ctx context.Context, features []*models.ViewerFeatures) error
	PutItemFeatures(ctx context.Context, features []*models.ItemFeatures) error
	PatchViewerOnEvent(ctx context.Context, event *models.BehaviorEvent) error
	PutTrending(ctx context.Context, list *models.TrendingList) error
}

// JobReport is the outcome one offline job run records.
type JobReport struct {
	JobName        string        `json:"job_name"`
	RunID          string        `json:"run_id"`
	SuccessCount   int           `json:"success_count"`
	ErrorCount     int           `json:"error_count"`
	ProcessingTime time.Duration `json:"processing_time"`
	StartedAt      time.Time     `json:"started_at"`
}

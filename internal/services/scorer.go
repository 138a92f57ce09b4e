package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/temcen/rerank/pkg/models"
)

// Context features appended after the viewer and item vectors, in fixed
// positional order: hour, weekday, weekend flag, device bucket, location
// bucket.
const ContextFeatureCount = 5

// TotalFeatureDim is the width of one scoring row: viewer vector, item
// vector, context features, concatenated in that order.
const TotalFeatureDim = models.ViewerVectorDim + models.ItemVectorDim + ContextFeatureCount

// linearModelFile is the on-disk model artifact.
type linearModelFile struct {
	Version string    `json:"version"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// linearScorer scores feature rows with a logistic-linear model. Output is
// always in [0,1].
type linearScorer struct {
	weights []float64
	bias    float64
	version string
}

func newLinearScorer(weights []float64, bias float64, version string) *linearScorer {
	return &linearScorer{weights: weights, bias: bias, version: version}
}

// defaultLinearScorer is the zero model: every row scores 0.5. Used when
// no artifact is available so the pipeline stays serviceable.
func defaultLinearScorer(dim int) *linearScorer {
	return newLinearScorer(make([]float64, dim), 0, "default")
}

func (s *linearScorer) BatchScore(ctx context.Context, features [][]float64) ([]float64, error) {
	scores := make([]float64, len(features))
	for i, row := range features {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch score cancelled: %w", ErrTimeout)
		}
		if len(row) != len(s.weights) {
			return nil, fmt.Errorf("feature row %d has %d components, want %d: %w",
				i, len(row), len(s.weights), ErrInference)
		}
		z := floats.Dot(s.weights, row) + s.bias
		scores[i] = 1.0 / (1.0 + math.Exp(-z))
	}
	return scores, nil
}

func (s *linearScorer) FeatureDim() int { return len(s.weights) }
func (s *linearScorer) Version() string { return s.version }

// ScorerStats is the counter snapshot for the scorer handle.
type ScorerStats struct {
	Loaded           bool    `json:"loaded"`
	Version          string  `json:"version"`
	TotalRequests    uint64  `json:"total_requests"`
	TotalPredictions uint64  `json:"total_predictions"`
	BatchCount       uint64  `json:"batch_count"`
	AvgBatchSize     float64 `json:"avg_batch_size"`
	AvgInferenceMs   float64 `json:"avg_inference_ms"`
}

// ScorerHandle holds the active Scorer behind a read-write lock. Loads
// build the replacement aside and swap briefly under the write lock; a
// failed load leaves the prior model in place. An in-flight batch keeps
// the Scorer it started with.
type ScorerHandle struct {
	mu      sync.RWMutex
	current Scorer
	logger  *logrus.Logger

	statsMu          sync.Mutex
	totalRequests    uint64
	totalPredictions uint64
	batchCount       uint64
	totalInference   time.Duration
}

func NewScorerHandle(logger *logrus.Logger) *ScorerHandle {
	return &ScorerHandle{logger: logger}
}

// LoadFromFile parses a model artifact and swaps it in.
func (h *ScorerHandle) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model artifact: %w", err)
	}
	var mf linearModelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse model artifact: %w", err)
	}
	if len(mf.Weights) != TotalFeatureDim {
		return fmt.Errorf("model artifact has %d weights, want %d", len(mf.Weights), TotalFeatureDim)
	}
	h.Swap(newLinearScorer(mf.Weights, mf.Bias, mf.Version))
	return nil
}

// LoadDefault installs the zero model.
func (h *ScorerHandle) LoadDefault() {
	h.Swap(defaultLinearScorer(TotalFeatureDim))
}

// Swap atomically replaces the active Scorer.
func (h *ScorerHandle) Swap(s Scorer) {
	h.mu.Lock()
	old := h.current
	h.current = s
	h.mu.Unlock()

	fields := logrus.Fields{"version": s.Version()}
	if old != nil {
		fields["previous_version"] = old.Version()
	}
	h.logger.WithFields(fields).Info("Scorer swapped")
}

// Get returns the active Scorer, or nil when none is loaded.
func (h *ScorerHandle) Get() Scorer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *ScorerHandle) Loaded() bool {
	return h.Get() != nil
}

// BatchScore delegates to the active Scorer and records stats.
func (h *ScorerHandle) BatchScore(ctx context.Context, features [][]float64) ([]float64, error) {
	scorer := h.Get()
	if scorer == nil {
		return nil, fmt.Errorf("no model loaded: %w", ErrServiceUnavailable)
	}

	start := time.Now()
	scores, err := scorer.BatchScore(ctx, features)
	elapsed := time.Since(start)

	h.statsMu.Lock()
	h.totalRequests++
	h.batchCount++
	h.totalPredictions += uint64(len(features))
	h.totalInference += elapsed
	h.statsMu.Unlock()

	return scores, err
}

func (h *ScorerHandle) FeatureDim() int {
	if s := h.Get(); s != nil {
		return s.FeatureDim()
	}
	return TotalFeatureDim
}

func (h *ScorerHandle) Version() string {
	if s := h.Get(); s != nil {
		return s.Version()
	}
	return ""
}

// Stats snapshots the handle's counters.
func (h *ScorerHandle) Stats() ScorerStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	stats := ScorerStats{
		Loaded:           h.Loaded(),
		Version:          h.Version(),
		TotalRequests:    h.totalRequests,
		TotalPredictions: h.totalPredictions,
		BatchCount:       h.batchCount,
	}
	if h.batchCount > 0 {
		stats.AvgBatchSize = float64(h.totalPredictions) / float64(h.batchCount)
		stats.AvgInferenceMs = float64(h.totalInference.Milliseconds()) / float64(h.batchCount)
	}
	return stats
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/services"
)

// BusMetrics exposes message bus consumer statistics.
type BusMetrics interface {
	GetMetrics() map[string]interface{}
}

// HealthHandler serves the health probe and the operational stats surface.
type HealthHandler struct {
	health    *services.HealthService
	batcher   *services.InferenceBatcher
	features  *services.FeatureStore
	fusion    *services.FusionPipeline
	scorer    *services.ScorerHandle
	scheduler *services.Scheduler
	bus       BusMetrics
	logger    *logrus.Logger
}

func NewHealthHandler(health *services.HealthService, batcher *services.InferenceBatcher,
	features *services.FeatureStore, fusion *services.FusionPipeline,
	scorer *services.ScorerHandle, scheduler *services.Scheduler,
	bus BusMetrics, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		health:    health,
		batcher:   batcher,
		features:  features,
		fusion:    fusion,
		scorer:    scorer,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.health.Check(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Stats handles GET /api/v1/stats.
func (h *HealthHandler) Stats(c *gin.Context) {
	stats := gin.H{
		"batcher":       h.batcher.Stats(),
		"feature_store": h.features.Stats(),
		"fusion":        h.fusion.Stats(),
		"scorer":        h.scorer.Stats(),
		"scheduler":     h.scheduler.Status(),
		"timestamp":     time.Now(),
	}
	if h.bus != nil {
		stats["message_bus"] = h.bus.GetMetrics()
	}
	c.JSON(http.StatusOK, stats)
}

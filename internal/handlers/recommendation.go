package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/services"
	"github.com/temcen/rerank/pkg/models"
)

// maxRankResults caps the item count of a rank response when the request
// leaves max_results unset.
const maxRankResults = 100

// RecommendationHandler serves the ranking and fusion endpoints.
type RecommendationHandler struct {
	ranking  *services.RankingPipeline
	fusion   *services.FusionPipeline
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewRecommendationHandler(ranking *services.RankingPipeline, fusion *services.FusionPipeline, logger *logrus.Logger) *RecommendationHandler {
	return &RecommendationHandler{
		ranking:  ranking,
		fusion:   fusion,
		validate: validator.New(),
		logger:   logger,
	}
}

// Rank handles POST /api/v1/rank.
func (h *RecommendationHandler) Rank(c *gin.Context) {
	start := time.Now()

	var req models.RankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", err.Error())
		return
	}

	maxResults := req.MaxResults
	if maxResults == 0 {
		// Responses never exceed 100 items even when more candidates
		// are submitted.
		maxResults = len(req.Candidates)
		if maxResults > maxRankResults {
			maxResults = maxRankResults
		}
	}

	items, err := h.ranking.Rank(c.Request.Context(), req.ViewerID, req.Candidates, req.Context, maxResults)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.RankResponse{
		ViewerID:         req.ViewerID,
		Items:            items,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Timestamp:        time.Now(),
	})
}

// Fuse handles POST /api/v1/fuse.
func (h *RecommendationHandler) Fuse(c *gin.Context) {
	start := time.Now()

	var req models.FuseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", err.Error())
		return
	}
	for name, result := range req.AlgorithmResults {
		for i := range result.Items {
			if err := h.validate.Struct(&result.Items[i]); err != nil {
				h.logger.WithFields(logrus.Fields{
					"algorithm": name,
					"item_id":   result.Items[i].ItemID,
				}).Warn("Invalid algorithm item")
				errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", err.Error())
				return
			}
		}
	}

	items, degraded := h.fusion.Fuse(c.Request.Context(), req.ViewerID, req.AlgorithmResults, req.TargetSize, req.Context)

	c.JSON(http.StatusOK, models.FuseResponse{
		ViewerID:         req.ViewerID,
		Items:            items,
		Degraded:         degraded,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Timestamp:        time.Now(),
	})
}

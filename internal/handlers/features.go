package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/pkg/models"
)

// TrendingReader serves cached trending lists.
type TrendingReader interface {
	GetTrending(ctx context.Context, kind *models.ItemKind) (*models.TrendingList, error)
}

// PatternsReader serves viewer behavior histograms from the analytical store.
type PatternsReader interface {
	ViewerPatterns(ctx context.Context, viewerID string) (*models.ViewerPatterns, error)
}

// FeaturesHandler serves the read-only feature surfaces.
type FeaturesHandler struct {
	trending TrendingReader
	patterns PatternsReader
	logger   *logrus.Logger
}

func NewFeaturesHandler(trending TrendingReader, patterns PatternsReader, logger *logrus.Logger) *FeaturesHandler {
	return &FeaturesHandler{
		trending: trending,
		patterns: patterns,
		logger:   logger,
	}
}

// Trending handles GET /api/v1/trending/:kind. Kind "all" returns the
// overall list.
func (h *FeaturesHandler) Trending(c *gin.Context) {
	kindParam := c.Param("kind")

	var kind *models.ItemKind
	if kindParam != "all" {
		k := models.ItemKind(kindParam)
		if !k.Valid() {
			errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "unknown item kind: "+kindParam)
			return
		}
		kind = &k
	}

	list, err := h.trending.GetTrending(c.Request.Context(), kind)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if list == nil {
		errorEnvelope(c, http.StatusNotFound, "NOT_FOUND", "no trending list computed for kind "+kindParam)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":        kindParam,
		"items":       list.Items,
		"computed_at": list.ComputedAt,
		"timestamp":   time.Now(),
	})
}

// ViewerPatterns handles GET /api/v1/viewers/:viewerId/patterns.
func (h *FeaturesHandler) ViewerPatterns(c *gin.Context) {
	viewerID := c.Param("viewerId")
	if viewerID == "" {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "viewer id is required")
		return
	}

	patterns, err := h.patterns.ViewerPatterns(c.Request.Context(), viewerID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, patterns)
}

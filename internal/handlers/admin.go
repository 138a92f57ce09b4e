package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/services"
)

// AdminHandler serves operational endpoints. These are not exposed to
// end clients; the deployment fronts them with its own access control.
type AdminHandler struct {
	scorer           *services.ScorerHandle
	defaultModelPath string
	logger           *logrus.Logger
}

func NewAdminHandler(scorer *services.ScorerHandle, defaultModelPath string, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		scorer:           scorer,
		defaultModelPath: defaultModelPath,
		logger:           logger,
	}
}

type reloadScorerRequest struct {
	ModelPath string `json:"model_path"`
}

// ReloadScorer handles POST /api/v1/admin/scorer/reload. In-flight
// batches finish on the old model; new batches score with the new one.
func (h *AdminHandler) ReloadScorer(c *gin.Context) {
	var req reloadScorerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "invalid request body: "+err.Error())
			return
		}
	}

	path := req.ModelPath
	if path == "" {
		path = h.defaultModelPath
	}

	if err := h.scorer.LoadFromFile(path); err != nil {
		h.logger.WithError(err).WithField("path", path).Error("Scorer reload failed")
		errorEnvelope(c, http.StatusUnprocessableEntity, "BAD_INPUT", "failed to load model: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "reloaded",
		"version":   h.scorer.Version(),
		"timestamp": time.Now(),
	})
}

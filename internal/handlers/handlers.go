package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/services"
)

// Handlers bundles the HTTP handlers for the request surface.
type Handlers struct {
	Recommendation *RecommendationHandler
	Ingestion      *IngestionHandler
	Features       *FeaturesHandler
	Health         *HealthHandler
	Admin          *AdminHandler
}

// Deps carries everything the request surface talks to.
type Deps struct {
	Ranking   *services.RankingPipeline
	Fusion    *services.FusionPipeline
	Features  *services.FeatureStore
	Behavior  *services.BehaviorLog
	Scorer    *services.ScorerHandle
	Scheduler *services.Scheduler
	Batcher   *services.InferenceBatcher
	Health    *services.HealthService
	Publisher EventPublisher
	Bus       BusMetrics
	ModelPath string
}

func New(logger *logrus.Logger, deps Deps) (*Handlers, error) {
	ingestion, err := NewIngestionHandler(deps.Publisher, logger)
	if err != nil {
		return nil, err
	}

	return &Handlers{
		Recommendation: NewRecommendationHandler(deps.Ranking, deps.Fusion, logger),
		Ingestion:      ingestion,
		Features:       NewFeaturesHandler(deps.Features, deps.Behavior, logger),
		Health: NewHealthHandler(deps.Health, deps.Batcher, deps.Features,
			deps.Fusion, deps.Scorer, deps.Scheduler, deps.Bus, logger),
		Admin: NewAdminHandler(deps.Scorer, deps.ModelPath, logger),
	}, nil
}

// errorEnvelope writes the canonical error body. The code is the stable
// error kind; clients dispatch on it, not on the message.
func errorEnvelope(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps a service error onto an HTTP status by kind.
func writeServiceError(c *gin.Context, logger *logrus.Logger, err error) {
	kind := services.ErrorKind(err)

	var status int
	switch kind {
	case "BAD_INPUT":
		status = http.StatusBadRequest
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "OVERLOADED":
		status = http.StatusTooManyRequests
	case "TIMEOUT":
		status = http.StatusGatewayTimeout
	case "UPSTREAM_UNAVAILABLE", "SERVICE_UNAVAILABLE":
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("kind", kind).Error("Request failed")
	}
	errorEnvelope(c, status, kind, err.Error())
}

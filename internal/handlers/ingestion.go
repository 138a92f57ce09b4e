package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/temcen/rerank/pkg/models"
)

// behaviorEventSchema is the wire contract for ingested behavior events.
// Unknown top-level fields are rejected; free-form signals go in extra.
const behaviorEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["viewer_id", "item_id", "action", "kind"],
  "additionalProperties": false,
  "properties": {
    "viewer_id":    {"type": "string", "minLength": 1},
    "item_id":      {"type": "string", "minLength": 1},
    "action":       {"type": "string", "enum": ["view", "click", "like", "share", "comment", "purchase"]},
    "kind":         {"type": "string", "enum": ["article", "video", "product"]},
    "session_id":   {"type": "string"},
    "device":       {"type": "string", "enum": ["mobile", "tablet", "desktop"]},
    "duration_sec": {"type": "number", "minimum": 0},
    "timestamp":    {"type": "string", "format": "date-time"},
    "extra":        {"type": "object"}
  }
}`

// EventPublisher hands an accepted event to the behavior log pipeline.
type EventPublisher interface {
	PublishBehaviorEvent(event models.BehaviorEvent) error
}

// IngestionHandler accepts behavior events at the request boundary.
// Acceptance means validated and enqueued, not yet aggregated.
type IngestionHandler struct {
	publisher EventPublisher
	schema    *gojsonschema.Schema
	logger    *logrus.Logger
}

func NewIngestionHandler(publisher EventPublisher, logger *logrus.Logger) (*IngestionHandler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(behaviorEventSchema))
	if err != nil {
		return nil, err
	}
	return &IngestionHandler{
		publisher: publisher,
		schema:    schema,
		logger:    logger,
	}, nil
}

// Ingest handles POST /api/v1/events.
func (h *IngestionHandler) Ingest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "failed to read request body")
		return
	}

	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "request body is not valid JSON")
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_INPUT",
				"message": "behavior event failed schema validation",
				"details": details,
			},
		})
		return
	}

	var event models.BehaviorEvent
	if err := json.Unmarshal(body, &event); err != nil {
		errorEnvelope(c, http.StatusBadRequest, "BAD_INPUT", "invalid behavior event: "+err.Error())
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := h.publisher.PublishBehaviorEvent(event); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"timestamp": time.Now(),
	})
}

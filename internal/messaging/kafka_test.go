package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/rerank/pkg/models"
)

func TestBehaviorMessage_Serialization(t *testing.T) {
	device := "mobile"
	duration := 42.5
	message := BehaviorMessage{
		EventID: uuid.New(),
		Event: models.BehaviorEvent{
			ViewerID:    "viewer-1",
			ItemID:      "item-1",
			Action:      models.ActionLike,
			Kind:        models.ItemKindVideo,
			Device:      &device,
			DurationSec: &duration,
			Timestamp:   time.Now().UTC(),
			Extra:       map[string]interface{}{"source": "feed"},
		},
		Timestamp:  time.Now().UTC(),
		RetryCount: 0,
	}

	messageBytes, err := json.Marshal(message)
	require.NoError(t, err)

	var decoded BehaviorMessage
	require.NoError(t, json.Unmarshal(messageBytes, &decoded))

	assert.Equal(t, message.EventID, decoded.EventID)
	assert.Equal(t, message.Event.ViewerID, decoded.Event.ViewerID)
	assert.Equal(t, message.Event.Action, decoded.Event.Action)
	assert.Equal(t, message.Event.Kind, decoded.Event.Kind)
	require.NotNil(t, decoded.Event.Device)
	assert.Equal(t, device, *decoded.Event.Device)
	require.NotNil(t, decoded.Event.DurationSec)
	assert.Equal(t, duration, *decoded.Event.DurationSec)
	assert.Equal(t, "feed", decoded.Event.Extra["source"])
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name          string
		attempt       int
		expectedDelay time.Duration
	}{
		{"first retry", 1, 1 * time.Second},
		{"second retry", 2, 2 * time.Second},
		{"third retry", 3, 4 * time.Second},
	}

	baseDelay := time.Second
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := baseDelay * time.Duration(1<<uint(tt.attempt-1))
			assert.Equal(t, tt.expectedDelay, delay)
		})
	}
}

func TestMessageKeyKeepsViewerOrdering(t *testing.T) {
	// The writer keys by viewer id so one viewer's events land on one
	// partition in order.
	eventA := models.BehaviorEvent{ViewerID: "viewer-1", ItemID: "item-1", Action: models.ActionView, Kind: models.ItemKindArticle}
	eventB := models.BehaviorEvent{ViewerID: "viewer-1", ItemID: "item-2", Action: models.ActionClick, Kind: models.ItemKindArticle}

	assert.Equal(t, []byte(eventA.ViewerID), []byte(eventB.ViewerID))
}

func TestDLQEnvelope(t *testing.T) {
	original := BehaviorMessage{
		EventID: uuid.New(),
		Event: models.BehaviorEvent{
			ViewerID:  "viewer-1",
			ItemID:    "item-1",
			Action:    models.ActionView,
			Kind:      models.ItemKindArticle,
			Timestamp: time.Now(),
		},
		Timestamp:  time.Now(),
		RetryCount: 3,
	}

	dlqMessage := map[string]interface{}{
		"original_message": original,
		"error":            "processing failed",
		"dlq_timestamp":    time.Now(),
	}

	dlqBytes, err := json.Marshal(dlqMessage)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(dlqBytes, &decoded))

	assert.Contains(t, decoded, "original_message")
	assert.Contains(t, decoded, "error")
	assert.Contains(t, decoded, "dlq_timestamp")
	assert.Equal(t, "processing failed", decoded["error"])
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/pkg/models"
)

const dlqSuffix = "-dlq"

// BehaviorMessage is the wire envelope for one behavior event on the bus.
type BehaviorMessage struct {
	EventID    uuid.UUID            `json:"event_id"`
	Event      models.BehaviorEvent `json:"event"`
	Timestamp  time.Time            `json:"timestamp"`
	RetryCount int                  `json:"retry_count"`
}

// MessageBus carries behavior events from the request surface to the
// append/patch consumer. Delivery is at-least-once; downstream
// aggregations tolerate duplicates.
type MessageBus struct {
	writer    *kafka.Writer
	reader    *kafka.Reader
	dlqWriter *kafka.Writer
	topic     string
	logger    *logrus.Logger
}

func NewMessageBus(cfg *config.KafkaConfig, logger *logrus.Logger) (*MessageBus, error) {
	topic := cfg.Topics.BehaviorEvents

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Key by viewer id to keep one viewer's events ordered
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic + dlqSuffix,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &MessageBus{
		writer:    writer,
		reader:    reader,
		dlqWriter: dlqWriter,
		topic:     topic,
		logger:    logger,
	}, nil
}

// PublishBehaviorEvent puts one event on the bus. Fire-and-forget at the
// request boundary; the caller only learns about transport failures.
func (mb *MessageBus) PublishBehaviorEvent(event models.BehaviorEvent) error {
	message := BehaviorMessage{
		EventID:   uuid.New(),
		Event:     event,
		Timestamp: time.Now(),
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal behavior message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(event.ViewerID),
		Value: messageBytes,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(message.EventID.String())},
			{Key: "action", Value: []byte(event.Action)},
			{Key: "timestamp", Value: []byte(message.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mb.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		mb.logger.WithError(err).WithField("event_id", message.EventID).Error("Failed to publish behavior event")
		return fmt.Errorf("failed to write behavior event: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"event_id":  message.EventID,
		"viewer_id": event.ViewerID,
		"action":    event.Action,
	}).Debug("Behavior event published")

	return nil
}

// ConsumeMessages reads behavior events and hands each to the handler
// with retries; messages that exhaust their retries go to the DLQ.
func (mb *MessageBus) ConsumeMessages(ctx context.Context, handler func(BehaviorMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := mb.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				mb.logger.WithError(err).Error("Failed to read behavior event")
				continue
			}

			var behaviorMessage BehaviorMessage
			if err := json.Unmarshal(message.Value, &behaviorMessage); err != nil {
				mb.logger.WithError(err).Error("Failed to unmarshal behavior message")
				continue
			}

			if err := mb.processWithRetry(ctx, behaviorMessage, handler); err != nil {
				mb.logger.WithError(err).WithField("event_id", behaviorMessage.EventID).Error("Failed to process behavior event after retries")
				if dlqErr := mb.sendToDLQ(ctx, behaviorMessage, err); dlqErr != nil {
					mb.logger.WithError(dlqErr).Error("Failed to send behavior event to DLQ")
				}
			}
		}
	}
}

func (mb *MessageBus) processWithRetry(ctx context.Context, message BehaviorMessage, handler func(BehaviorMessage) error) error {
	maxRetries := 3
	baseDelay := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		message.RetryCount = attempt
		if err := handler(message); err != nil {
			mb.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": message.EventID,
				"attempt":  attempt,
			}).Warn("Behavior event processing failed")

			if attempt == maxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (mb *MessageBus) sendToDLQ(ctx context.Context, message BehaviorMessage, originalError error) error {
	dlqMessage := map[string]interface{}{
		"original_message": message,
		"error":            originalError.Error(),
		"dlq_timestamp":    time.Now(),
	}

	dlqBytes, err := json.Marshal(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(message.EventID.String()),
		Value: dlqBytes,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(message.EventID.String())},
			{Key: "original_topic", Value: []byte(mb.topic)},
			{Key: "error", Value: []byte(originalError.Error())},
		},
	}

	if err := mb.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"event_id": message.EventID,
		"error":    originalError.Error(),
	}).Warn("Behavior event sent to DLQ")

	return nil
}

func (mb *MessageBus) Close() error {
	var errs []error

	if err := mb.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := mb.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing message bus: %v", errs)
	}
	return nil
}

// GetMetrics exposes consumer statistics for the stats surface.
func (mb *MessageBus) GetMetrics() map[string]interface{} {
	stats := mb.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}

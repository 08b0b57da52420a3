package pricewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
)

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(_ context.Context, _ OutboxEvent) error {
	return nil
}

func (p *NopPublisher) Close() error {
	return nil
}

// QueuePublisher sends outbox events to their work queue through the default
// exchange as persistent, confirmed messages.
type QueuePublisher struct {
	client QueueClient
	logger *zap.Logger
}

// NewQueuePublisher creates a publisher sending outbox rows to their broker queue.
func NewQueuePublisher(client QueueClient, logger *zap.Logger) *QueuePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueuePublisher{client: client, logger: logger}
}

// Publish routes event.Payload to event.Queue. The outbox event id becomes the
// message id so consumers can spot redeliveries.
func (p *QueuePublisher) Publish(ctx context.Context, event OutboxEvent) error {
	headers, err := buildMessageHeaders(event)
	if err != nil {
		return err
	}

	p.logger.Debug("Publishing notification",
		zap.String("message_id", event.EventID),
		zap.String("queue", event.Queue),
	)

	return p.client.Publish(ctx, "", event.Queue, bus.Message{
		MessageID:   event.EventID,
		ContentType: "application/json",
		Body:        event.Payload,
		Headers:     headers,
	})
}

func (p *QueuePublisher) Close() error {
	return nil
}

func buildMessageHeaders(event OutboxEvent) (map[string]interface{}, error) {
	headers := map[string]interface{}{
		"alert_id": strconv.FormatInt(event.AlertID, 10),
		"attempt":  strconv.Itoa(event.AttemptCount + 1),
	}
	if len(event.Headers) > 0 {
		var stored map[string]interface{}
		if err := json.Unmarshal(event.Headers, &stored); err != nil {
			return nil, fmt.Errorf("failed to decode headers of event %s: %w", event.EventID, err)
		}
		for k, v := range stored {
			headers[k] = v
		}
	}
	return headers, nil
}

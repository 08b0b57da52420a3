package pricewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/storage"
)

// NewNotificationEvent builds the outbox row for a notification request.
// The trace context of ctx travels in the row headers.
func NewNotificationEvent(ctx context.Context, queue string, alertID int64, req NotificationRequest) (storage.OutboxRecord, error) {
	if err := validateNotification(queue, req); err != nil {
		return storage.OutboxRecord{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return storage.OutboxRecord{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	headers := bus.HeaderCarrier{}
	bus.InjectTrace(ctx, headers)
	var headersJSON []byte
	if len(headers) > 0 {
		if headersJSON, err = json.Marshal(headers); err != nil {
			return storage.OutboxRecord{}, fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	return storage.OutboxRecord{
		EventID: uuid.NewString(),
		AlertID: alertID,
		Queue:   queue,
		Payload: payload,
		Headers: headersJSON,
		Status:  storage.StatusNew,
	}, nil
}

// SaveNotification stores a notification request in the outbox, using the
// transaction carried by ctx.
func SaveNotification(ctx context.Context, store storage.OutboxStore, queue string, alertID int64, req NotificationRequest) error {
	event, err := NewNotificationEvent(ctx, queue, alertID, req)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := store.CreateOutboxEvent(ctx, &event); err != nil {
		return fmt.Errorf("failed to save notification for alert %d: %w", alertID, err)
	}
	return nil
}

func validateNotification(queue string, req NotificationRequest) error {
	if queue == "" {
		return errors.New("queue is required")
	}
	if req.Recipient == "" {
		return errors.New("recipient is required")
	}
	if req.FlightID == "" {
		return errors.New("flight_id is required")
	}
	return nil
}

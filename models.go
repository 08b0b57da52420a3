package pricewatch

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/pricewatch/internal/validation"
	"github.com/overtonx/pricewatch/storage"
)

// PriceEvent is one price observation as broadcast by the producer.
type PriceEvent struct {
	FlightID    string          `json:"flight_id"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Price       decimal.Decimal `json:"price"`
	ObservedAt  float64         `json:"observed_at"`
}

// ObservedTime converts the unix timestamp to a UTC time.
func (e PriceEvent) ObservedTime() time.Time {
	sec, frac := math.Modf(e.ObservedAt)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Archived returns the stored form of the event.
func (e PriceEvent) Archived(receivedAt time.Time) storage.ArchivedPrice {
	return storage.ArchivedPrice{
		FlightID:    e.FlightID,
		Origin:      e.Origin,
		Destination: e.Destination,
		Price:       e.Price,
		ObservedAt:  e.ObservedTime(),
		ReceivedAt:  receivedAt.UTC(),
	}
}

// DecodePriceEvent validates body against the price event schema and decodes it.
func DecodePriceEvent(v *validation.Validator, body []byte) (PriceEvent, error) {
	if err := v.Validate(body); err != nil {
		return PriceEvent{}, err
	}
	var event PriceEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return PriceEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}

// NotificationRequest is the work item consumed by the notifier.
type NotificationRequest struct {
	Recipient    string          `json:"recipient"`
	FlightID     string          `json:"flight_id"`
	MatchedPrice decimal.Decimal `json:"matched_price"`
	AlertID      int64           `json:"alert_id,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Destination  string          `json:"destination,omitempty"`
}

// OutboxEvent is an outbox row ready to be published.
type OutboxEvent struct {
	ID           int64
	EventID      string
	AlertID      int64
	Queue        string
	Payload      []byte
	Headers      []byte
	AttemptCount int
}

func outboxEventFromRecord(r storage.OutboxRecord) OutboxEvent {
	return OutboxEvent{
		ID:           r.ID,
		EventID:      r.EventID,
		AlertID:      r.AlertID,
		Queue:        r.Queue,
		Payload:      r.Payload,
		Headers:      r.Headers,
		AttemptCount: r.AttemptCount,
	}
}

// DeadLetterRecord is a message parked in the dead-letter queue.
type DeadLetterRecord struct {
	MessageID   string
	Body        []byte
	Event       *PriceEvent
	Reason      string
	SourceQueue string
	DeathCount  int64
	Redelivered bool
	Timestamp   time.Time
}

package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices are JSON numbers on every wire and API body.
	decimal.MarshalJSONWithoutQuotes = true
}

// Outbox event states.
const (
	StatusNew        = 0
	StatusSent       = 1
	StatusRetry      = 2
	StatusError      = 3
	StatusProcessing = 4
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusActive AlertStatus = "active"
	AlertStatusFired  AlertStatus = "fired"
)

// ArchivedPrice is a validated price observation as stored.
type ArchivedPrice struct {
	ID          int64           `json:"id"`
	FlightID    string          `json:"flight_id"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Price       decimal.Decimal `json:"price"`
	ObservedAt  time.Time       `json:"observed_at"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Alert is a user's request to be notified when a flight gets cheap enough.
type Alert struct {
	ID           int64           `json:"id"`
	UserContact  string          `json:"user_contact"`
	FlightID     string          `json:"flight_id"`
	Origin       string          `json:"origin"`
	Destination  string          `json:"destination"`
	DesiredPrice decimal.Decimal `json:"desired_price"`
	Status       AlertStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	FiredAt      *time.Time      `json:"fired_at,omitempty"`
}

// OutboxRecord is a notification request waiting to be published.
type OutboxRecord struct {
	ID            int64
	EventID       string
	AlertID       int64
	Queue         string
	Payload       []byte
	Headers       []byte
	Status        int
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
}

// OutboxDeadLetter is an outbox event that could not be published.
type OutboxDeadLetter struct {
	ID           int64
	EventID      string
	AlertID      int64
	Queue        string
	Payload      []byte
	Headers      []byte
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

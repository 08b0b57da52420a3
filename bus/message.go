package bus

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision is the fate a handler chooses for a delivered message.
type Decision int

const (
	// Ack removes the message from its queue.
	Ack Decision = iota
	// Reject negatively acknowledges without requeue, so a queue with a
	// dead-letter exchange reroutes the message there.
	Reject
	// Requeue negatively acknowledges and puts the message back on its queue.
	Requeue
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Message is the broker-independent view of a delivery that handlers work with.
type Message struct {
	MessageID   string
	ContentType string
	Body        []byte
	Headers     map[string]interface{}
	Redelivered bool
	Timestamp   time.Time
}

// Handler decides what happens to a message. Implementations must not ack
// or nack themselves; the consumer applies the returned Decision exactly once.
type Handler interface {
	Handle(ctx context.Context, msg Message) Decision
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) Decision

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) Decision {
	return f(ctx, msg)
}

// Delivery is a Message bound to the channel that delivered it.
type Delivery struct {
	Message
	tag   uint64
	acker amqp.Acknowledger
}

// NewDelivery binds msg to an acknowledger under the given delivery tag.
func NewDelivery(msg Message, tag uint64, acker amqp.Acknowledger) Delivery {
	return Delivery{Message: msg, tag: tag, acker: acker}
}

// FromAMQP converts a raw amqp091 delivery.
func FromAMQP(d amqp.Delivery) Delivery {
	var headers map[string]interface{}
	if d.Headers != nil {
		headers = map[string]interface{}(d.Headers)
	}
	return Delivery{
		Message: Message{
			MessageID:   d.MessageId,
			ContentType: d.ContentType,
			Body:        d.Body,
			Headers:     headers,
			Redelivered: d.Redelivered,
			Timestamp:   d.Timestamp,
		},
		tag:   d.DeliveryTag,
		acker: d.Acknowledger,
	}
}

// Ack acknowledges this delivery only.
func (d Delivery) Ack() error {
	return d.acker.Ack(d.tag, false)
}

// Nack negatively acknowledges this delivery only.
func (d Delivery) Nack(requeue bool) error {
	return d.acker.Nack(d.tag, false, requeue)
}

// Settle applies a Decision to the delivery.
func Settle(d Delivery, decision Decision) error {
	switch decision {
	case Ack:
		return d.Ack()
	case Requeue:
		return d.Nack(true)
	default:
		return d.Nack(false)
	}
}

// Death summarises the first x-death entry the broker attached when it
// dead-lettered a message.
type Death struct {
	Reason   string
	Queue    string
	Exchange string
	Count    int64
	Time     time.Time
}

// DeathInfo extracts the most recent dead-letter hop from message headers.
func DeathInfo(headers map[string]interface{}) (Death, bool) {
	raw, ok := headers["x-death"]
	if !ok {
		return Death{}, false
	}
	entries, ok := raw.([]interface{})
	if !ok || len(entries) == 0 {
		return Death{}, false
	}

	var table map[string]interface{}
	switch e := entries[0].(type) {
	case amqp.Table:
		table = e
	case map[string]interface{}:
		table = e
	default:
		return Death{}, false
	}

	var death Death
	death.Reason, _ = table["reason"].(string)
	death.Queue, _ = table["queue"].(string)
	death.Exchange, _ = table["exchange"].(string)
	switch c := table["count"].(type) {
	case int64:
		death.Count = c
	case int32:
		death.Count = int64(c)
	case int:
		death.Count = int64(c)
	}
	death.Time, _ = table["time"].(time.Time)
	return death, true
}

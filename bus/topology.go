package bus

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultBroadcastExchange  = "price_update_topic"
	DefaultArchiveQueue       = "historico_precos_queue"
	DefaultAlertQueue         = "motor_alertas_queue"
	DefaultDeadLetterExchange = "historico_dlx"
	DefaultDeadLetterQueue    = "historico_dlq"
	DefaultNotificationQueue  = "notificacoes_queue"

	defaultMessageTTL = time.Hour
)

// Declarer is the subset of *amqp.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// SetupFunc declares whatever a consumer needs and returns the queue to consume from.
type SetupFunc func(ch Declarer) (string, error)

// Topology names every exchange and queue of the pipeline.
type Topology struct {
	BroadcastExchange  string
	ArchiveQueue       string
	AlertQueue         string
	DeadLetterExchange string
	DeadLetterQueue    string
	NotificationQueue  string
	// MessageTTL bounds how long a price waits on the archive queue. Expired
	// messages follow the same dead-letter route as rejected ones.
	MessageTTL time.Duration
	// DeadLetterTTL bounds how long a dead letter is kept for operators.
	DeadLetterTTL time.Duration
}

// DefaultTopology returns the production names.
func DefaultTopology() Topology {
	return Topology{
		BroadcastExchange:  DefaultBroadcastExchange,
		ArchiveQueue:       DefaultArchiveQueue,
		AlertQueue:         DefaultAlertQueue,
		DeadLetterExchange: DefaultDeadLetterExchange,
		DeadLetterQueue:    DefaultDeadLetterQueue,
		NotificationQueue:  DefaultNotificationQueue,
		MessageTTL:         defaultMessageTTL,
		DeadLetterTTL:      defaultMessageTTL,
	}
}

// DeclareBroadcast declares the durable fanout exchange prices are published to.
func (t Topology) DeclareBroadcast(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.BroadcastExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.BroadcastExchange, err)
	}
	return nil
}

// DeclareDeadLetter declares the dead-letter exchange and its queue.
func (t Topology) DeclareDeadLetter(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.DeadLetterExchange, err)
	}

	args := amqp.Table{}
	if t.DeadLetterTTL > 0 {
		args["x-message-ttl"] = t.DeadLetterTTL.Milliseconds()
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", t.DeadLetterQueue, err)
	}
	return nil
}

// DeclareArchiveQueue declares the archiver's durable queue, its dead-letter
// route and the binding to the broadcast.
func (t Topology) DeclareArchiveQueue(ch Declarer) (string, error) {
	if err := t.DeclareBroadcast(ch); err != nil {
		return "", err
	}
	if err := t.DeclareDeadLetter(ch); err != nil {
		return "", err
	}

	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	if t.MessageTTL > 0 {
		args["x-message-ttl"] = t.MessageTTL.Milliseconds()
	}
	q, err := ch.QueueDeclare(t.ArchiveQueue, true, false, false, false, args)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", t.ArchiveQueue, err)
	}
	if err := ch.QueueBind(q.Name, "", t.BroadcastExchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}
	return q.Name, nil
}

// DeclareAlertQueue binds the alert engine to the broadcast. The default is an
// exclusive server-named queue that disappears with the connection; durable
// switches to a named queue that keeps prices while the engine is offline.
func (t Topology) DeclareAlertQueue(ch Declarer, durable bool) (string, error) {
	if err := t.DeclareBroadcast(ch); err != nil {
		return "", err
	}

	var (
		q   amqp.Queue
		err error
	)
	if durable {
		q, err = ch.QueueDeclare(t.AlertQueue, true, false, false, false, nil)
	} else {
		q, err = ch.QueueDeclare("", false, true, true, false, nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to declare alert queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", t.BroadcastExchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}
	return q.Name, nil
}

// DeclareNotificationQueue declares the durable point-to-point work queue.
func (t Topology) DeclareNotificationQueue(ch Declarer) (string, error) {
	q, err := ch.QueueDeclare(t.NotificationQueue, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", t.NotificationQueue, err)
	}
	return q.Name, nil
}

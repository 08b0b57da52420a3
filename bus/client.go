package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPublishNacked is returned when the broker refuses a published message.
var ErrPublishNacked = errors.New("publish not confirmed by broker")

// Client is a lazily connected channel in confirm mode used for publishing
// and for the queue operations of operator tooling. It is safe for
// concurrent use; calls are serialised on one channel.
type Client struct {
	url    string
	retry  RetryPolicy
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient creates a client. No connection is made until first use.
func NewClient(url string, retry RetryPolicy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{url: url, retry: retry, logger: logger}
}

// Declare runs a topology declaration on the client's channel.
func (c *Client) Declare(ctx context.Context, fn func(ch Declarer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		c.reset()
		return err
	}
	return nil
}

// Publish sends msg as a persistent message and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, exchange, key string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	InjectTrace(ctx, headers)

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		c.reset()
		return fmt.Errorf("failed to publish to %q/%q: %w", exchange, key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Get fetches one message without auto-ack. ok is false when the queue is empty.
func (c *Client) Get(ctx context.Context, queue string) (Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(ctx)
	if err != nil {
		return Delivery{}, false, err
	}
	d, ok, err := ch.Get(queue, false)
	if err != nil {
		c.reset()
		return Delivery{}, false, fmt.Errorf("failed to get from %s: %w", queue, err)
	}
	if !ok {
		return Delivery{}, false, nil
	}
	return FromAMQP(d), true, nil
}

// Purge deletes every ready message in queue and returns how many were removed.
func (c *Client) Purge(ctx context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(ctx)
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		c.reset()
		return 0, fmt.Errorf("failed to purge %s: %w", queue, err)
	}
	return n, nil
}

// Depth returns the number of ready messages in queue.
func (c *Client) Depth(ctx context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(ctx)
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		c.reset()
		return 0, fmt.Errorf("failed to inspect %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close releases the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	if c.ch != nil && c.conn != nil && !c.conn.IsClosed() {
		return c.ch, nil
	}
	c.reset()

	conn, err := c.retry.Dial(ctx, c.url, c.logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.conn, c.ch = conn, ch
	return ch, nil
}

func (c *Client) reset() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

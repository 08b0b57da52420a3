package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Every consumer handles one unacknowledged delivery at a time.
const prefetch = 1

var errDeliveriesClosed = errors.New("delivery channel closed")

// Consumer is a long-lived receive loop over one queue. It owns its broker
// connection, reconnects under its RetryPolicy and settles every delivery
// exactly once with the Decision returned by its Handler.
type Consumer struct {
	name    string
	url     string
	setup   SetupFunc
	handler Handler
	retry   RetryPolicy
	logger  *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRetryPolicy sets the reconnection policy.
func WithRetryPolicy(p RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.retry = p
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer named name (also used as the AMQP consumer tag).
func NewConsumer(name, url string, setup SetupFunc, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:    name,
		url:     url,
		setup:   setup,
		handler: handler,
		retry:   DefaultRetryPolicy(),
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.name
}

// Start consumes until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Warn("Consumer already started", zap.String("name", c.name))
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopping", zap.String("name", c.name))
			return
		}
		c.logger.Warn("Consumer session ended, reconnecting", zap.String("name", c.name), zap.Error(err))
		if err := c.retry.Sleep(ctx); err != nil {
			return
		}
	}
}

// Stop cancels the receive loop and waits for it to exit. Deliveries not yet
// acknowledged go back to the broker when the channel closes.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel, started := c.cancel, c.started
		c.mu.Unlock()
		if !started {
			return
		}
		cancel()
		<-c.done
	})
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.retry.Dial(ctx, c.url, c.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	queue, err := c.setup(ch)
	if err != nil {
		return fmt.Errorf("failed to set up topology: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(queue, c.name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	c.logger.Info("Consumer ready",
		zap.String("name", c.name),
		zap.String("queue", queue),
		zap.Int("prefetch", prefetch),
	)
	return c.serve(ctx, deliveries, closed)
}

// serve handles deliveries until the context ends or the connection drops.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return fmt.Errorf("connection closed: %w", amqpErr)
			}
			return errors.New("connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(ctx, FromAMQP(d))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	decision := c.handler.Handle(ExtractTrace(ctx, d.Headers), d.Message)

	if ctx.Err() != nil {
		c.logger.Warn("Shutting down, leaving delivery unacknowledged",
			zap.String("name", c.name),
			zap.String("message_id", d.MessageID),
		)
		return
	}

	if err := Settle(d, decision); err != nil {
		c.logger.Error("Failed to settle delivery",
			zap.String("name", c.name),
			zap.String("message_id", d.MessageID),
			zap.Stringer("decision", decision),
			zap.Error(err),
		)
	}
}

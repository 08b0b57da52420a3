package pricewatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/internal/validation"
)

// DeadLetterOps implements the operator actions on the dead-letter queue.
type DeadLetterOps struct {
	client    QueueClient
	topology  bus.Topology
	validator *validation.Validator
	logger    *zap.Logger
	metrics   MetricsCollector
}

// NewDeadLetterOps creates the operator commands for the price dead-letter queue.
func NewDeadLetterOps(client QueueClient, opts ...DeadLetterOpsOption) *DeadLetterOps {
	o := &DeadLetterOps{
		client:   client,
		topology: bus.DefaultTopology(),
		logger:   zap.NewNop(),
		metrics:  NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.validator = validation.MustNewPriceEventValidator()
	return o
}

// Status returns the number of ready messages in the dead-letter queue.
func (o *DeadLetterOps) Status(ctx context.Context) (int, error) {
	n, err := o.client.Depth(ctx, o.topology.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to read dead-letter queue depth: %w", err)
	}
	o.metrics.RecordGauge("dlq.depth", float64(n), nil)
	return n, nil
}

// Inspect returns up to limit messages without removing them. Messages are
// held until the end so each one is read once, then all are requeued. This
// marks them redelivered and may change their order.
func (o *DeadLetterOps) Inspect(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	var (
		held    []bus.Delivery
		records []DeadLetterRecord
		getErr  error
	)
	for len(held) < limit {
		d, ok, err := o.client.Get(ctx, o.topology.DeadLetterQueue)
		if err != nil {
			getErr = fmt.Errorf("failed to read dead-letter queue: %w", err)
			break
		}
		if !ok {
			break
		}
		held = append(held, d)
		records = append(records, o.record(d.Message))
	}

	var nackErr error
	for _, d := range held {
		if err := d.Nack(true); err != nil {
			nackErr = errors.Join(nackErr, err)
		}
	}
	if nackErr != nil {
		o.logger.Error("Failed to return inspected messages", zap.Error(nackErr))
	}

	if err := errors.Join(getErr, nackErr); err != nil {
		return records, err
	}
	return records, nil
}

// Purge deletes every ready message in the dead-letter queue.
func (o *DeadLetterOps) Purge(ctx context.Context) (int, error) {
	n, err := o.client.Purge(ctx, o.topology.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead-letter queue: %w", err)
	}
	o.logger.Warn("Dead-letter queue purged", zap.Int("count", n))
	o.metrics.IncrementCounter("dlq.purged", nil)
	return n, nil
}

// ReplayResult reports what a replay did.
type ReplayResult struct {
	Replayed int
	Failed   int
}

// Replay republishes dead-lettered messages to the broadcast exchange. Only
// the messages present when it starts are replayed; a message is acked only
// after its republication was confirmed. On the first publish failure the
// message is requeued in the dead-letter queue and Replay stops.
func (o *DeadLetterOps) Replay(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	depth, err := o.Status(ctx)
	if err != nil {
		return result, err
	}

	for i := 0; i < depth; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		d, ok, err := o.client.Get(ctx, o.topology.DeadLetterQueue)
		if err != nil {
			return result, fmt.Errorf("failed to read dead-letter queue: %w", err)
		}
		if !ok {
			break
		}

		msg := bus.Message{
			MessageID:   d.MessageID,
			ContentType: d.ContentType,
			Body:        d.Body,
			Headers:     replayHeaders(d.Headers),
		}
		if err := o.client.Publish(ctx, o.topology.BroadcastExchange, "", msg); err != nil {
			result.Failed++
			o.metrics.IncrementCounter("dlq.replay_failed", nil)
			if nackErr := d.Nack(true); nackErr != nil {
				err = errors.Join(err, nackErr)
			}
			return result, fmt.Errorf("failed to republish message %q: %w", d.MessageID, err)
		}

		if err := d.Ack(); err != nil {
			// Already republished; the copy left behind will be replayed again.
			return result, fmt.Errorf("failed to ack replayed message %q: %w", d.MessageID, err)
		}
		result.Replayed++
		o.metrics.IncrementCounter("dlq.replayed", nil)
	}

	o.logger.Info("Dead-letter replay finished",
		zap.Int("replayed", result.Replayed),
		zap.Int("snapshot_depth", depth),
	)
	return result, nil
}

func (o *DeadLetterOps) record(msg bus.Message) DeadLetterRecord {
	rec := DeadLetterRecord{
		MessageID:   msg.MessageID,
		Body:        msg.Body,
		Redelivered: msg.Redelivered,
		Timestamp:   msg.Timestamp,
	}
	if death, ok := bus.DeathInfo(msg.Headers); ok {
		rec.Reason = death.Reason
		rec.SourceQueue = death.Queue
		rec.DeathCount = death.Count
	}
	if event, err := DecodePriceEvent(o.validator, msg.Body); err == nil {
		rec.Event = &event
	}
	return rec
}

// replayHeaders drops the broker's dead-letter bookkeeping so a replayed
// message starts fresh.
func replayHeaders(headers map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		switch k {
		case "x-death", "x-first-death-exchange", "x-first-death-queue", "x-first-death-reason",
			"x-last-death-exchange", "x-last-death-queue", "x-last-death-reason":
			continue
		}
		out[k] = v
	}
	return out
}

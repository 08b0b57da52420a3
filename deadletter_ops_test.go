package pricewatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/pricewatch/bus"
)

func deadLettered(id, body string) bus.Message {
	return bus.Message{
		MessageID: id,
		Body:      []byte(body),
		Headers: map[string]interface{}{
			"x-death": []interface{}{
				map[string]interface{}{
					"reason":   "rejected",
					"queue":    bus.DefaultArchiveQueue,
					"exchange": bus.DefaultBroadcastExchange,
					"count":    int64(1),
				},
			},
			"x-first-death-reason": "rejected",
			"trace":                "abc",
		},
	}
}

func TestDeadLetterOps_Status(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", `{}`), deadLettered("b", `{}`))
	ops := NewDeadLetterOps(client)

	n, err := ops.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	client.depthErr = errors.New("channel closed")
	_, err = ops.Status(context.Background())
	assert.ErrorContains(t, err, "failed to read dead-letter queue depth")
}

func TestDeadLetterOps_InspectLeavesMessagesInQueue(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue,
		deadLettered("a", validPriceEvent),
		deadLettered("b", `{"flight_id":"G31420"}`),
		deadLettered("c", `garbage`),
	)
	ops := NewDeadLetterOps(client)

	records, err := ops.Inspect(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "a", records[0].MessageID)
	require.NotNil(t, records[0].Event)
	assert.Equal(t, "G31420", records[0].Event.FlightID)
	assert.Equal(t, "rejected", records[0].Reason)
	assert.Equal(t, bus.DefaultArchiveQueue, records[0].SourceQueue)
	assert.Equal(t, int64(1), records[0].DeathCount)

	assert.Equal(t, "b", records[1].MessageID)
	assert.Nil(t, records[1].Event)

	assert.Len(t, client.ready(bus.DefaultDeadLetterQueue), 3)
	assert.Empty(t, client.acked)
	assert.ElementsMatch(t, []string{"a", "b"}, client.nacked)
}

func TestDeadLetterOps_InspectMoreThanAvailable(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", validPriceEvent))
	ops := NewDeadLetterOps(client)

	records, err := ops.Inspect(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, client.ready(bus.DefaultDeadLetterQueue), 1)
}

func TestDeadLetterOps_Purge(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", `{}`), deadLettered("b", `{}`))
	ops := NewDeadLetterOps(client)

	n, err := ops.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, client.ready(bus.DefaultDeadLetterQueue))
}

func TestDeadLetterOps_ReplayRepublishesToBroadcast(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", validPriceEvent), deadLettered("b", `garbage`))
	metrics := newRecordingMetrics()
	ops := NewDeadLetterOps(client, WithDeadLetterOpsMetrics(metrics))

	result, err := ops.Replay(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, client.published, 2)
	for _, p := range client.published {
		assert.Equal(t, bus.DefaultBroadcastExchange, p.exchange)
		assert.Equal(t, "", p.key)
		assert.NotContains(t, p.msg.Headers, "x-death")
		assert.NotContains(t, p.msg.Headers, "x-first-death-reason")
		assert.Equal(t, "abc", p.msg.Headers["trace"])
	}
	assert.Equal(t, "a", client.published[0].msg.MessageID)
	assert.Equal(t, []byte(validPriceEvent), client.published[0].msg.Body)
	assert.Equal(t, []string{"a", "b"}, client.acked)
	assert.Empty(t, client.ready(bus.DefaultDeadLetterQueue))
	assert.Equal(t, 2, metrics.counter("dlq.replayed"))
}

func TestDeadLetterOps_ReplayStopsOnPublishFailure(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", validPriceEvent), deadLettered("b", validPriceEvent))
	client.publishErr = bus.ErrPublishNacked
	ops := NewDeadLetterOps(client)

	result, err := ops.Replay(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrPublishNacked)

	assert.Equal(t, 0, result.Replayed)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, client.acked)
	assert.Equal(t, []string{"a"}, client.nacked)
	assert.Len(t, client.ready(bus.DefaultDeadLetterQueue), 2)
}

func TestDeadLetterOps_ReplayOnlySnapshot(t *testing.T) {
	client := newFakeQueueClient()
	client.push(bus.DefaultDeadLetterQueue, deadLettered("a", `garbage`), deadLettered("b", `garbage`))
	// The archiver rejects garbage again, so every replayed message comes back.
	client.onPublish = func(p publishedMessage) {
		client.push(bus.DefaultDeadLetterQueue, p.msg)
	}
	ops := NewDeadLetterOps(client)

	result, err := ops.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Replayed)
	assert.Len(t, client.published, 2)
	assert.Len(t, client.ready(bus.DefaultDeadLetterQueue), 2)
}

func TestDeadLetterOps_CustomTopology(t *testing.T) {
	client := newFakeQueueClient()
	topology := bus.DefaultTopology()
	topology.DeadLetterQueue = "custom_dlq"
	topology.BroadcastExchange = "custom_topic"
	client.push("custom_dlq", deadLettered("a", validPriceEvent))

	ops := NewDeadLetterOps(client, WithTopology(topology))
	result, err := ops.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	require.Len(t, client.published, 1)
	assert.Equal(t, "custom_topic", client.published[0].exchange)
}

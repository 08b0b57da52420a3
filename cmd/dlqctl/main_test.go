package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/pricewatch"
	"github.com/overtonx/pricewatch/bus"
)

// queueStub serves one queue; acked messages are dropped and nacked ones go back to the tail.
type queueStub struct {
	ready     []bus.Message
	inflight  map[uint64]bus.Message
	tag       uint64
	published []bus.Message
	pubErr    error
}

func newQueueStub(msgs ...bus.Message) *queueStub {
	return &queueStub{ready: msgs, inflight: map[uint64]bus.Message{}}
}

func (q *queueStub) Publish(_ context.Context, _, _ string, msg bus.Message) error {
	if q.pubErr != nil {
		return q.pubErr
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *queueStub) Get(context.Context, string) (bus.Delivery, bool, error) {
	if len(q.ready) == 0 {
		return bus.Delivery{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.tag++
	q.inflight[q.tag] = msg
	return bus.NewDelivery(msg, q.tag, q), true, nil
}

func (q *queueStub) Purge(context.Context, string) (int, error) {
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

func (q *queueStub) Depth(context.Context, string) (int, error) {
	return len(q.ready), nil
}

func (q *queueStub) Ack(tag uint64, _ bool) error {
	delete(q.inflight, tag)
	return nil
}

func (q *queueStub) Nack(tag uint64, _ bool, requeue bool) error {
	msg := q.inflight[tag]
	delete(q.inflight, tag)
	if requeue {
		msg.Redelivered = true
		q.ready = append(q.ready, msg)
	}
	return nil
}

func (q *queueStub) Reject(tag uint64, requeue bool) error {
	return q.Nack(tag, false, requeue)
}

func deadLetters() []bus.Message {
	return []bus.Message{
		{
			MessageID: "m-1",
			Body:      []byte(`{"flight_id":"G31420","origin":"GRU","destination":"SDU","price":1500.0,"observed_at":1719800000}`),
			Headers: map[string]interface{}{
				"x-death": []interface{}{
					map[string]interface{}{"reason": "rejected", "queue": "historico_precos_queue", "count": int64(1)},
				},
			},
		},
		{MessageID: "m-2", Body: []byte(`not json`)},
	}
}

func runCmd(t *testing.T, q *queueStub, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), pricewatch.NewDeadLetterOps(q), args, &out)
	return out.String(), err
}

func TestRun_Status(t *testing.T) {
	out, err := runCmd(t, newQueueStub(deadLetters()...), "status")
	require.NoError(t, err)
	assert.Equal(t, "2 messages in dead-letter queue\n", out)
}

func TestRun_Inspect(t *testing.T) {
	q := newQueueStub(deadLetters()...)

	out, err := runCmd(t, q, "inspect", "-n", "5")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"message_id":"m-1"`)
	assert.Contains(t, lines[0], `"reason":"rejected"`)
	assert.Contains(t, lines[0], `"flight_id":"G31420"`)
	assert.Contains(t, lines[1], `"body":"not json"`)
	assert.Equal(t, "2 messages shown", lines[2])
	assert.Len(t, q.ready, 2, "inspected messages stay in the queue")
}

func TestRun_PurgeNeedsConfirmation(t *testing.T) {
	q := newQueueStub(deadLetters()...)

	_, err := runCmd(t, q, "purge")
	assert.ErrorContains(t, err, "rerun with -yes")
	assert.Len(t, q.ready, 2)

	out, err := runCmd(t, q, "purge", "-yes")
	require.NoError(t, err)
	assert.Equal(t, "2 messages purged\n", out)
	assert.Empty(t, q.ready)
}

func TestRun_Replay(t *testing.T) {
	q := newQueueStub(deadLetters()...)

	_, err := runCmd(t, q, "replay")
	assert.ErrorContains(t, err, "rerun with -yes")
	assert.Empty(t, q.published)

	out, err := runCmd(t, q, "replay", "-yes")
	require.NoError(t, err)
	assert.Equal(t, "2 messages replayed, 0 failed\n", out)
	assert.Len(t, q.published, 2)
	assert.Empty(t, q.ready)
}

func TestRun_ReplayFailure(t *testing.T) {
	q := newQueueStub(deadLetters()...)
	q.pubErr = errors.New("connection closed")

	out, err := runCmd(t, q, "replay", "-yes")
	assert.ErrorContains(t, err, "connection closed")
	assert.Equal(t, "0 messages replayed, 1 failed\n", out)
	assert.Len(t, q.ready, 2)
}

func TestRun_Usage(t *testing.T) {
	q := newQueueStub()
	for _, args := range [][]string{
		nil,
		{"drop"},
		{"inspect", "-n", "0"},
		{"inspect", "-bogus"},
	} {
		_, err := runCmd(t, q, args...)
		assert.ErrorIs(t, err, errUsage, "%v", args)
	}
}

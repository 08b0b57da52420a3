package pricewatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

func newTestEventProcessor(store storage.OutboxStore, publisher Publisher, opts ...EventProcessorOption) *EventProcessor {
	opts = append([]EventProcessorOption{
		WithEventProcessorMaxAttempts(3),
		WithEventProcessorBatchSize(10),
	}, opts...)
	return NewEventProcessor(store, &passthroughTx{}, publisher, zap.NewNop(), nil, opts...)
}

func TestEventProcessor_ProcessEvents_HappyPath(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	events := []storage.OutboxRecord{{ID: 1, EventID: "evt-1", AlertID: 100, Queue: "notificacoes_queue", Payload: []byte(`{}`)}}

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(events, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1}).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, OutboxEvent{
		ID:      1,
		EventID: "evt-1",
		AlertID: 100,
		Queue:   "notificacoes_queue",
		Payload: []byte(`{}`),
	}).Return(nil).Once()
	mockStore.On("MarkAsSent", mock.Anything, int64(1)).Return(nil).Once()

	err := processor.ProcessEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_NoEvents(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return([]storage.OutboxRecord{}, nil).Once()

	err := processor.ProcessEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkAsProcessing", mock.Anything, mock.Anything)
	mockPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_FetchFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	processor := newTestEventProcessor(mockStore, new(MockPublisher))

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(nil, errors.New("db is down")).Once()

	err := processor.ProcessEvents(context.Background())
	assert.EqualError(t, err, "failed to fetch events: db is down")
}

func TestEventProcessor_ProcessEvents_MarkAsProcessingFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return([]storage.OutboxRecord{{ID: 1}}, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1}).Return(errors.New("deadlock")).Once()

	err := processor.ProcessEvents(context.Background())
	assert.ErrorContains(t, err, "failed to mark events as processing")
	mockPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_PublishFails_Retry(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher,
		WithEventProcessorBackoffStrategy(NewFixedBackoffStrategy(time.Minute)))

	events := []storage.OutboxRecord{{ID: 1, Queue: "notificacoes_queue", AttemptCount: 0}}
	publishErr := errors.New("broker unreachable")

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(events, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1}).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(publishErr).Once()
	mockStore.On("UpdateForRetry", mock.Anything, int64(1), mock.MatchedBy(func(next time.Time) bool {
		return next.After(time.Now().Add(50 * time.Second))
	}), publishErr.Error()).Return(nil).Once()

	err := processor.ProcessEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_PublishFails_MaxAttempts(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	events := []storage.OutboxRecord{{ID: 1, Queue: "notificacoes_queue", AttemptCount: 2}}
	publishErr := errors.New("broker still unreachable")

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(events, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1}).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(publishErr).Once()
	mockStore.On("MarkAsError", mock.Anything, int64(1), publishErr.Error()).Return(nil).Once()

	err := processor.ProcessEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "UpdateForRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_StoreFailsOnMarkSent(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	events := []storage.OutboxRecord{{ID: 1, Queue: "notificacoes_queue"}}

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(events, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1}).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
	mockStore.On("MarkAsSent", mock.Anything, int64(1)).Return(errors.New("db connection lost")).Once()

	err := processor.ProcessEvents(context.Background())
	assert.NoError(t, err) // a single event failing does not fail the batch

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_CancelledBatchIsRescheduled(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestEventProcessor(mockStore, mockPublisher)

	ctx, cancel := context.WithCancel(context.Background())
	events := []storage.OutboxRecord{{ID: 1, Queue: "q"}, {ID: 2, Queue: "q"}}

	mockStore.On("FetchNewEvents", mock.Anything, 10).Return(events, nil).Once()
	mockStore.On("MarkAsProcessing", mock.Anything, []int64{1, 2}).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.MatchedBy(func(e OutboxEvent) bool { return e.ID == 1 })).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil).Once()
	mockStore.On("MarkAsSent", mock.Anything, int64(1)).Return(nil).Once()
	mockStore.On("UpdateForRetry", mock.Anything, int64(2), mock.AnythingOfType("time.Time"), context.Canceled.Error()).Return(nil).Once()

	err := processor.ProcessEvents(ctx)
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(e OutboxEvent) bool { return e.ID == 2 }))
}

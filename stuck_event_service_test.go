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

const (
	testStuckTimeout = 10 * time.Minute
	testBatchSize    = 10
)

func newTestStuckEventService(store storage.OutboxStore, tx TxManager) *StuckEventService {
	return NewStuckEventService(store, tx, zap.NewNop(), nil,
		WithStuckEventServiceBatchSize(testBatchSize),
		WithStuckEventServiceStuckTimeout(testStuckTimeout),
		WithStuckEventServiceMaxAttempts(3),
	)
}

func TestStuckEventService_RecoverStuckEvents_HappyPath(t *testing.T) {
	mockStore := new(storage.MockStore)
	tx := &passthroughTx{}
	service := newTestStuckEventService(mockStore, tx)

	events := []storage.OutboxRecord{
		{ID: 1, Status: storage.StatusProcessing},
		{ID: 2, Status: storage.StatusProcessing},
	}

	mockStore.On("FetchStuckEvents", mock.Anything, testBatchSize, testStuckTimeout).Return(events, nil).Once()
	mockStore.On("ResetStuckEvents", mock.Anything, []int64{1, 2}, mock.AnythingOfType("time.Time")).Return(nil).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, tx.calls)

	mockStore.AssertExpectations(t)
}

func TestStuckEventService_RecoverStuckEvents_NoEvents(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := newTestStuckEventService(mockStore, &passthroughTx{})

	mockStore.On("FetchStuckEvents", mock.Anything, testBatchSize, testStuckTimeout).Return([]storage.OutboxRecord{}, nil).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "ResetStuckEvents", mock.Anything, mock.Anything, mock.Anything)
}

func TestStuckEventService_RecoverStuckEvents_ExhaustedGoToError(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := newTestStuckEventService(mockStore, &passthroughTx{})

	events := []storage.OutboxRecord{
		{ID: 1, Status: storage.StatusProcessing, AttemptCount: 2},
		{ID: 2, Status: storage.StatusProcessing, AttemptCount: 0},
	}

	mockStore.On("FetchStuckEvents", mock.Anything, testBatchSize, testStuckTimeout).Return(events, nil).Once()
	mockStore.On("MarkAsError", mock.Anything, int64(1), stuckEventError).Return(nil).Once()
	mockStore.On("ResetStuckEvents", mock.Anything, []int64{2}, mock.AnythingOfType("time.Time")).Return(nil).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
}

func TestStuckEventService_RecoverStuckEvents_StoreFetchFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := newTestStuckEventService(mockStore, &passthroughTx{})

	mockStore.On("FetchStuckEvents", mock.Anything, testBatchSize, testStuckTimeout).Return(nil, errors.New("db is down")).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.EqualError(t, err, "failed to fetch stuck events: db is down")

	mockStore.AssertExpectations(t)
}

func TestStuckEventService_RecoverStuckEvents_StoreResetFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := newTestStuckEventService(mockStore, &passthroughTx{})
	storeErr := errors.New("failed to reset")

	events := []storage.OutboxRecord{{ID: 1, Status: storage.StatusProcessing}}

	mockStore.On("FetchStuckEvents", mock.Anything, testBatchSize, testStuckTimeout).Return(events, nil).Once()
	mockStore.On("ResetStuckEvents", mock.Anything, []int64{1}, mock.AnythingOfType("time.Time")).Return(storeErr).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.Equal(t, storeErr, err)

	mockStore.AssertExpectations(t)
}

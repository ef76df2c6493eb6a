package activitylog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, entries ...Entry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *mockStore) DailyCounts(ctx context.Context, customerID string, start, end time.Time) ([]DailyCount, error) {
	args := m.Called(ctx, customerID, start, end)
	out, _ := args.Get(0).([]DailyCount)
	return out, args.Error(1)
}

func TestHandler_AppendsEntry(t *testing.T) {
	// ARRANGE
	received := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	occurred := received.Add(-time.Minute)
	store := new(mockStore)
	store.On("Append", mock.Anything, []Entry{{
		EventID:       "evt_1",
		EventType:     events.EmailOpened,
		AggregateType: events.AggregateContact,
		AggregateID:   "contact_7",
		CustomerID:    "cus_A",
		UserID:        "usr_1",
		Payload:       `{"emailId":"em_1"}`,
		OccurredAt:    occurred,
		ReceivedAt:    received,
	}}).Return(nil).Once()

	h := NewHandler(store, func() time.Time { return received })

	// ACT
	err := h(context.Background(), events.DomainEvent{
		EventID:       "evt_1",
		EventType:     events.EmailOpened,
		AggregateType: events.AggregateContact,
		AggregateID:   "contact_7",
		Payload:       json.RawMessage(`{"emailId":"em_1"}`),
		Metadata:      events.Metadata{CustomerID: "cus_A", UserID: "usr_1"},
		OccurredAt:    occurred,
	})

	// ASSERT
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestHandler_PropagatesStoreError(t *testing.T) {
	store := new(mockStore)
	store.On("Append", mock.Anything, mock.Anything).Return(errors.New("clickhouse down")).Once()

	err := NewHandler(store, nil)(context.Background(), events.DomainEvent{EventID: "evt_1", EventType: events.EmailOpened})

	assert.EqualError(t, err, "clickhouse down")
}

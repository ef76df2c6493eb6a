package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/tests/mocks"
)

func TestCachedLedger_MissFallsThroughAndCachesPositive(t *testing.T) {
	// ARRANGE
	inner := new(mocks.MockLedger)
	inner.On("IsProcessed", mock.Anything, "evt_1").Return(true, nil).Once()
	c := mocks.NewDummyCache()
	l := NewCachedLedger(inner, c, domain.ConsumerLedger, time.Minute, zap.NewNop())

	// ACT
	done, err := l.IsProcessed(context.Background(), "evt_1")

	// ASSERT
	require.NoError(t, err)
	assert.True(t, done)
	require.Eventually(t, func() bool { return c.Has("ledger:consumed_events:evt_1") }, time.Second, time.Millisecond)

	// ACT: el segundo acierto no toca el ledger.
	done, err = l.IsProcessed(context.Background(), "evt_1")

	require.NoError(t, err)
	assert.True(t, done)
	inner.AssertExpectations(t)
}

func TestCachedLedger_NegativesAreNotCached(t *testing.T) {
	inner := new(mocks.MockLedger)
	inner.On("IsProcessed", mock.Anything, "evt_2").Return(false, nil).Twice()
	l := NewCachedLedger(inner, mocks.NewDummyCache(), domain.ConsumerLedger, time.Minute, zap.NewNop())

	for i := 0; i < 2; i++ {
		done, err := l.IsProcessed(context.Background(), "evt_2")
		require.NoError(t, err)
		assert.False(t, done)
	}
	inner.AssertExpectations(t)
}

func TestCachedLedger_RecordPopulatesCache(t *testing.T) {
	inner := new(mocks.MockLedger)
	inner.On("Record", mock.Anything, "evt_3", "email.opened", mock.Anything).Return(nil).Once()
	c := mocks.NewDummyCache()
	l := NewCachedLedger(inner, c, domain.PublisherLedger, time.Minute, zap.NewNop())

	require.NoError(t, l.Record(context.Background(), "evt_3", "email.opened", time.Now()))

	require.Eventually(t, func() bool { return c.Has("ledger:processed_events:evt_3") }, time.Second, time.Millisecond)
}

func TestCachedLedger_RecordErrorSkipsCache(t *testing.T) {
	inner := new(mocks.MockLedger)
	inner.On("Record", mock.Anything, "evt_4", "email.opened", mock.Anything).Return(errors.New("db down")).Once()
	c := mocks.NewDummyCache()
	l := NewCachedLedger(inner, c, domain.PublisherLedger, time.Minute, zap.NewNop())

	assert.Error(t, l.Record(context.Background(), "evt_4", "email.opened", time.Now()))
	assert.False(t, c.Has("ledger:processed_events:evt_4"))
}

func TestCachedLedger_CacheDownUsesLedger(t *testing.T) {
	inner := new(mocks.MockLedger)
	inner.On("IsProcessed", mock.Anything, "evt_5").Return(true, nil).Once()
	c := mocks.NewDummyCache()
	c.SetDown(true)
	l := NewCachedLedger(inner, c, domain.ConsumerLedger, time.Minute, zap.NewNop())

	done, err := l.IsProcessed(context.Background(), "evt_5")

	require.NoError(t, err)
	assert.True(t, done)
}

func TestMemoryCache_Expiry(t *testing.T) {
	// ARRANGE
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(context.Background(), "k", true, time.Minute))

	// ACT & ASSERT
	var v bool
	ok, err := c.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	now = now.Add(time.Minute)
	ok, err = c.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache()
	require.NoError(t, c.Set(context.Background(), "k", 1, 0))
	require.NoError(t, c.Delete(context.Background(), "k"))

	var v int
	ok, err := c.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

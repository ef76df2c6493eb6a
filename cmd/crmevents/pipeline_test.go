package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/config"
	"github.com/davicafu/crmevents/internal/consumer/application"
	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("STORE_DRIVER", config.DriverSQLite)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "crm.db"))
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("OUTBOX_POLL_INTERVAL", "10ms")
	t.Setenv("CONSUMER_REDELIVERY_BACKOFF", "5ms")
	t.Setenv("CONSUMER_LOCAL_PARTITIONS", "4")

	cfg, err := config.Parse()
	require.NoError(t, err)
	return &app{cfg: cfg, log: zap.NewNop()}
}

func TestPipeline_InMemoryDelivery(t *testing.T) {
	// ARRANGE
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	var cl closers
	defer func() {
		cancel()
		assert.NoError(t, cl.closeAll(a.log))
	}()

	s, err := openStore(ctx, a.cfg.Store, a.log)
	require.NoError(t, err)
	cl.add(func(context.Context) error { return s.close() })

	memBus := a.memoryBus(&cl)
	require.NoError(t, a.startConsumer(ctx, s, memBus, &cl))
	_, err = a.startPublisher(ctx, s, memBus, &cl)
	require.NoError(t, err)

	// ACT
	var ids []string
	for i := 0; i < 3; i++ {
		evt, err := domain.CreateEvent(events.EmailOpened, events.AggregateContact, "contact_7", "cus_A",
			map[string]any{"emailId": "em_1", "n": i}, nil)
		require.NoError(t, err)
		require.NoError(t, s.emit(ctx, evt))
		ids = append(ids, evt.EventID)
	}

	// ASSERT
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if ok, err := s.consumerLedger.IsProcessed(ctx, id); err != nil || !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		ok, err := s.publisherLedger.IsProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	stats, err := s.outbox.Stats(ctx, a.cfg.Outbox.MaxRetries)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Processed)
	assert.Zero(t, stats.Pending)
}

// slowPipeline conecta el publicador real con un consumidor en memoria cuyo
// único handler, para EmailOpened, tarda delay.
func slowPipeline(ctx context.Context, t *testing.T, a *app, cl *closers, delay time.Duration) *store {
	t.Helper()
	s, err := openStore(ctx, a.cfg.Store, a.log)
	require.NoError(t, err)
	cl.add(func(context.Context) error { return s.close() })

	registry := application.NewRegistry()
	require.NoError(t, registry.Register(events.EmailOpened, func(context.Context, events.DomainEvent) error {
		time.Sleep(delay)
		return nil
	}))
	processor, err := application.NewProcessor(registry, s.consumerLedger, time.Second, a.log)
	require.NoError(t, err)
	registry.Seal()

	memBus := a.memoryBus(cl)
	require.NoError(t, memBus.Subscribe(ctx, processor))
	_, err = a.startPublisher(ctx, s, memBus, cl)
	require.NoError(t, err)
	return s
}

func emitOpened(ctx context.Context, t *testing.T, s *store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		evt, err := domain.CreateEvent(events.EmailOpened, events.AggregateContact, "contact_7", "cus_A",
			map[string]any{"emailId": "em_1", "n": i}, nil)
		require.NoError(t, err)
		require.NoError(t, s.emit(ctx, evt))
		ids = append(ids, evt.EventID)
	}
	return ids
}

// assertProcessedWereConsumed reabre el store tras el apagado y comprueba que
// todo evento marcado como publicado llegó al ledger del consumidor.
func assertProcessedWereConsumed(t *testing.T, a *app, ids []string) (published int) {
	t.Helper()
	s, err := openStore(context.Background(), a.cfg.Store, a.log)
	require.NoError(t, err)
	defer s.close()

	for _, id := range ids {
		pub, err := s.publisherLedger.IsProcessed(context.Background(), id)
		require.NoError(t, err)
		if !pub {
			continue
		}
		published++
		consumed, err := s.consumerLedger.IsProcessed(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, consumed, "evento %s publicado pero no consumido", id)
	}
	return published
}

func TestPipeline_GracefulShutdownKeepsProcessedEvents(t *testing.T) {
	// ARRANGE
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	var cl closers
	s := slowPipeline(ctx, t, a, &cl, 200*time.Millisecond)
	ids := emitOpened(ctx, t, s, 5)

	require.Eventually(t, func() bool {
		stats, err := s.outbox.Stats(ctx, a.cfg.Outbox.MaxRetries)
		return err == nil && stats.Processed == 5
	}, 5*time.Second, 10*time.Millisecond)

	// ACT
	cancel()
	require.NoError(t, cl.closeAll(a.log))

	// ASSERT
	assert.Equal(t, 5, assertProcessedWereConsumed(t, a, ids))
}

func TestPipeline_ShutdownMidBatchLeavesUnconsumedPending(t *testing.T) {
	// ARRANGE
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	var cl closers
	s := slowPipeline(ctx, t, a, &cl, 100*time.Millisecond)
	ids := emitOpened(ctx, t, s, 10)

	require.Eventually(t, func() bool {
		stats, err := s.outbox.Stats(ctx, a.cfg.Outbox.MaxRetries)
		return err == nil && stats.Processed >= 2
	}, 5*time.Second, 5*time.Millisecond)

	// ACT: apagado con entregas aún en curso.
	cancel()
	require.NoError(t, cl.closeAll(a.log))

	// ASSERT: lo no consumido sigue en el outbox para la próxima ejecución.
	published := assertProcessedWereConsumed(t, a, ids)
	assert.GreaterOrEqual(t, published, 2)
	assert.Less(t, published, len(ids))
}

func TestClosers_RunInReverseOrder(t *testing.T) {
	var order []int
	var cl closers
	for i := 1; i <= 3; i++ {
		cl.add(func(context.Context) error {
			order = append(order, i)
			if i == 2 {
				return errors.New("writer close failed")
			}
			return nil
		})
	}

	err := cl.closeAll(zap.NewNop())

	assert.EqualError(t, err, "writer close failed")
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestStandaloneCommandsNeedKafka(t *testing.T) {
	a := newTestApp(t)
	cmd := newPublisherCmd(a)

	err := cmd.RunE(cmd, nil)

	assert.ErrorIs(t, err, errKafkaRequired)
}

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastRedelivery = RedeliveryConfig{Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

// recorder guarda lo procesado y falla las primeras failures entregas de cada clave.
type recorder struct {
	mu       sync.Mutex
	seen     map[string][]string
	attempts map[string]int
	failures int
}

func newRecorder(failures int) *recorder {
	return &recorder{seen: map[string][]string{}, attempts: map[string]int{}, failures: failures}
}

func (r *recorder) Process(_ context.Context, msg sharedBus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := msg.Headers[sharedBus.HeaderEventID]
	r.attempts[id]++
	if r.attempts[id] <= r.failures {
		return errors.New("handler down")
	}
	r.seen[msg.Key] = append(r.seen[msg.Key], id)
	return nil
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.seen {
		n += len(ids)
	}
	return n
}

func (r *recorder) byKey(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen[key]...)
}

func (r *recorder) attemptsOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func msgFor(key string, i int) sharedBus.Message {
	return sharedBus.Message{
		Topic:   "crm.contact.updated",
		Key:     key,
		Value:   []byte(`{}`),
		Headers: map[string]string{sharedBus.HeaderEventID: fmt.Sprintf("%s-%d", key, i)},
	}
}

func TestInMemoryBus_PreservesOrderPerKey(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(4, 16, fastRedelivery, zap.NewNop())
	defer bus.Close()
	rec := newRecorder(0)
	require.NoError(t, bus.Subscribe(context.Background(), rec))

	keys := []string{"contact_1", "contact_2", "deal_9"}

	// ACT
	for i := 0; i < 20; i++ {
		for _, k := range keys {
			require.NoError(t, bus.Publish(context.Background(), msgFor(k, i)))
		}
	}

	// ASSERT
	require.Eventually(t, func() bool { return rec.total() == 60 }, time.Second, 5*time.Millisecond)
	for _, k := range keys {
		got := rec.byKey(k)
		for i, id := range got {
			assert.Equal(t, fmt.Sprintf("%s-%d", k, i), id)
		}
	}
}

func TestInMemoryBus_SameKeySamePartition(t *testing.T) {
	bus := NewInMemoryEventBus(8, 1, fastRedelivery, zap.NewNop())
	defer bus.Close()

	assert.Equal(t, bus.Partition("contact_1"), bus.Partition("contact_1"))
}

func TestInMemoryBus_RedeliversFailedMessage(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	defer bus.Close()
	rec := newRecorder(2)
	require.NoError(t, bus.Subscribe(context.Background(), rec))

	// ACT
	require.NoError(t, bus.Publish(context.Background(), msgFor("contact_1", 0)))
	require.NoError(t, bus.Publish(context.Background(), msgFor("contact_1", 1)))

	// ASSERT: el segundo no adelanta al primero mientras éste se reintenta.
	require.Eventually(t, func() bool { return rec.total() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"contact_1-0", "contact_1-1"}, rec.byKey("contact_1"))
	assert.Equal(t, 3, rec.attemptsOf("contact_1-0"))
}

func TestInMemoryBus_SingleSubscriberAndClose(t *testing.T) {
	bus := NewInMemoryEventBus(2, 1, fastRedelivery, zap.NewNop())
	require.NoError(t, bus.Subscribe(context.Background(), newRecorder(0)))

	assert.ErrorIs(t, bus.Subscribe(context.Background(), newRecorder(0)), ErrAlreadySubscribed)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), msgFor("contact_1", 0)), ErrBusClosed)
}

// gate bloquea cada entrega hasta que se libera o se cancela su contexto.
type gate struct {
	entered  chan string
	release  chan struct{}
	canceled chan struct{}
	once     sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan string, 8), release: make(chan struct{}), canceled: make(chan struct{})}
}

func (g *gate) Process(ctx context.Context, msg sharedBus.Message) error {
	g.entered <- msg.Headers[sharedBus.HeaderEventID]
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		g.once.Do(func() { close(g.canceled) })
		return ctx.Err()
	}
}

func publishAsync(ctx context.Context, bus *InMemoryEventBus, msg sharedBus.Message) <-chan error {
	out := make(chan error, 1)
	go func() { out <- bus.Publish(ctx, msg) }()
	return out
}

func TestInMemoryBus_PublishWaitsForProcessing(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	defer bus.Close()
	g := newGate()
	require.NoError(t, bus.Subscribe(context.Background(), g))

	// ACT
	res := publishAsync(context.Background(), bus, msgFor("contact_7", 0))

	// ASSERT: no hay confirmación mientras el procesador no termina.
	assert.Equal(t, "contact_7-0", <-g.entered)
	select {
	case err := <-res:
		t.Fatalf("Publish devolvió antes de procesar: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	select {
	case err := <-res:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish no devolvió tras procesar")
	}
}

func TestInMemoryBus_CloseInFlightIsNotAcknowledged(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	g := newGate()
	require.NoError(t, bus.Subscribe(context.Background(), g))
	res := publishAsync(context.Background(), bus, msgFor("contact_7", 0))
	<-g.entered

	// ACT
	require.NoError(t, bus.Close())

	// ASSERT
	<-g.canceled
	assert.Error(t, <-res)
}

func TestInMemoryBus_SubscriptionEndFailsPendingPublish(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	defer bus.Close()
	subCtx, cancel := context.WithCancel(context.Background())
	g := newGate()
	require.NoError(t, bus.Subscribe(subCtx, g))
	res := publishAsync(context.Background(), bus, msgFor("contact_7", 0))
	<-g.entered

	// ACT
	cancel()

	// ASSERT
	select {
	case err := <-res:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish siguió esperando tras terminar la suscripción")
	}
}

func TestInMemoryBus_PublisherTimeoutCancelsDelivery(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	defer bus.Close()
	g := newGate()
	require.NoError(t, bus.Subscribe(context.Background(), g))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// ACT
	err := bus.Publish(ctx, msgFor("contact_7", 0))

	// ASSERT: el worker abandona la entrega y la partición sigue viva.
	assert.Error(t, err)
	<-g.canceled
	<-g.entered

	next := publishAsync(context.Background(), bus, msgFor("contact_7", 1))
	assert.Equal(t, "contact_7-1", <-g.entered)
	close(g.release)
	assert.NoError(t, <-next)
}

func TestInMemoryBus_PublishReturnsProcessorOutcome(t *testing.T) {
	// ARRANGE
	bus := NewInMemoryEventBus(1, 4, fastRedelivery, zap.NewNop())
	defer bus.Close()
	rec := newRecorder(3)
	require.NoError(t, bus.Subscribe(context.Background(), rec))

	// ACT
	err := bus.Publish(context.Background(), msgFor("contact_1", 0))

	// ASSERT: al volver ya se procesó, tras los reintentos.
	require.NoError(t, err)
	assert.Equal(t, []string{"contact_1-0"}, rec.byKey("contact_1"))
	assert.Equal(t, 4, rec.attemptsOf("contact_1-0"))
}

// fakeReader sirve mensajes de un canal y registra los commits.
type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func kafkaMsg(offset int64, id string) kafka.Message {
	return kafka.Message{
		Topic:  "crm.email.opened",
		Key:    []byte("contact_7"),
		Value:  []byte(`{}`),
		Offset: offset,
		Headers: []kafka.Header{
			{Key: sharedBus.HeaderEventID, Value: []byte(id)},
		},
	}
}

func TestConsumerAdapter_CommitsAfterSuccessfulProcessing(t *testing.T) {
	// ARRANGE
	reader := newFakeReader(kafkaMsg(10, "evt_1"), kafkaMsg(11, "evt_2"))
	rec := newRecorder(0)
	consumer := NewConsumerAdapter([]MessageReader{reader}, rec, fastRedelivery, zap.NewNop())

	// ACT
	consumer.Start(context.Background())

	// ASSERT
	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{10, 11}, reader.Committed())
	assert.Equal(t, []string{"evt_1", "evt_2"}, rec.byKey("contact_7"))

	require.NoError(t, consumer.Shutdown(context.Background()))
	assert.True(t, reader.closed)
}

func TestConsumerAdapter_RedeliversBeforeCommit(t *testing.T) {
	// ARRANGE
	reader := newFakeReader(kafkaMsg(3, "evt_1"))
	rec := newRecorder(2)
	consumer := NewConsumerAdapter([]MessageReader{reader}, rec, fastRedelivery, zap.NewNop())

	// ACT
	consumer.Start(context.Background())

	// ASSERT
	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, rec.attemptsOf("evt_1"))
	require.NoError(t, consumer.Shutdown(context.Background()))
}

func TestConsumerAdapter_NoCommitWhenShutDownMidRetry(t *testing.T) {
	// ARRANGE
	reader := newFakeReader(kafkaMsg(5, "evt_1"))
	rec := newRecorder(1 << 30)
	consumer := NewConsumerAdapter([]MessageReader{reader}, rec, fastRedelivery, zap.NewNop())
	consumer.Start(context.Background())
	require.Eventually(t, func() bool { return rec.attemptsOf("evt_1") >= 2 }, time.Second, time.Millisecond)

	// ACT
	require.NoError(t, consumer.Shutdown(context.Background()))

	// ASSERT
	assert.Empty(t, reader.Committed())
}

func TestWaitForBroker(t *testing.T) {
	t.Run("disponible tras reintentos", func(t *testing.T) {
		calls := 0
		check := func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		}

		err := WaitForBroker(context.Background(), check, 5, time.Millisecond, zap.NewNop())

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("agota los intentos", func(t *testing.T) {
		calls := 0
		check := func(context.Context) error {
			calls++
			return errors.New("connection refused")
		}

		err := WaitForBroker(context.Background(), check, 3, time.Millisecond, zap.NewNop())

		assert.ErrorIs(t, err, ErrBrokerUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("registra cada intento", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		check := func(context.Context) error { return errors.New("connection refused") }

		_ = WaitForBroker(context.Background(), check, 3, time.Millisecond, zap.New(core))

		entries := logs.FilterMessage("⏳ Broker de Kafka no disponible").All()
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.ContextMap()["attempt"])
			assert.Equal(t, int64(3), e.ContextMap()["max_attempts"])
		}
	})

	t.Run("se detiene al cancelar", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		check := func(context.Context) error {
			calls++
			cancel()
			return errors.New("connection refused")
		}

		err := WaitForBroker(ctx, check, 5, time.Hour, zap.NewNop())

		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBrokerUnavailable)
		assert.Equal(t, 1, calls)
	})
}

func TestDialCheck_NoBrokers(t *testing.T) {
	assert.ErrorIs(t, DialCheck(nil)(context.Background()), ErrBrokerUnavailable)
}

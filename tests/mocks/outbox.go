package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/davicafu/crmevents/internal/shared/domain"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
)

// MockOutboxRepository simula el repositorio del outbox.
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	evts, _ := args.Get(0).([]domain.OutboxEvent)
	return evts, args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, evt domain.OutboxEvent, at time.Time) error {
	args := m.Called(ctx, evt, at)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, eventID, reason string, at time.Time) (int, error) {
	args := m.Called(ctx, eventID, reason, at)
	return args.Int(0), args.Error(1)
}

func (m *MockOutboxRepository) ResetRetryable(ctx context.Context, maxRetries int, failedBefore time.Time) (int64, error) {
	args := m.Called(ctx, maxRetries, failedBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutboxRepository) Stats(ctx context.Context, maxRetries int) (domain.OutboxStats, error) {
	args := m.Called(ctx, maxRetries)
	return args.Get(0).(domain.OutboxStats), args.Error(1)
}

// MockLedger simula el registro de idempotencia.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Record(ctx context.Context, eventID, eventType string, at time.Time) error {
	args := m.Called(ctx, eventID, eventType, at)
	return args.Error(0)
}

// MockPublisher simula el bus de eventos.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg sharedBus.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MemoryLedger es un ledger en memoria con upsert real, para tests que
// necesitan estado en lugar de expectativas.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]string)}
}

func (l *MemoryLedger) IsProcessed(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[eventID]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, eventID, eventType string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[eventID]; !ok {
		l.rows[eventID] = eventType
	}
	return nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// RecordingBus guarda los mensajes publicados y puede fallar bajo demanda.
type RecordingBus struct {
	mu       sync.Mutex
	messages []sharedBus.Message
	FailWith error
	PanicOn  int
	calls    int
}

func (b *RecordingBus) Publish(_ context.Context, msg sharedBus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.PanicOn > 0 && b.calls == b.PanicOn {
		panic("broker client panicked")
	}
	if b.FailWith != nil {
		return b.FailWith
	}
	b.messages = append(b.messages, msg)
	return nil
}

func (b *RecordingBus) Messages() []sharedBus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sharedBus.Message(nil), b.messages...)
}

func (b *RecordingBus) SetFailure(err error) {
	b.mu.Lock()
	b.FailWith = err
	b.mu.Unlock()
}

var (
	_ domain.OutboxRepository = (*MockOutboxRepository)(nil)
	_ domain.Ledger           = (*MockLedger)(nil)
	_ domain.Ledger           = (*MemoryLedger)(nil)
	_ sharedBus.EventBus      = (*MockPublisher)(nil)
	_ sharedBus.EventBus      = (*RecordingBus)(nil)
)

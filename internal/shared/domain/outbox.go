package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status es el estado de una fila del outbox.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Tablas del ledger de idempotencia. Publicador y consumidor llevan su propio
// registro para que la marca de uno no oculte el evento al otro.
const (
	PublisherLedger = "processed_events"
	ConsumerLedger  = "consumed_events"
)

var (
	ErrTransactionRequired = errors.New("outbox write requires an open transaction")
	ErrInvalidEvent        = errors.New("invalid outbox event")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrUnknownLedger       = errors.New("unknown ledger table")
)

// EventMetadata son los datos de contexto que viajan con el evento.
type EventMetadata struct {
	UserID        string `json:"userId,omitempty" bson:"userId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty" bson:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty" bson:"causationId,omitempty"`
	RequestID     string `json:"requestId,omitempty" bson:"requestId,omitempty"`
	Version       int    `json:"version,omitempty" bson:"version,omitempty"`
}

// OutboxEvent es la intención de publicar, escrita en la misma transacción que
// el cambio de negocio que la origina.
type OutboxEvent struct {
	SequenceID    int64           `json:"sequence_id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"` // ej. "contact.created"
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"` // clave de partición
	CustomerID    string          `json:"customer_id"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// Exhausted indica que el evento agotó sus reintentos y requiere intervención manual.
func (e OutboxEvent) Exhausted(maxRetries int) bool {
	return e.Status == StatusFailed && e.RetryCount >= maxRetries
}

// OutboxStats resume el outbox por estado.
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Exhausted int64 `json:"exhausted"`
}

// OutboxRepository contiene solo lo que el publicador necesita del outbox.
type OutboxRepository interface {
	// FetchPending devuelve hasta limit filas pendientes por created_at y sequence_id.
	FetchPending(ctx context.Context, limit int) ([]OutboxEvent, error)
	// MarkProcessed marca la fila y registra el ledger del publicador en una sola transacción.
	MarkProcessed(ctx context.Context, evt OutboxEvent, at time.Time) error
	// MarkFailed devuelve el retry_count resultante.
	MarkFailed(ctx context.Context, eventID, reason string, at time.Time) (int, error)
	// ResetRetryable devuelve a pending los fallidos elegibles y devuelve cuántos.
	ResetRetryable(ctx context.Context, maxRetries int, failedBefore time.Time) (int64, error)
	Stats(ctx context.Context, maxRetries int) (OutboxStats, error)
}

// Ledger es el registro de idempotencia. Record debe ser un upsert atómico.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID, eventType string, at time.Time) error
}

// ValidLedger comprueba que la tabla del ledger es una de las conocidas.
func ValidLedger(table string) error {
	switch table {
	case PublisherLedger, ConsumerLedger:
		return nil
	}
	return ErrUnknownLedger
}

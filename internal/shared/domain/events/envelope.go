package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// ErrMalformedEvent se devuelve cuando un mensaje no es un DomainEvent válido.
var ErrMalformedEvent = errors.New("malformed domain event")

// Metadata viaja en el sobre; customerId siempre está presente.
type Metadata struct {
	CustomerID    string    `json:"customerId"`
	UserID        string    `json:"userId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	Version       int       `json:"version,omitempty"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// DomainEvent es el sobre que viaja por el broker.
type DomainEvent struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// FromOutbox construye el sobre de una fila del outbox.
func FromOutbox(evt domain.OutboxEvent, publishedAt time.Time) DomainEvent {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return DomainEvent{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Payload:       payload,
		Metadata: Metadata{
			CustomerID:    evt.CustomerID,
			UserID:        evt.Metadata.UserID,
			CorrelationID: evt.Metadata.CorrelationID,
			CausationID:   evt.Metadata.CausationID,
			RequestID:     evt.Metadata.RequestID,
			Version:       evt.Metadata.Version,
			PublishedAt:   publishedAt.UTC(),
		},
		OccurredAt: evt.CreatedAt.UTC(),
	}
}

func (e DomainEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parsea y valida un sobre. Sin eventId o eventType el mensaje es inválido.
func Decode(data []byte) (DomainEvent, error) {
	var evt DomainEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.EventID == "" {
		return DomainEvent{}, fmt.Errorf("%w: missing eventId", ErrMalformedEvent)
	}
	if evt.EventType == "" {
		return DomainEvent{}, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	return evt, nil
}

// DecodePayload deserializa el payload al tipo concreto que espera el handler.
func DecodePayload[T any](evt DomainEvent) (T, error) {
	var out T
	if len(evt.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return out, fmt.Errorf("decode payload of %s: %w", evt.EventID, err)
	}
	return out, nil
}

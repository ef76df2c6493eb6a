package bus

import (
	"context"
	"time"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

// Cabeceras que acompañan a cada mensaje publicado.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderCustomerID    = "customer-id"
	HeaderAggregateType = "aggregate-type"
	HeaderAggregateID   = "aggregate-id"
)

// Message es la unidad que viaja por el broker, independiente del adapter.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// EventBus publica mensajes. La semántica de partición la resuelve el adapter a
// partir de Key.
type EventBus interface {
	Publish(ctx context.Context, msg Message) error
}

// MessageProcessor consume un mensaje. Un error significa que debe reentregarse.
type MessageProcessor interface {
	Process(ctx context.Context, msg Message) error
}

// ProcessorFunc adapta una función a MessageProcessor.
type ProcessorFunc func(ctx context.Context, msg Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// NewMessage construye el mensaje de una fila del outbox: topic = tipo de
// evento y clave = agregado.
func NewMessage(evt domain.OutboxEvent, publishedAt time.Time) (Message, error) {
	value, err := events.FromOutbox(evt, publishedAt).Encode()
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic: evt.EventType,
		Key:   evt.AggregateID,
		Value: value,
		Headers: map[string]string{
			HeaderEventID:       evt.EventID,
			HeaderEventType:     evt.EventType,
			HeaderCustomerID:    evt.CustomerID,
			HeaderAggregateType: evt.AggregateType,
			HeaderAggregateID:   evt.AggregateID,
		},
	}, nil
}

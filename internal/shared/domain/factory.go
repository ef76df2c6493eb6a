package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventIDPrefix = "evt_"

// CurrentEventVersion es la versión por defecto del payload.
const CurrentEventVersion = 1

func NewEventID() string {
	return eventIDPrefix + uuid.NewString()
}

// CreateEvent construye un evento pendiente listo para WriteToOutbox. No toca el
// almacenamiento.
func CreateEvent(
	eventType, aggregateType, aggregateID, customerID string,
	payload any,
	meta *EventMetadata,
) (*OutboxEvent, error) {
	switch {
	case eventType == "":
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case aggregateType == "":
		return nil, fmt.Errorf("%w: aggregate type is required", ErrInvalidEvent)
	case aggregateID == "":
		return nil, fmt.Errorf("%w: aggregate id is required", ErrInvalidEvent)
	case customerID == "":
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidEvent)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	md := EventMetadata{}
	if meta != nil {
		md = *meta
	}
	if md.Version == 0 {
		md.Version = CurrentEventVersion
	}

	return &OutboxEvent{
		EventID:       NewEventID(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		CustomerID:    customerID,
		Payload:       raw,
		Metadata:      md,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
		}
		return p, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidEvent, err)
	}
	return b, nil
}

// Validate comprueba los campos obligatorios antes de escribir en el outbox.
func (e *OutboxEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.EventID == "" || e.EventType == "" || e.AggregateType == "" || e.AggregateID == "" || e.CustomerID == "" {
		return fmt.Errorf("%w: missing required fields", ErrInvalidEvent)
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return nil
}

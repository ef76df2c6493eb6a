package activitylog

import (
	"context"
	"time"

	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

// Entry es una fila del timeline de actividad de un cliente.
type Entry struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	CustomerID    string
	UserID        string
	Payload       string
	OccurredAt    time.Time
	ReceivedAt    time.Time
}

// DailyCount es el número de eventos de un tipo en un día.
type DailyCount struct {
	Day       time.Time
	EventType string
	Count     uint64
}

// Store persiste el timeline. Append debe tolerar filas repetidas.
type Store interface {
	Append(ctx context.Context, entries ...Entry) error
	DailyCounts(ctx context.Context, customerID string, start, end time.Time) ([]DailyCount, error)
}

// NewHandler devuelve un handler que añade cada evento al timeline.
func NewHandler(store Store, now func() time.Time) events.Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, evt events.DomainEvent) error {
		return store.Append(ctx, Entry{
			EventID:       evt.EventID,
			EventType:     evt.EventType,
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			CustomerID:    evt.Metadata.CustomerID,
			UserID:        evt.Metadata.UserID,
			Payload:       string(evt.Payload),
			OccurredAt:    evt.OccurredAt.UTC(),
			ReceivedAt:    now().UTC(),
		})
	}
}

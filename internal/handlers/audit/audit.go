package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

// New devuelve un handler que deja constancia en el log de cada entrega.
func New(log *zap.Logger) events.Handler {
	return func(_ context.Context, evt events.DomainEvent) error {
		log.Info("📥 Evento recibido",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", evt.EventType),
			zap.String("aggregate_type", evt.AggregateType),
			zap.String("aggregate_id", evt.AggregateID),
			zap.String("customer_id", evt.Metadata.CustomerID),
			zap.String("correlation_id", evt.Metadata.CorrelationID),
			zap.Time("occurred_at", evt.OccurredAt),
		)
		return nil
	}
}

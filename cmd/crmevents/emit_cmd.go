package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

// newEmitCmd escribe un evento en el outbox, como lo haría un servicio de
// negocio dentro de su transacción. Útil para probar el circuito completo.
func newEmitCmd(a *app) *cobra.Command {
	var (
		eventType     string
		aggregateType string
		aggregateID   string
		customerID    string
		userID        string
		correlationID string
		payload       string
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Write one event to the outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !events.Known(eventType) {
				a.log.Warn("Tipo de evento fuera del catálogo", zap.String("event_type", eventType))
			}

			evt, err := domain.CreateEvent(eventType, aggregateType, aggregateID, customerID,
				json.RawMessage(payload),
				&domain.EventMetadata{UserID: userID, CorrelationID: correlationID},
			)
			if err != nil {
				return err
			}
			if err := a.emit(cmd.Context(), evt); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), evt.EventID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&eventType, "type", events.ContactCreated, "event type (also the topic)")
	f.StringVar(&aggregateType, "aggregate-type", events.AggregateContact, "aggregate type")
	f.StringVar(&aggregateID, "aggregate-id", "", "aggregate id, the partition key")
	f.StringVar(&customerID, "customer", "", "tenant id")
	f.StringVar(&userID, "user", "", "acting user id")
	f.StringVar(&correlationID, "correlation-id", "", "correlation id")
	f.StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("aggregate-id")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func (a *app) emit(ctx context.Context, evt *domain.OutboxEvent) error {
	s, err := openStore(ctx, a.cfg.Store, a.log)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.emit(ctx, evt); err != nil {
		return err
	}
	a.log.Info("📝 Evento escrito en el outbox",
		zap.String("event_id", evt.EventID),
		zap.String("event_type", evt.EventType),
		zap.String("aggregate_id", evt.AggregateID),
		zap.String("customer_id", evt.CustomerID),
	)
	return nil
}

package relayer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type publisherMetrics struct {
	published      metric.Int64Counter
	failed         metric.Int64Counter
	exhausted      metric.Int64Counter
	duplicates     metric.Int64Counter
	stateUpdateErr metric.Int64Counter
	resetForRetry  metric.Int64Counter
	batchLatency   metric.Float64Histogram
}

func newPublisherMetrics(meter metric.Meter) (*publisherMetrics, error) {
	m := &publisherMetrics{}
	var err error

	if m.published, err = meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Eventos publicados en el broker")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Intentos de publicación fallidos")); err != nil {
		return nil, err
	}
	if m.exhausted, err = meter.Int64Counter("outbox.events.exhausted",
		metric.WithDescription("Eventos que agotaron sus reintentos")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("outbox.events.already_processed",
		metric.WithDescription("Eventos omitidos porque el ledger ya los registraba")); err != nil {
		return nil, err
	}
	if m.stateUpdateErr, err = meter.Int64Counter("outbox.events.state_update_failed",
		metric.WithDescription("Errores al actualizar el estado tras publicar")); err != nil {
		return nil, err
	}
	if m.resetForRetry, err = meter.Int64Counter("outbox.events.reset_for_retry",
		metric.WithDescription("Eventos fallidos devueltos a pending por el barrido")); err != nil {
		return nil, err
	}
	if m.batchLatency, err = meter.Float64Histogram("outbox.batch.latency",
		metric.WithDescription("Duración de cada lote"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

func (m *publisherMetrics) add(ctx context.Context, c metric.Int64Counter, n int64, eventType string) {
	if n == 0 {
		return
	}
	if eventType == "" {
		c.Add(ctx, n)
		return
	}
	c.Add(ctx, n, eventTypeAttr(eventType))
}

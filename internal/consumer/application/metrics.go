package application

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type consumerMetrics struct {
	handled   metric.Int64Counter
	duplicate metric.Int64Counter
	malformed metric.Int64Counter
	failures  metric.Int64Counter
}

func newConsumerMetrics(meter metric.Meter) (*consumerMetrics, error) {
	m := &consumerMetrics{}
	var err error

	if m.handled, err = meter.Int64Counter("consumer.events.handled",
		metric.WithDescription("Eventos entregados a todos sus handlers y registrados")); err != nil {
		return nil, err
	}
	if m.duplicate, err = meter.Int64Counter("consumer.events.duplicate",
		metric.WithDescription("Eventos omitidos por estar ya en el ledger")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("consumer.events.malformed",
		metric.WithDescription("Mensajes descartados por no ser un evento válido")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("consumer.handler.failures",
		metric.WithDescription("Ejecuciones de handler fallidas")); err != nil {
		return nil, err
	}
	return m, nil
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", topic))
}

package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
)

// MessageWriter es la parte de kafka.Writer que usa el publicador.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter crea un writer sin topic fijo: cada mensaje lleva el suyo y se
// reparte por hash de la clave, así un mismo agregado cae siempre en la misma
// partición.
func NewKafkaWriter(brokers []string, clientID string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            8,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        5 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		Transport:              &kafka.Transport{ClientID: clientID},
	}
}

type KafkaPublisher struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewKafkaPublisher(writer MessageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg sharedBus.Message) error {
	km := kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: InjectTraceHeaders(ctx, HeadersFromMap(msg.Headers)),
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		p.log.Error("Error publishing to Kafka",
			zap.String("topic", msg.Topic),
			zap.String("event_id", msg.Headers[sharedBus.HeaderEventID]),
			zap.Error(err),
		)
		return err
	}

	p.log.Debug("Event published successfully",
		zap.String("topic", msg.Topic),
		zap.String("event_id", msg.Headers[sharedBus.HeaderEventID]),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Verificación estática
var _ sharedBus.EventBus = (*KafkaPublisher)(nil)

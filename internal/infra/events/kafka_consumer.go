package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedEvents "github.com/davicafu/crmevents/internal/shared/infra/events"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
	"github.com/davicafu/crmevents/internal/shared/infra/utils"
)

// MessageReader es la parte de kafka.Reader que usa el consumidor.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	CommitInterval time.Duration
}

// NewKafkaReader crea un lector de grupo suscrito a todos los topics con
// handlers. Empieza por el final del log y confirma offsets periódicamente.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		StartOffset:    kafka.LastOffset,
		CommitInterval: cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
	})
}

// ConsumerAdapter es el "oído" que escucha en Kafka. Cada lector procesa sus
// particiones en secuencia; lectores distintos avanzan en paralelo.
type ConsumerAdapter struct {
	readers    []MessageReader
	processor  sharedBus.MessageProcessor
	redelivery RedeliveryConfig
	supervisor utils.SupervisorConfig
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumerAdapter(
	readers []MessageReader,
	processor sharedBus.MessageProcessor,
	redelivery RedeliveryConfig,
	log *zap.Logger,
) *ConsumerAdapter {
	redelivery = redelivery.normalize()
	return &ConsumerAdapter{
		readers:    readers,
		processor:  processor,
		redelivery: redelivery,
		supervisor: utils.SupervisorConfig{InitialBackoff: redelivery.Backoff, MaxBackoff: redelivery.MaxBackoff},
		log:        log,
	}
}

// Start lanza un bucle supervisado por lector.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.log.Info("🎧 Iniciando consumidor de Kafka...", zap.Int("readers", len(c.readers)))
	for i, r := range c.readers {
		c.wg.Add(1)
		go func(id int, r MessageReader) {
			defer c.wg.Done()
			_ = utils.Supervise(ctx, "kafka-consumer", func(ctx context.Context) error {
				return c.consume(ctx, r)
			}, c.supervisor, c.log.With(zap.Int("reader", id)))
		}(i, r)
	}
}

func (c *ConsumerAdapter) consume(ctx context.Context, r MessageReader) error {
	for {
		// FetchMessage es una llamada bloqueante.
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			// Si el contexto se cancela, el error es normal y salimos limpiamente.
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("Error al leer mensaje de Kafka", zap.Error(err))
			if utils.Sleep(ctx, c.redelivery.Backoff) != nil {
				return nil
			}
			continue
		}

		msgCtx := sharedEvents.ExtractTraceContext(ctx, msg.Headers)
		if deliver(msgCtx, c.processor, toBusMessage(msg), c.redelivery, c.log) != nil {
			// Sin confirmar: el offset queda para el siguiente miembro del grupo.
			return nil
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("⚠️ No se pudo confirmar el offset",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func toBusMessage(msg kafka.Message) sharedBus.Message {
	return sharedBus.Message{
		Topic:   msg.Topic,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: sharedEvents.HeadersToMap(msg.Headers),
	}
}

// Shutdown cancela los bucles, espera a que terminen y cierra los lectores.
func (c *ConsumerAdapter) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, r := range c.readers {
		if cerr := r.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	c.log.Info("Consumidor de Kafka detenido.")
	return err
}

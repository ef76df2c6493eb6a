package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/consumer/application"
	infraCache "github.com/davicafu/crmevents/internal/infra/cache"
	infraEvents "github.com/davicafu/crmevents/internal/infra/events"
	"github.com/davicafu/crmevents/internal/handlers"
	"github.com/davicafu/crmevents/internal/handlers/activitylog"
	"github.com/davicafu/crmevents/internal/handlers/audit"
	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
	sharedEvents "github.com/davicafu/crmevents/internal/shared/infra/events"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/crmevents/internal/shared/infra/platform/cache"
	"github.com/davicafu/crmevents/internal/shared/infra/relayer"
	"github.com/davicafu/crmevents/internal/shared/infra/utils"
	"github.com/davicafu/crmevents/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var errKafkaRequired = errors.New("this command needs KAFKA_ENABLED=true; in-memory delivery only runs under serve")

// closers acumula los cierres en orden inverso al de apertura.
type closers []func(ctx context.Context) error

func (c *closers) add(fn func(ctx context.Context) error) {
	*c = append(*c, fn)
}

func (c closers) closeAll(log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = multierr.Append(err, c[i](ctx))
	}
	if err != nil {
		log.Error("Errores durante el apagado", zap.Error(err))
	}
	return err
}

func (a *app) startTelemetry(cl *closers) (*telemetry.Provider, error) {
	tp, err := telemetry.NewProvider("crmevents")
	if err != nil {
		return nil, err
	}
	tp.Install()
	cl.add(tp.Shutdown)
	return tp, nil
}

// brokerReady espera al broker con intentos acotados. Si no aparece, el
// publicador y el consumidor quedan deshabilitados y las escrituras siguen
// acumulándose en el outbox.
func (a *app) brokerReady(ctx context.Context) bool {
	if !a.cfg.Kafka.Enabled {
		return true
	}
	err := infraEvents.WaitForBroker(ctx,
		infraEvents.DialCheck(a.cfg.Kafka.Brokers),
		a.cfg.Kafka.ConnectAttempts,
		a.cfg.Kafka.ConnectBackoff,
		a.log,
	)
	if err != nil {
		a.log.Error("🔌 Kafka no disponible: publicador y consumidor deshabilitados",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (a *app) kafkaBus(cl *closers) sharedBus.EventBus {
	writer := sharedEvents.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.ClientID)
	cl.add(func(context.Context) error { return writer.Close() })
	return sharedEvents.NewKafkaPublisher(writer, a.log)
}

func (a *app) memoryBus(cl *closers) *infraEvents.InMemoryEventBus {
	bus := infraEvents.NewInMemoryEventBus(a.cfg.Consumer.LocalPartitions, 0, a.redelivery(), a.log)
	cl.add(func(context.Context) error { return bus.Close() })
	return bus
}

func (a *app) redelivery() infraEvents.RedeliveryConfig {
	return infraEvents.RedeliveryConfig{
		Backoff:    a.cfg.Consumer.RedeliveryBackoff,
		MaxBackoff: a.cfg.Consumer.MaxRedeliveryBackoff,
	}
}

func (a *app) newPublisher(s *store, bus sharedBus.EventBus) (*relayer.Worker, error) {
	return relayer.NewOutboxWorker(s.outbox, s.publisherLedger, bus, relayer.Config{
		PollInterval:   a.cfg.Outbox.PollInterval,
		BatchSize:      a.cfg.Outbox.BatchSize,
		RetryInterval:  a.cfg.Outbox.RetryInterval,
		RetryWindow:    a.cfg.Outbox.RetryWindow,
		MaxRetries:     a.cfg.Outbox.MaxRetries,
		PublishTimeout: a.cfg.Kafka.PublishTimeout,
		Supervisor: utils.SupervisorConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
	}, a.log)
}

// startPublisher arranca el bucle y registra su parada ordenada.
func (a *app) startPublisher(ctx context.Context, s *store, bus sharedBus.EventBus, cl *closers) (*relayer.Worker, error) {
	w, err := a.newPublisher(s, bus)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	cl.add(func(ctx context.Context) error {
		if err := w.Shutdown(ctx); err != nil && !errors.Is(err, relayer.ErrNotRunning) {
			return err
		}
		return nil
	})
	return w, nil
}

// consumerLedger antepone una caché de aciertos al ledger del consumidor.
// Sin Redis se usa una caché en memoria.
func (a *app) consumerLedger(ctx context.Context, s *store, cl *closers) domain.Ledger {
	var c sharedCache.Cache
	if a.cfg.RedisAddr != "" {
		client, err := infraCache.NewRedisClient(ctx, a.cfg.RedisAddr)
		if err != nil {
			a.log.Warn("⚠️ Redis no disponible, cache en memoria", zap.Error(err))
		} else {
			a.log.Info("✅ Redis conectado, cache habilitado")
			cl.add(func(context.Context) error { return client.Close() })
			c = infraCache.NewRedisCache(client)
		}
	}
	if c == nil {
		c = infraCache.NewMemoryCache()
	}
	return infraCache.NewCachedLedger(s.consumerLedger, c, domain.ConsumerLedger, a.cfg.LedgerCacheTTL, a.log)
}

// newRegistry registra los handlers del proceso. El de auditoría escucha todo
// el catálogo; el timeline de actividad solo si hay ClickHouse configurado.
func (a *app) newRegistry(ctx context.Context, cl *closers) (*application.Registry, error) {
	registry := application.NewRegistry()
	if err := handlers.RegisterAll(registry, audit.New(a.log), events.Catalog()...); err != nil {
		return nil, err
	}

	if a.cfg.ClickHouseAddr == "" {
		return registry, nil
	}
	chStore, err := activitylog.NewClickHouseStore(ctx, a.cfg.ClickHouseAddr, a.cfg.ClickHouseDatabase)
	if err != nil {
		return nil, err
	}
	cl.add(func(context.Context) error { return chStore.Close() })
	if err := chStore.InitSchema(ctx); err != nil {
		return nil, err
	}
	if err := handlers.RegisterAll(registry, activitylog.NewHandler(chStore, nil), events.Catalog()...); err != nil {
		return nil, err
	}
	a.log.Info("✅ Timeline de actividad en ClickHouse habilitado")
	return registry, nil
}

// startConsumer sella el registro y se suscribe: a Kafka si memBus es nil, al
// bus en memoria en otro caso.
func (a *app) startConsumer(ctx context.Context, s *store, memBus *infraEvents.InMemoryEventBus, cl *closers) error {
	registry, err := a.newRegistry(ctx, cl)
	if err != nil {
		return err
	}
	processor, err := application.NewProcessor(registry, a.consumerLedger(ctx, s, cl), a.cfg.Consumer.HandlerTimeout, a.log)
	if err != nil {
		return err
	}
	registry.Seal()

	if memBus != nil {
		return memBus.Subscribe(ctx, processor)
	}

	topics := registry.Topics()
	workers := max(a.cfg.Kafka.ConsumerWorkers, 1)
	readers := make([]infraEvents.MessageReader, 0, workers)
	for range workers {
		readers = append(readers, infraEvents.NewKafkaReader(infraEvents.ReaderConfig{
			Brokers:        a.cfg.Kafka.Brokers,
			GroupID:        a.cfg.Kafka.GroupID,
			Topics:         topics,
			CommitInterval: a.cfg.Kafka.CommitInterval,
		}))
	}
	consumer := infraEvents.NewConsumerAdapter(readers, processor, a.redelivery(), a.log)
	consumer.Start(ctx)
	cl.add(consumer.Shutdown)
	a.log.Info("🎧 Consumidor suscrito", zap.Int("topics", len(topics)), zap.String("group_id", a.cfg.Kafka.GroupID))
	return nil
}

// kafkaCheck es la comprobación de /ready para el broker.
func (a *app) kafkaCheck() func(ctx context.Context) error {
	check := infraEvents.DialCheck(a.cfg.Kafka.Brokers)
	return func(ctx context.Context) error { return check(ctx) }
}

package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
	"github.com/davicafu/crmevents/internal/shared/infra/utils"
)

// HandlerError agrupa los fallos de los handlers de un mismo evento.
type HandlerError struct {
	EventID string
	Failed  int
	Total   int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s: %d/%d handlers failed: %v", e.EventID, e.Failed, e.Total, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Processor decide qué hacer con cada mensaje: descartar, omitir o repartir
// entre los handlers y registrar en el ledger.
type Processor struct {
	registry       *Registry
	ledger         domain.Ledger
	handlerTimeout time.Duration
	log            *zap.Logger
	now            func() time.Time
	meter          metric.Meter
	metrics        *consumerMetrics
}

var _ sharedBus.MessageProcessor = (*Processor)(nil)

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithMeter(meter metric.Meter) Option {
	return func(p *Processor) { p.meter = meter }
}

func NewProcessor(registry *Registry, ledger domain.Ledger, handlerTimeout time.Duration, log *zap.Logger, opts ...Option) (*Processor, error) {
	p := &Processor{
		registry:       registry,
		ledger:         ledger,
		handlerTimeout: handlerTimeout,
		log:            log,
		now:            time.Now,
		meter:          otel.Meter("crmevents/consumer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	m, err := newConsumerMetrics(p.meter)
	if err != nil {
		return nil, fmt.Errorf("consumer metrics: %w", err)
	}
	p.metrics = m
	return p, nil
}

// Process devuelve error solo cuando el mensaje debe reentregarse.
func (p *Processor) Process(ctx context.Context, msg sharedBus.Message) error {
	evt, err := events.Decode(msg.Value)
	if err != nil {
		p.log.Error("🗑️ Mensaje descartado: no es un evento válido",
			zap.String("topic", msg.Topic),
			zap.String("event_id", msg.Headers[sharedBus.HeaderEventID]),
			zap.Error(err),
		)
		p.metrics.malformed.Add(ctx, 1, topicAttr(msg.Topic))
		return nil
	}

	log := p.log.With(
		zap.String("event_id", evt.EventID),
		zap.String("event_type", evt.EventType),
		zap.String("aggregate_id", evt.AggregateID),
		zap.String("customer_id", evt.Metadata.CustomerID),
	)

	done, err := p.ledger.IsProcessed(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("ledger lookup %s: %w", evt.EventID, err)
	}
	if done {
		log.Debug("Evento ya procesado, se omite")
		p.metrics.duplicate.Add(ctx, 1, topicAttr(evt.EventType))
		return nil
	}

	handlers := p.registry.Handlers(evt.EventType)
	if len(handlers) == 0 {
		log.Warn("Evento sin handlers registrados")
	} else if err := p.dispatch(ctx, evt, handlers); err != nil {
		log.Warn("⚠️ Fallaron handlers, el evento se reentregará", zap.Error(err))
		return err
	}

	if err := p.ledger.Record(ctx, evt.EventID, evt.EventType, p.now().UTC()); err != nil {
		return fmt.Errorf("ledger record %s: %w", evt.EventID, err)
	}
	p.metrics.handled.Add(ctx, 1, topicAttr(evt.EventType))
	log.Debug("✅ Evento procesado", zap.Int("handlers", len(handlers)))
	return nil
}

// dispatch ejecuta todos los handlers en paralelo y espera a que terminen todos.
func (p *Processor) dispatch(ctx context.Context, evt events.DomainEvent, handlers []events.Handler) error {
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h events.Handler) {
			defer wg.Done()
			hctx := ctx
			if p.handlerTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
				defer cancel()
			}
			errs[i] = utils.RunSafely(hctx, func(ctx context.Context) error {
				return h(ctx, evt)
			})
		}(i, h)
	}
	wg.Wait()

	var joined error
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		joined = multierr.Append(joined, fmt.Errorf("handler %d: %w", i, err))
	}
	if failed == 0 {
		return nil
	}
	p.metrics.failures.Add(ctx, int64(failed), topicAttr(evt.EventType))
	return &HandlerError{EventID: evt.EventID, Failed: failed, Total: len(handlers), Err: joined}
}

// IsHandlerError indica si err proviene de handlers fallidos.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

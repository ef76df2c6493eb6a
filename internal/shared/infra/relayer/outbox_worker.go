package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/crmevents/internal/shared/domain"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
	"github.com/davicafu/crmevents/internal/shared/infra/utils"
)

// State es el estado del bucle del publicador.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

var (
	ErrAlreadyRunning = errors.New("outbox publisher already running")
	ErrNotRunning     = errors.New("outbox publisher not running")
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	RetryInterval  time.Duration
	RetryWindow    time.Duration
	MaxRetries     int
	PublishTimeout time.Duration
	Supervisor     utils.SupervisorConfig
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	return c
}

type Option func(*Worker)

// WithClock sustituye time.Now, útil en tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(w *Worker) {
		if meter != nil {
			w.meter = meter
		}
	}
}

// Worker publica las filas pendientes del outbox en el bus. Un único bucle
// cooperativo; no hay paralelismo interno.
type Worker struct {
	repo      sharedDomain.OutboxRepository
	ledger    sharedDomain.Ledger
	publisher sharedBus.EventBus
	cfg       Config
	now       func() time.Time
	meter     metric.Meter
	metrics   *publisherMetrics
	log       *zap.Logger

	mu        sync.Mutex
	state     State
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastSweep time.Time
}

func NewOutboxWorker(
	repo sharedDomain.OutboxRepository,
	ledger sharedDomain.Ledger,
	publisher sharedBus.EventBus,
	cfg Config,
	log *zap.Logger,
	opts ...Option,
) (*Worker, error) {
	w := &Worker{
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		cfg:       cfg.normalize(),
		now:       time.Now,
		meter:     otel.Meter("crmevents/relayer"),
		log:       log,
	}
	for _, opt := range opts {
		opt(w)
	}

	m, err := newPublisherMetrics(w.meter)
	if err != nil {
		return nil, fmt.Errorf("init publisher metrics: %w", err)
	}
	w.metrics = m
	return w, nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start arranca el bucle supervisado en segundo plano.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateRunning
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	w.log.Info("🚀 Outbox publisher iniciado",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	go func() {
		defer close(doneCh)
		defer w.setState(StateStopped)

		err := utils.Supervise(ctx, "outbox-publisher", func(ctx context.Context) error {
			return w.loop(ctx, stopCh)
		}, w.cfg.Supervisor, w.log)
		if err != nil {
			w.log.Error("❌ Outbox publisher detenido por errores repetidos", zap.Error(err))
			return
		}
		w.log.Info("🛑 Outbox publisher detenido.")
	}()
	return nil
}

// Stop deja de aceptar lotes nuevos; el lote en curso termina.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return
	}
	w.state = StateDraining
	close(w.stopCh)
}

// Shutdown detiene el bucle y espera a que termine o a que venza ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	doneCh := w.doneCh
	w.mu.Unlock()
	if doneCh == nil {
		return ErrNotRunning
	}

	w.Stop()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		w.sweepIfDue(ctx)

		wait := time.Duration(0)
		n, err := w.PublishOnce(ctx)
		switch {
		case err != nil:
			w.log.Warn("⚠️ Error en el lote del outbox", zap.Error(err))
			wait = 2 * w.cfg.PollInterval
		case n == 0:
			wait = w.cfg.PollInterval
		}
		if wait == 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (w *Worker) sweepIfDue(ctx context.Context) {
	now := w.now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.cfg.RetryInterval {
		return
	}
	w.lastSweep = now
	if _, err := w.SweepOnce(ctx); err != nil {
		w.log.Warn("⚠️ Error en el barrido de reintentos", zap.Error(err))
	}
}

// SweepOnce devuelve a pending los fallidos con reintentos disponibles cuyo
// último intento es anterior a la ventana de reintento.
func (w *Worker) SweepOnce(ctx context.Context) (int64, error) {
	n, err := w.repo.ResetRetryable(ctx, w.cfg.MaxRetries, w.now().Add(-w.cfg.RetryWindow))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.metrics.add(ctx, w.metrics.resetForRetry, n, "")
		w.log.Info("🔁 Eventos fallidos devueltos a pending", zap.Int64("count", n))
	}
	return n, nil
}

// PublishOnce procesa un lote y devuelve cuántos eventos se publicaron.
func (w *Worker) PublishOnce(ctx context.Context) (int, error) {
	start := w.now()
	events, err := w.repo.FetchPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	w.log.Debug("📬 Eventos pendientes en el outbox", zap.Int("count", len(events)))

	published := 0
	for _, evt := range events {
		if w.publishAndMark(ctx, evt) {
			published++
		}
	}

	w.metrics.batchLatency.Record(ctx, w.now().Sub(start).Seconds())
	return published, nil
}

func (w *Worker) publishAndMark(ctx context.Context, evt sharedDomain.OutboxEvent) bool {
	fields := []zap.Field{
		zap.String("event_id", evt.EventID),
		zap.String("event_type", evt.EventType),
		zap.String("aggregate_id", evt.AggregateID),
		zap.String("customer_id", evt.CustomerID),
	}

	// 1. Ya publicado en una ejecución anterior que no llegó a marcar la fila.
	seen, err := w.ledger.IsProcessed(ctx, evt.EventID)
	if err != nil {
		w.log.Warn("⚠️ No se pudo consultar el ledger", append(fields, zap.Error(err))...)
		return false
	}
	if seen {
		w.metrics.add(ctx, w.metrics.duplicates, 1, evt.EventType)
		if err := w.repo.MarkProcessed(ctx, evt, w.now()); err != nil {
			w.metrics.add(ctx, w.metrics.stateUpdateErr, 1, evt.EventType)
			w.log.Warn("⚠️ No se pudo marcar evento ya publicado", append(fields, zap.Error(err))...)
		}
		return false
	}

	// 2. Publicar
	if err := w.send(ctx, evt); err != nil {
		w.markFailed(ctx, evt, err, fields)
		return false
	}
	w.metrics.add(ctx, w.metrics.published, 1, evt.EventType)

	// 3. Marcar como procesado. Si falla, el evento se volverá a publicar.
	if err := w.repo.MarkProcessed(ctx, evt, w.now()); err != nil {
		w.metrics.add(ctx, w.metrics.stateUpdateErr, 1, evt.EventType)
		w.log.Warn("⚠️ No se pudo marcar evento como procesado", append(fields, zap.Error(err))...)
		return true
	}

	w.log.Debug("✅ Evento publicado y marcado", fields...)
	return true
}

func (w *Worker) send(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	msg, err := sharedBus.NewMessage(evt, w.now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	defer cancel()
	return w.publisher.Publish(sendCtx, msg)
}

func (w *Worker) markFailed(ctx context.Context, evt sharedDomain.OutboxEvent, cause error, fields []zap.Field) {
	w.metrics.add(ctx, w.metrics.failed, 1, evt.EventType)

	retries, err := w.repo.MarkFailed(ctx, evt.EventID, cause.Error(), w.now())
	if err != nil {
		w.metrics.add(ctx, w.metrics.stateUpdateErr, 1, evt.EventType)
		w.log.Warn("⚠️ No se pudo marcar evento como fallido",
			append(fields, zap.NamedError("cause", cause), zap.Error(err))...)
		return
	}

	fields = append(fields, zap.Int("retry_count", retries), zap.Error(cause))
	if retries >= w.cfg.MaxRetries {
		w.metrics.add(ctx, w.metrics.exhausted, 1, evt.EventType)
		w.log.Error("❌ Evento sin reintentos disponibles, requiere intervención manual", fields...)
		return
	}
	w.log.Warn("⚠️ No se pudo publicar evento", fields...)
}

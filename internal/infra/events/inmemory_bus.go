package events

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
)

var (
	ErrBusClosed         = errors.New("in-memory bus closed")
	ErrAlreadySubscribed = errors.New("in-memory bus already has a subscriber")
)

// envelope lleva un mensaje a su partición junto con el canal por el que se
// devuelve el resultado del procesador.
type envelope struct {
	ctx  context.Context
	msg  sharedBus.Message
	done chan error
}

// InMemoryEventBus reparte los mensajes en particiones por clave, igual que
// el Writer de Kafka, y entrega cada partición en orden a un único procesador.
// Publish no confirma hasta que el procesador ha aceptado el mensaje.
type InMemoryEventBus struct {
	partitions []chan envelope
	ids        []int
	balancer   *kafka.Hash
	redelivery RedeliveryConfig
	log        *zap.Logger

	mu         sync.RWMutex
	closed     bool
	subscribed bool
	stop       chan struct{}
	detached   chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// Verifica en tiempo de compilación que cumple la interfaz
var _ sharedBus.EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus crea un bus con n particiones de capacidad buffer.
func NewInMemoryEventBus(n, buffer int, redelivery RedeliveryConfig, log *zap.Logger) *InMemoryEventBus {
	if n <= 0 {
		n = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	b := &InMemoryEventBus{
		partitions: make([]chan envelope, n),
		ids:        make([]int, n),
		balancer:   &kafka.Hash{},
		redelivery: redelivery.normalize(),
		log:        log,
		stop:       make(chan struct{}),
		detached:   make(chan struct{}),
	}
	for i := range b.partitions {
		b.partitions[i] = make(chan envelope, buffer)
		b.ids[i] = i
	}
	return b
}

// Partition devuelve la partición que corresponde a la clave.
func (b *InMemoryEventBus) Partition(key string) int {
	return b.balancer.Balance(kafka.Message{Key: []byte(key)}, b.ids...)
}

// Publish encola el mensaje en su partición y espera a que el procesador lo
// acepte. Devuelve el error del procesador, ctx.Err() o ErrBusClosed; en
// cualquiera de esos casos el mensaje no debe darse por entregado.
func (b *InMemoryEventBus) Publish(ctx context.Context, msg sharedBus.Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	env := envelope{ctx: ctx, msg: msg, done: make(chan error, 1)}
	select {
	case b.partitions[b.Partition(msg.Key)] <- env:
	case <-b.stop:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stop:
	case <-b.detached:
	}
	// El worker pudo terminar justo antes del cierre.
	select {
	case err := <-env.done:
		return err
	default:
		return ErrBusClosed
	}
}

// Subscribe arranca un worker por partición que entrega al procesador.
// Un mensaje que falla se reentrega antes de pasar al siguiente de su partición.
// Cuando ctx termina el bus deja de aceptar entregas.
func (b *InMemoryEventBus) Subscribe(ctx context.Context, p sharedBus.MessageProcessor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.subscribed {
		return ErrAlreadySubscribed
	}
	b.subscribed = true

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.stop:
		case <-ctx.Done():
		}
		cancel()
		close(b.detached)
	}()

	for _, ch := range b.partitions {
		b.wg.Add(1)
		go func(ch <-chan envelope) {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					env.done <- b.dispatch(ctx, p, env)
				}
			}
		}(ch)
	}
	b.log.Info("🎧 Bus en memoria suscrito", zap.Int("partitions", len(b.partitions)))
	return nil
}

// dispatch entrega env con un contexto que se cancela si termina la
// suscripción o si el publicador deja de esperar.
func (b *InMemoryEventBus) dispatch(ctx context.Context, p sharedBus.MessageProcessor, env envelope) error {
	if err := env.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(env.ctx, cancel)
	defer stopAfter()

	return deliver(ctx, p, env.msg, b.redelivery, b.log)
}

// Close detiene los workers. Quien espere en Publish recibe ErrBusClosed, así
// que los mensajes pendientes no se dan por entregados.
func (b *InMemoryEventBus) Close() error {
	b.once.Do(func() {
		close(b.stop)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	})
	b.wg.Wait()
	return nil
}

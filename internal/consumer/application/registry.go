package application

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

var (
	ErrRegistrySealed    = errors.New("handler registry sealed")
	ErrEventTypeRequired = errors.New("event type is required")
	ErrNilHandler        = errors.New("handler is nil")
)

// Registry asocia cada tipo de evento con sus handlers, en orden de registro.
// Se construye al arrancar y se sella cuando el consumidor se suscribe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]events.Handler)}
}

func (r *Registry) Register(eventType string, h events.Handler) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", eventType, ErrRegistrySealed)
	}
	r.handlers[eventType] = append(r.handlers[eventType], h)
	return nil
}

// Handlers devuelve una copia de los handlers de eventType.
func (r *Registry) Handlers(eventType string) []events.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]events.Handler(nil), r.handlers[eventType]...)
}

// Topics devuelve, ordenados, los tipos con al menos un handler.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t, hs := range r.handlers {
		if len(hs) > 0 {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

package events

import "context"

// Handler reacciona a un evento entregado. Debe ser idempotente: una entrega
// parcialmente fallida vuelve a ejecutar todos los handlers del evento.
type Handler func(ctx context.Context, evt DomainEvent) error

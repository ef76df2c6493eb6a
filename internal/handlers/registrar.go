// Package handlers agrupa los handlers que el proceso registra al arrancar.
package handlers

import (
	"errors"

	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

// Registrar es la parte del registro que necesitan los handlers.
type Registrar interface {
	Register(eventType string, h events.Handler) error
}

// RegisterAll registra h para cada tipo de eventTypes.
func RegisterAll(r Registrar, h events.Handler, eventTypes ...string) error {
	var errs []error
	for _, t := range eventTypes {
		if err := r.Register(t, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

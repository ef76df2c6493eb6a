package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
	"github.com/davicafu/crmevents/internal/shared/infra/utils"
)

// RedeliveryConfig controla los reintentos de un mensaje cuyo procesamiento falló.
type RedeliveryConfig struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (c RedeliveryConfig) normalize() RedeliveryConfig {
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// deliver entrega msg hasta que el procesador lo acepte o se cancele ctx.
// Devuelve nil si se procesó; en otro caso no debe confirmarse.
func deliver(ctx context.Context, p sharedBus.MessageProcessor, msg sharedBus.Message, cfg RedeliveryConfig, log *zap.Logger) error {
	for attempt := 0; ; attempt++ {
		err := utils.RunSafely(ctx, func(ctx context.Context) error {
			return p.Process(ctx, msg)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}

		wait := utils.Backoff(cfg.Backoff, cfg.MaxBackoff, attempt)
		log.Warn("⚠️ Procesamiento fallido, se reentregará",
			zap.String("topic", msg.Topic),
			zap.String("event_id", msg.Headers[sharedBus.HeaderEventID]),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := utils.Sleep(ctx, wait); sleepErr != nil {
			return errors.Join(sleepErr, err)
		}
	}
}

package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/infra/utils"
)

var ErrBrokerUnavailable = errors.New("kafka broker unavailable")

// BrokerCheck comprueba si el broker acepta conexiones.
type BrokerCheck func(ctx context.Context) error

// DialCheck intenta conectar con el primer broker que responda.
func DialCheck(brokers []string) BrokerCheck {
	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context) error {
		var err error
		for _, addr := range brokers {
			conn, dErr := dialer.DialContext(ctx, "tcp", addr)
			if dErr == nil {
				return conn.Close()
			}
			err = errors.Join(err, dErr)
		}
		if err == nil {
			return ErrBrokerUnavailable
		}
		return err
	}
}

// WaitForBroker reintenta check hasta attempts veces con una pausa fija.
func WaitForBroker(ctx context.Context, check BrokerCheck, attempts int, delay time.Duration, log *zap.Logger) error {
	if attempts <= 0 {
		attempts = 1
	}
	err := utils.Retry(ctx, attempts, delay, func(attempt int) error {
		if err := check(ctx); err != nil {
			log.Warn("⏳ Broker de Kafka no disponible",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
			return err
		}
		log.Info("✅ Broker de Kafka disponible", zap.Int("attempt", attempt))
		return nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
}

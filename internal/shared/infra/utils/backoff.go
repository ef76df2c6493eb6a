package utils

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential devuelve base * 2^attempt protegido contra overflow.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// FullJitter devuelve una duración aleatoria en [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter, no seguridad
}

// Backoff calcula la espera del intento con jitter, acotada a max.
// Nunca devuelve menos de la mitad del retardo nominal.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := Exponential(base, attempt)
	if max > 0 && d > max {
		d = max
	}
	half := d / 2
	return half + FullJitter(d-half)
}

// Sleep espera d o hasta que se cancele el contexto.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry ejecuta fn hasta attempts veces con un retardo fijo entre intentos.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(i); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// ErrRestartsExhausted se devuelve cuando la tarea supervisada supera MaxRestarts.
var ErrRestartsExhausted = errors.New("supervised task exceeded its restart budget")

type SupervisorConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRestarts 0 significa sin límite.
	MaxRestarts int
}

func (c SupervisorConfig) normalize() SupervisorConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Supervise ejecuta task y la reinicia con backoff exponencial si termina con
// error o con pánico. Un retorno nil o la cancelación del contexto terminan la
// supervisión.
func Supervise(ctx context.Context, name string, task func(context.Context) error, cfg SupervisorConfig, log *zap.Logger) error {
	cfg = cfg.normalize()
	restarts := 0

	for {
		err := RunSafely(ctx, task)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		restarts++
		if cfg.MaxRestarts > 0 && restarts > cfg.MaxRestarts {
			log.Error("❌ Tarea supervisada sin reinicios disponibles",
				zap.String("task", name),
				zap.Int("restarts", restarts-1),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %w: %v", name, ErrRestartsExhausted, err)
		}

		wait := Backoff(cfg.InitialBackoff, cfg.MaxBackoff, restarts-1)
		log.Warn("♻️ Reiniciando tarea supervisada",
			zap.String("task", name),
			zap.Int("restart", restarts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// RunSafely ejecuta fn convirtiendo un pánico en error.
func RunSafely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

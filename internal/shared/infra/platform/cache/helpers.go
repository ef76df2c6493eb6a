package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const asyncTimeout = 200 * time.Millisecond

// AsyncCacheSet actualiza la caché en background sin bloquear al llamante.
// Usa su propio contexto: la escritura debe completarse aunque el del
// llamante ya esté cancelado.
func AsyncCacheSet(cache Cache, key string, value any, ttl time.Duration, log *zap.Logger) {
	if cache == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()

		if err := cache.Set(ctx, key, value, ttl); err != nil {
			log.Warn("Cache update failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}

package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	sharedCache "github.com/davicafu/crmevents/internal/shared/infra/platform/cache"
)

// CachedLedger evita consultar la base de datos para eventos ya registrados.
// Solo se cachean aciertos: una fila del ledger nunca se borra, así que un
// positivo no puede quedar obsoleto.
type CachedLedger struct {
	inner domain.Ledger
	cache sharedCache.Cache
	table string
	ttl   time.Duration
	log   *zap.Logger
}

var _ domain.Ledger = (*CachedLedger)(nil)

func NewCachedLedger(inner domain.Ledger, c sharedCache.Cache, table string, ttl time.Duration, log *zap.Logger) *CachedLedger {
	return &CachedLedger{inner: inner, cache: c, table: table, ttl: ttl, log: log}
}

func (l *CachedLedger) key(eventID string) string {
	return "ledger:" + l.table + ":" + eventID
}

func (l *CachedLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var hit bool
	found, err := l.cache.Get(ctx, l.key(eventID), &hit)
	if err != nil {
		// Caché caída: la base de datos sigue siendo la fuente de verdad.
		l.log.Warn("Cache lookup failed", zap.String("event_id", eventID), zap.Error(err))
	}
	if found && hit {
		return true, nil
	}

	done, err := l.inner.IsProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	if done {
		sharedCache.AsyncCacheSet(l.cache, l.key(eventID), true, l.ttl, l.log)
	}
	return done, nil
}

func (l *CachedLedger) Record(ctx context.Context, eventID, eventType string, at time.Time) error {
	if err := l.inner.Record(ctx, eventID, eventType, at); err != nil {
		return err
	}
	sharedCache.AsyncCacheSet(l.cache, l.key(eventID), true, l.ttl, l.log)
	return nil
}

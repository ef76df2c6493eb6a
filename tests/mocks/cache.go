package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	sharedCache "github.com/davicafu/crmevents/internal/shared/infra/platform/cache"
)

// DummyCache es una caché en memoria sin caducidad, segura para concurrencia.
// Puede fallar bajo demanda para simular una caché caída.
type DummyCache struct {
	store map[string][]byte
	mu    sync.RWMutex
	down  bool
}

var ErrCacheDown = errors.New("cache down")

// Verificación estática para asegurar que implementa la interfaz compartida.
var _ sharedCache.Cache = (*DummyCache)(nil)

func NewDummyCache() *DummyCache {
	return &DummyCache{
		store: make(map[string][]byte),
	}
}

func (c *DummyCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.down {
		return false, ErrCacheDown
	}

	data, ok := c.store[key]
	if !ok {
		return false, nil // Cache miss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *DummyCache) Set(_ context.Context, key string, val any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return ErrCacheDown
	}

	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.store[key] = data
	return nil
}

func (c *DummyCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

// Has indica si la clave está en la caché.
func (c *DummyCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.store[key]
	return ok
}

func (c *DummyCache) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

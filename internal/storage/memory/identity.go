package memory

import (
	"context"
	"sync"
	"time"

	"github.com/carelink/internal/model"
)

type item struct {
	val model.Identity
	exp time.Time
}

// IdentityCache реализует storage.IdentityCache в памяти процесса (режим без Redis).
type IdentityCache struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{items: make(map[string]item), now: time.Now}
}

func (c *IdentityCache) Close() error { return nil }

func (c *IdentityCache) Get(ctx context.Context, key string) (*model.Identity, error) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if c.now().After(v.exp) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && !c.now().Before(cur.exp) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	id := v.val
	return &id, nil
}

func (c *IdentityCache) Set(ctx context.Context, key string, id *model.Identity, ttl time.Duration) error {
	if id == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.items[key] = item{val: *id, exp: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *IdentityCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

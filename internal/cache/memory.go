package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implements Cache and Locker in process. Values are JSON-encoded
// so callers observe the same copy semantics as with Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: map[string]memoryEntry{},
		locks:   map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.value, dest)
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := memoryEntry{value: raw}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if held, ok := c.locks[name]; ok && !held.expired(now) {
		return "", ErrLockHeld
	}
	token := uuid.NewString()
	e := memoryEntry{value: []byte(token)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.locks[name] = e
	return token, nil
}

func (c *MemoryCache) Release(ctx context.Context, name, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.locks[name]; ok && string(held.value) == token {
		delete(c.locks, name)
	}
	return nil
}

// Nop is a Cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }

func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }

func (Nop) Delete(context.Context, ...string) error { return nil }

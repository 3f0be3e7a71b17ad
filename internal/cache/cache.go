// Package cache provides the read-through cache used for variant stock and sales reports.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"shop-core/internal/util"

	"go.uber.org/zap"
)

// ErrLockHeld is returned by Locker.Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

// Cache stores JSON-encoded values under string keys.
type Cache interface {
	// Get decodes the value stored under key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Locker is a mutual-exclusion primitive shared between replicas.
type Locker interface {
	// Acquire returns a token for Release, or ErrLockHeld.
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	Release(ctx context.Context, name, token string) error
}

func VariantKey(id string) string { return "variant:" + id }

func ReportKey(reportType string, date time.Time) string {
	return "report:" + reportType + ":" + date.UTC().Format("2006-01-02")
}

func SegmentKey(userID string) string { return "segment:" + userID }

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// GetOrLoad returns the cached value for key, or calls load and caches its result.
// Cache failures are logged and fall through to load.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	ns := namespace(key)

	var cached T
	found, err := c.Get(ctx, key, &cached)
	if err != nil {
		util.GetLogger().Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		util.CacheRequestsTotal.WithLabelValues(ns, "hit").Inc()
		return cached, nil
	}
	util.CacheRequestsTotal.WithLabelValues(ns, "miss").Inc()

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if err := c.Set(ctx, key, value, ttl); err != nil {
		util.GetLogger().Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Invalidate deletes keys, logging rather than returning failures.
func Invalidate(ctx context.Context, c Cache, keys ...string) {
	if err := c.Delete(ctx, keys...); err != nil {
		util.GetLogger().Warn("Cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

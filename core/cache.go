package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tracerName = "linkhub/cache"

// Producer computes the authoritative value for a cache key, typically by
// querying the system of record.
type Producer[T any] func(ctx context.Context) (T, error)

// Cache is the read-through cache and invalidator in front of a Store.
//
// Concurrent misses for the same key each run their producer unless
// coalescing is enabled, and coalescing only spans this process.
type Cache struct {
	store Store
	ttls  TTLs
	log   *zap.Logger
	rec   recorder
	group *singleflight.Group
	tp    trace.TracerProvider
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) CacheOption {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTTLs sets the TTL table.
func WithTTLs(t TTLs) CacheOption {
	return func(c *Cache) {
		c.ttls = t
	}
}

// WithMetrics shares a metrics sink with other components.
func WithMetrics(m *CacheMetrics) CacheOption {
	return func(c *Cache) {
		c.rec = newRecorder(m)
	}
}

// WithTracerProvider sets where Fetch and warmup spans go. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) CacheOption {
	return func(c *Cache) {
		if tp != nil {
			c.tp = tp
		}
	}
}

// WithCoalescing collapses concurrent misses for one key into a single
// producer call.
func WithCoalescing(on bool) CacheOption {
	return func(c *Cache) {
		if on {
			c.group = &singleflight.Group{}
		} else {
			c.group = nil
		}
	}
}

// NewCache creates a cache over store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store: store,
		ttls:  DefaultTTLs(),
		log:   zap.NewNop(),
		rec:   newRecorder(nil),
		tp:    otel.GetTracerProvider(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the configured TTL for a category.
func (c *Cache) TTL(cat Category) time.Duration {
	return c.ttls.For(cat)
}

// Metrics returns the cache metrics
func (c *Cache) Metrics() *CacheMetrics {
	return c.rec.m
}

// Fetch returns the value cached at key, or runs produce, stores its result
// for ttl and returns it.
//
// A store read failure falls back to produce without writing back. A store
// write failure is logged and ignored. Producer errors are returned as is.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	ctx, span := c.tp.Tracer(tracerName).Start(ctx, "cache.Fetch",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	v, hit, err := fetch(ctx, c, key, ttl, produce)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, produce Producer[T]) (T, bool, error) {
	var zero T

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.rec.storeError(ctx)
		c.log.Warn("cache read failed, using producer",
			zap.String("key", key), zap.Error(err))
		v, err := produce(ctx)
		return v, false, err
	}

	if found {
		var v T
		err := decode(raw, &v)
		if err == nil {
			c.rec.hit(ctx)
			c.log.Debug("cache hit", zap.String("key", key))
			return v, true, nil
		}
		c.log.Warn("discarding undecodable cache entry",
			zap.String("key", key), zap.Error(err))
	}

	c.rec.miss(ctx)
	c.log.Debug("cache miss", zap.String("key", key))

	if c.group == nil {
		v, err := populate(ctx, c, key, ttl, produce)
		return v, false, err
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		return populate(ctx, c, key, ttl, produce)
	})
	if err != nil {
		return zero, false, err
	}
	v, _ := res.(T)
	return v, false, nil
}

func populate[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	v, err := produce(ctx)
	if err != nil {
		return v, err
	}

	if err := c.Put(ctx, key, v, ttl); err != nil {
		c.log.Warn("cache write failed",
			zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// Put writes v at key unconditionally.
func (c *Cache) Put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.rec.storeError(ctx)
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes one key. Store errors are logged, not returned.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.store.Del(ctx, key); err != nil {
		c.rec.storeError(ctx)
		c.log.Error("cache invalidation failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.rec.invalidation(ctx, 1)
	c.log.Debug("cache invalidated", zap.String("key", key))
}

// InvalidatePattern deletes every key matching a glob pattern in one batch
// and returns how many were deleted. Store errors are logged and reported as
// zero deletions.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		c.rec.storeError(ctx)
		c.log.Error("cache pattern lookup failed",
			zap.String("pattern", pattern), zap.Error(err))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	if err := c.store.Del(ctx, keys...); err != nil {
		c.rec.storeError(ctx)
		c.log.Error("cache pattern invalidation failed",
			zap.String("pattern", pattern), zap.Error(err))
		return 0
	}

	c.rec.invalidation(ctx, int64(len(keys)))
	c.log.Info("cache invalidated",
		zap.String("pattern", pattern), zap.Int("count", len(keys)))
	return len(keys)
}

// InvalidateProfile evicts everything derived from a user's profile row.
func (c *Cache) InvalidateProfile(ctx context.Context, userID, username string) {
	c.Invalidate(ctx, ProfileKey(username))
	c.Invalidate(ctx, UserKey(userID))
	c.Invalidate(ctx, LinksKey(userID))
}

// InvalidateLinks evicts a user's link list and the public profile that
// embeds it.
func (c *Cache) InvalidateLinks(ctx context.Context, userID, username string) {
	c.Invalidate(ctx, LinksKey(userID))
	if username != "" {
		c.Invalidate(ctx, ProfileKey(username))
	}
}

// InvalidateStats evicts a user's analytics for every day range.
func (c *Cache) InvalidateStats(ctx context.Context, userID string) {
	c.Invalidate(ctx, StatsKey(userID, 0))
	c.InvalidatePattern(ctx, StatsPattern(userID))
}

// InvalidateLinkStats evicts one link's analytics.
func (c *Cache) InvalidateLinkStats(ctx context.Context, linkID string) {
	c.Invalidate(ctx, LinkStatsKey(linkID))
}

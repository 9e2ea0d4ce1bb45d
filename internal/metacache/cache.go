// Package metacache is the 24h-TTL read-through cache for directory
// metadata (user, group, plan, bucket display names) the adapter and
// upload pipeline resolve by id but rarely need fresh. Entries live
// under "meta/{kind}/{id}".
package metacache

import (
	"context"

	"github.com/itskum47/tasksync/internal/redisstore"
)

// Loader fetches a piece of metadata by id when the cache misses.
type Loader[T any] func(ctx context.Context, id string) (T, error)

// Cache is a typed read-through wrapper over redisstore's meta/{kind}/{id}
// keys.
type Cache[T any] struct {
	store *redisstore.Store
	kind string
	load Loader[T]
}

// New builds a Cache for a metadata kind ("user", "group", "plan",
// "bucket"), using load on a cache miss.
func New[T any](store *redisstore.Store, kind string, load Loader[T]) *Cache[T] {
	return &Cache[T]{store: store, kind: kind, load: load}
}

// Get returns the cached value for id, loading and caching it on a miss.
func (c *Cache[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	err := c.store.GetMeta(ctx, c.kind, id, &out)
	if err == nil {
		return out, nil
	}
	if err != redisstore.ErrNotFound {
		return out, err
	}

	out, err = c.load(ctx, id)
	if err != nil {
		return out, err
	}
	if cacheErr := c.store.SetMeta(ctx, c.kind, id, out); cacheErr != nil {
		return out, nil // best-effort cache write; the value itself is still good
	}
	return out, nil
}

// Invalidate drops a cached entry, used when a webhook notification
// implies the directory entry changed.
func (c *Cache[T]) Invalidate(ctx context.Context, id string) error {
	return c.store.Client().Del(ctx, redisstore.MetaKey(c.kind, id)).Err()
}

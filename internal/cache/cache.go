// Package cache provides a read-through TTL cache with de-duplicated loads.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the authoritative value. found is false when the value does
// not exist.
type Loader[V any] func(ctx context.Context) (value V, found bool, err error)

// Validator rejects a cached value that must be reloaded. It may consult the
// authoritative store; a value it cannot confirm is rejected.
type Validator[V any] func(ctx context.Context, v V) bool

type ReadThrough[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

type result[V any] struct {
	value V
	found bool
}

// New returns a cache holding up to size entries for at most ttl each.
func New[V any](size int, ttl time.Duration) *ReadThrough[V] {
	return &ReadThrough[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get serves key from the cache when present and valid, otherwise from load.
// Concurrent misses for the same key share one load. Missing values are not
// cached.
func (c *ReadThrough[V]) Get(ctx context.Context, key string, load Loader[V], valid Validator[V]) (V, bool, error) {
	if v, ok := c.lru.Get(key); ok {
		if valid == nil || valid(ctx, v) {
			return v, true, nil
		}
		c.lru.Remove(key)
	}

	out, err, _ := c.group.Do(key, func() (any, error) {
		v, found, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if found {
			c.lru.Add(key, v)
		}
		return result[V]{value: v, found: found}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	r := out.(result[V])
	return r.value, r.found, nil
}

func (c *ReadThrough[V]) Put(key string, v V) { c.lru.Add(key, v) }

func (c *ReadThrough[V]) Invalidate(key string) { c.lru.Remove(key) }

func (c *ReadThrough[V]) Purge() { c.lru.Purge() }

func (c *ReadThrough[V]) Len() int { return c.lru.Len() }

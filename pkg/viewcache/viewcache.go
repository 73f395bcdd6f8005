/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package viewcache memoizes expensive read computations (canonical views,
// query counts) with a TTL. Concurrent misses for one key share a single
// computation.
package viewcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

var ErrTypeMismatch = errors.New("cached value has unexpected type")

const (
	DefaultTTL             = 30 * time.Second
	DefaultCleanupInterval = time.Minute
)

// ComputeFunc produces the value for a key on a miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Cache is safe for concurrent use. Build one at startup and share it.
type Cache struct {
	store *gocache.Cache
	group singleflight.Group

	generation atomic.Uint64
	hits       atomic.Int64
	misses     atomic.Int64
	computes   atomic.Int64
}

// New creates a cache whose entries expire after defaultTTL unless a call
// passes its own TTL.
func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	return &Cache{store: gocache.New(defaultTTL, cleanupInterval)}
}

// GetOrCompute returns the cached value for key or runs fn once, however
// many callers miss concurrently. ttl of zero uses the cache default.
// Errors are returned to every waiter and never cached. A value computed
// across an invalidation is returned but not stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (any, error) {
	if v, ok := c.store.Get(key); ok {
		c.hits.Add(1)

		return v, nil
	}

	c.misses.Add(1)

	gen := c.generation.Load()
	flight := key + "\x00" + strconv.FormatUint(gen, 10)

	ch := c.group.DoChan(flight, func() (any, error) {
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}

		c.computes.Add(1)

		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		if c.generation.Load() == gen {
			c.store.Set(key, v, ttl)
		}

		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Get is the typed form of GetOrCompute.
func Get[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	v, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %s holds %T", ErrTypeMismatch, key, v)
	}

	return out, nil
}

// Invalidate drops key and fences computations already in flight.
func (c *Cache) Invalidate(key string) {
	c.generation.Add(1)
	c.store.Delete(key)
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.generation.Add(1)

	for key := range c.store.Items() {
		if strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
		}
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.generation.Add(1)
	c.store.Flush()
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	Computes   int64  `json:"computes"`
	Items      int    `json:"item_count"`
	Generation uint64 `json:"generation"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Computes:   c.computes.Load(),
		Items:      c.store.ItemCount(),
		Generation: c.generation.Load(),
	}
}

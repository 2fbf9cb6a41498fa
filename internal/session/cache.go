package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ChainCache memoizes expensive per-organization values such as assembled
// retrieval chains. Concurrent first requests for the same key are
// deduplicated through singleflight so the factory runs once; later
// requests hit the map.
//
// ChainCache is safe for concurrent use by multiple goroutines.
type ChainCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
	group   singleflight.Group
}

// NewChainCache creates an empty cache.
func NewChainCache[T any]() *ChainCache[T] {
	return &ChainCache[T]{entries: make(map[string]T)}
}

// GetOrCreate returns the cached value for key, building it with factory
// on first use. A factory error is not cached; the next caller retries.
func (c *ChainCache[T]) GetOrCreate(ctx context.Context, key string, factory func(ctx context.Context) (T, error)) (T, error) {
	c.mu.RLock()
	if v, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have populated the map between the read
		// above and acquiring the flight.
		c.mu.RLock()
		if v, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()

		built, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = built
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("building cache entry %q: %w", key, err)
	}
	return v.(T), nil
}

// Invalidate drops the cached value for key. The next GetOrCreate
// rebuilds it.
func (c *ChainCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// Len returns the number of cached entries.
func (c *ChainCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

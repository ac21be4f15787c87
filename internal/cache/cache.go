// Package cache holds periodically refreshed values such as membership lists.
package cache

import (
	"context"
	"sync"
	"time"
)

// RefreshFunc loads a fresh value.
type RefreshFunc[T any] func(ctx context.Context) (T, error)

// TTL caches one value for ttl. Readers get the cached value while it is
// fresh; the first reader after expiry refreshes it.
type TTL[T any] struct {
	mu            sync.Mutex
	value         T
	loaded        bool
	lastRefreshed time.Time
	ttl           time.Duration
	refresh       RefreshFunc[T]
	now           func() time.Time
}

func NewTTL[T any](ttl time.Duration, refresh RefreshFunc[T]) *TTL[T] {
	return &TTL[T]{ttl: ttl, refresh: refresh, now: time.Now}
}

// Get returns the cached value, refreshing it first if it expired. When a
// refresh fails and an older value exists, the older value is returned along
// with the error.
func (c *TTL[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.now().Sub(c.lastRefreshed) < c.ttl {
		return c.value, nil
	}
	err := c.refreshLocked(ctx)
	return c.value, err
}

// Refresh reloads the value regardless of age.
func (c *TTL[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// LastRefreshed returns the time of the last successful refresh.
func (c *TTL[T]) LastRefreshed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefreshed
}

func (c *TTL[T]) refreshLocked(ctx context.Context) error {
	v, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	c.value, c.loaded, c.lastRefreshed = v, true, c.now()
	return nil
}

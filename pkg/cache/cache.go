// Package cache is a small thread-safe in-memory cache with TTL support. The
// sync uses it to hold collection and playlist snapshots between runs.
package cache

import (
	"sync"
	"time"
)

// Cache holds items with per-entry expiration.
type Cache struct {
	items map[string]cacheItem
	mu    sync.RWMutex
}

type cacheItem struct {
	value      interface{}
	expiration int64
}

// New creates a new cache instance.
func New() *Cache {
	return &Cache{
		items: make(map[string]cacheItem),
	}
}

// Set stores an item with the given TTL. A zero TTL never expires.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	c.items[key] = cacheItem{value: value, expiration: exp}
}

// Get retrieves an item. Expired entries read as missing.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found {
		return nil, false
	}
	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		return nil, false
	}
	return item.value, true
}

// Delete removes an item from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Clear removes all items from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]cacheItem)
}

// ItemCount returns the number of stored items, expired or not.
func (c *Cache) ItemCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// GetWithFunc returns the cached value for key, or computes and stores it via
// fn when missing.
func (c *Cache) GetWithFunc(key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	if val, found := c.Get(key); found {
		return val, nil
	}

	val, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(key, val, ttl)
	return val, nil
}

package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheKey struct {
	connectionID string
	flags        string
}

// Cache memoizes introspected catalogs per (connection_id, flags) with a TTL.
// Entries expire independently of hits; the LRU bound caps memory.
type Cache struct {
	lru *expirable.LRU[cacheKey, *Catalog]
}

func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries < 1 {
		maxEntries = 32
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		lru: expirable.NewLRU[cacheKey, *Catalog](maxEntries, nil, ttl),
	}
}

// Get introspects dbPath unless a fresh entry exists for the key.
func (c *Cache) Get(ctx context.Context, connectionID, flags, dbPath string) (*Catalog, error) {
	key := cacheKey{connectionID: connectionID, flags: flags}
	if cat, ok := c.lru.Get(key); ok {
		return cat, nil
	}
	cat, err := Introspect(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, cat)
	return cat, nil
}

// Invalidate drops all cached entries for a connection.
func (c *Cache) Invalidate(connectionID string) {
	for _, key := range c.lru.Keys() {
		if key.connectionID == connectionID {
			c.lru.Remove(key)
		}
	}
}

package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds decoded blob bytes for an open store.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Has(key string) bool
	Remove(key string)
	Clear()
}

// LRUCache is a size-bounded Cache.
type LRUCache struct {
	items *lru.Cache[string, []byte]
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) (*LRUCache, error) {
	items, err := lru.New[string, []byte](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUCache{items: items}, nil
}

func (c *LRUCache) Get(key string) ([]byte, bool) { return c.items.Get(key) }
func (c *LRUCache) Add(key string, value []byte)  { c.items.Add(key, value) }
func (c *LRUCache) Has(key string) bool           { return c.items.Contains(key) }
func (c *LRUCache) Remove(key string)             { c.items.Remove(key) }
func (c *LRUCache) Clear()                        { c.items.Purge() }

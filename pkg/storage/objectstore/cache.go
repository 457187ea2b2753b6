package objectstore

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached keeps recently retrieved payloads in an LRU. Keys are immutable and
// never reused, so an entry can only go stale through Remove, which evicts it.
// A Retrieve that overlaps any Remove does not populate the cache, otherwise
// bytes read before the delete could be cached after it.
type Cached struct {
	next  Client
	cache *lru.Cache[string, []byte]

	mu       sync.Mutex
	removals uint64
}

// NewCached wraps next with an LRU holding up to size payloads.
func NewCached(next Client, size int) (*Cached, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create retrieval cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error) {
	return c.next.Store(ctx, data, fileName, contentType)
}

func (c *Cached) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.cache.Get(key); ok {
		return clone(data), nil
	}

	c.mu.Lock()
	seen := c.removals
	c.mu.Unlock()

	data, err := c.next.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.removals == seen {
		c.cache.Add(key, clone(data))
	}
	c.mu.Unlock()
	return data, nil
}

func (c *Cached) ContentType(ctx context.Context, key string) (string, error) {
	return c.next.ContentType(ctx, key)
}

// Remove evicts before and after the backend delete, so a Retrieve running
// at any point during the delete sees a changed removal count.
func (c *Cached) Remove(ctx context.Context, key string) error {
	c.evict(key)
	err := c.next.Remove(ctx, key)
	c.evict(key)
	return err
}

func (c *Cached) evict(key string) {
	c.mu.Lock()
	c.removals++
	c.cache.Remove(key)
	c.mu.Unlock()
}

func (c *Cached) Close() error {
	c.cache.Purge()
	return c.next.Close()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

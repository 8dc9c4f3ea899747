package store

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with an in-process, read-through cache keyed
// by (prefix, key). Reads check the local map before going to the
// backing Store; writes from this process populate the cache directly
// (write-through) so a caller never observes its own write as stale.
// Entries expire on TTL; a miss is cached negatively only when the
// caller's GetOptions.CacheNotFound asks for it.
//
// Grounded on the teacher's mu sync.RWMutex-guarded shared-map convention
// (node/sync.go, node/p2p_runtime.go): many concurrent readers, exclusive
// whenever an entry is filled, written, invalidated or purged.
type CachedStore struct {
	backing Store
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	prefix rawPrefix
	key    string
}

type cacheEntry struct {
	value     []byte
	notFound  bool
	expiresAt time.Time
}

// NewCachedStore wraps backing with a read-through cache whose entries
// live for ttl.
func NewCachedStore(backing Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backing: backing,
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

func (c *CachedStore) lookup(k cacheKey) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if !ok || e.expiresAt.Before(time.Now()) {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *CachedStore) store(k cacheKey, e cacheEntry) {
	e.expiresAt = time.Now().Add(c.ttl)
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
}

func (c *CachedStore) invalidate(k cacheKey) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

func (c *CachedStore) GetCloned(ctx context.Context, prefix rawPrefix, key string, opts GetOptions) ([]byte, error) {
	k := cacheKey{prefix: prefix, key: key}
	if e, ok := c.lookup(k); ok {
		if e.notFound {
			return nil, ErrNotFound
		}
		return e.value, nil
	}
	value, err := c.backing.GetCloned(ctx, prefix, key, opts)
	switch {
	case err == nil:
		c.store(k, cacheEntry{value: value})
		return value, nil
	case err == ErrNotFound:
		if opts.CacheNotFound {
			c.store(k, cacheEntry{notFound: true})
		}
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

func (c *CachedStore) Put(ctx context.Context, prefix rawPrefix, key string, value []byte) error {
	if err := c.backing.Put(ctx, prefix, key, value); err != nil {
		return err
	}
	c.store(cacheKey{prefix: prefix, key: key}, cacheEntry{value: value})
	return nil
}

func (c *CachedStore) PutIfNotExists(ctx context.Context, prefix rawPrefix, key string, value []byte) ([]byte, bool, error) {
	existing, conflict, err := c.backing.PutIfNotExists(ctx, prefix, key, value)
	if err != nil {
		return nil, false, err
	}
	k := cacheKey{prefix: prefix, key: key}
	if conflict {
		c.store(k, cacheEntry{value: existing})
	} else {
		c.store(k, cacheEntry{value: value})
	}
	return existing, conflict, nil
}

func (c *CachedStore) PutIfNotExistsWithExpiration(ctx context.Context, prefix rawPrefix, key string, value []byte, expiresAt time.Time) ([]byte, bool, error) {
	existing, conflict, err := c.backing.PutIfNotExistsWithExpiration(ctx, prefix, key, value, expiresAt)
	if err != nil {
		return nil, false, err
	}
	k := cacheKey{prefix: prefix, key: key}
	if conflict {
		c.store(k, cacheEntry{value: existing})
	} else {
		c.store(k, cacheEntry{value: value})
	}
	return existing, conflict, nil
}

// DeleteAll purges the backing store and invalidates every local entry.
func (c *CachedStore) DeleteAll(ctx context.Context) error {
	if err := c.backing.DeleteAll(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()
	return nil
}

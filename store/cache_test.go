package store

import (
	"context"
	"testing"
	"time"
)

type countingStore struct {
	gets int
	data map[string][]byte
}

func newCountingStore() *countingStore { return &countingStore{data: make(map[string][]byte)} }

func (c *countingStore) GetCloned(ctx context.Context, prefix rawPrefix, key string, opts GetOptions) ([]byte, error) {
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (c *countingStore) Put(ctx context.Context, prefix rawPrefix, key string, value []byte) error {
	c.data[key] = value
	return nil
}

func (c *countingStore) PutIfNotExists(ctx context.Context, prefix rawPrefix, key string, value []byte) ([]byte, bool, error) {
	if existing, ok := c.data[key]; ok {
		return existing, true, nil
	}
	c.data[key] = value
	return nil, false, nil
}

func (c *countingStore) PutIfNotExistsWithExpiration(ctx context.Context, prefix rawPrefix, key string, value []byte, expiresAt time.Time) ([]byte, bool, error) {
	return c.PutIfNotExists(ctx, prefix, key, value)
}

func (c *countingStore) DeleteAll(ctx context.Context) error {
	c.data = make(map[string][]byte)
	return nil
}

func TestCachedStoreReadThrough(t *testing.T) {
	backing := newCountingStore()
	backing.data["a"] = []byte("v1")
	cached := NewCachedStore(backing, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := cached.GetCloned(ctx, "p", "a", GetOptions{})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(v) != "v1" {
			t.Fatalf("got %q", v)
		}
	}
	if backing.gets != 1 {
		t.Fatalf("expected exactly 1 backing fetch, got %d", backing.gets)
	}
}

func TestCachedStoreWriteThroughIsImmediatelyVisible(t *testing.T) {
	backing := newCountingStore()
	cached := NewCachedStore(backing, time.Minute)
	ctx := context.Background()

	if err := cached.Put(ctx, "p", "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := cached.GetCloned(ctx, "p", "k", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q", v)
	}
	if backing.gets != 0 {
		t.Fatalf("write-through get should not hit the backing store, got %d fetches", backing.gets)
	}
}

func TestCachedStoreNegativeCachingOptIn(t *testing.T) {
	backing := newCountingStore()
	cached := NewCachedStore(backing, time.Minute)
	ctx := context.Background()

	if _, err := cached.GetCloned(ctx, "p", "missing", GetOptions{CacheNotFound: true}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cached.GetCloned(ctx, "p", "missing", GetOptions{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second lookup, got %v", err)
	}
	if backing.gets != 1 {
		t.Fatalf("negative cache should have avoided the second backing fetch, got %d fetches", backing.gets)
	}
}

func TestCachedStoreDeleteAllInvalidates(t *testing.T) {
	backing := newCountingStore()
	cached := NewCachedStore(backing, time.Minute)
	ctx := context.Background()

	if err := cached.Put(ctx, "p", "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cached.DeleteAll(ctx); err != nil {
		t.Fatalf("delete_all: %v", err)
	}
	if _, err := cached.GetCloned(ctx, "p", "k", GetOptions{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete_all, got %v", err)
	}
}

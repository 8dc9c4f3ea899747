package store

import (
	"context"
	"encoding/json"
	"time"
)

// Prefix binds a key type K and a value type V to a single KV namespace.
// It is the "phantom type parameter on get/put" the typed store contract
// calls for: the namespace name lives on the Prefix value, and every
// operation on it is type-checked at the call site instead of inside the
// Store implementation.
type Prefix[K any, V any] struct {
	name    rawPrefix
	keyFunc func(K) string
}

// NewPrefix constructs a Prefix bound to name, using keyFunc to render a
// key value to its string form on the wire.
func NewPrefix[K any, V any](name string, keyFunc func(K) string) Prefix[K, V] {
	return Prefix[K, V]{name: rawPrefix(name), keyFunc: keyFunc}
}

// GetCloned fetches and JSON-decodes the value stored under key.
func (p Prefix[K, V]) GetCloned(ctx context.Context, s Store, key K, opts GetOptions) (V, error) {
	var zero V
	raw, err := s.GetCloned(ctx, p.name, p.keyFunc(key), opts)
	if err != nil {
		return zero, err
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, &StorageError{Op: "decode " + string(p.name), Err: err}
	}
	return v, nil
}

// Put JSON-encodes value and writes it unconditionally.
func (p Prefix[K, V]) Put(ctx context.Context, s Store, key K, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &StorageError{Op: "encode " + string(p.name), Err: err}
	}
	return s.Put(ctx, p.name, p.keyFunc(key), raw)
}

// PutIfNotExists atomically writes value only if key is absent.
func (p Prefix[K, V]) PutIfNotExists(ctx context.Context, s Store, key K, value V) (existing V, conflict bool, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return existing, false, &StorageError{Op: "encode " + string(p.name), Err: err}
	}
	existingRaw, conflict, err := s.PutIfNotExists(ctx, p.name, p.keyFunc(key), raw)
	if err != nil || !conflict {
		return existing, conflict, err
	}
	if err := json.Unmarshal(existingRaw, &existing); err != nil {
		return existing, true, &StorageError{Op: "decode " + string(p.name), Err: err}
	}
	return existing, true, nil
}

// PutIfNotExistsWithExpiration is PutIfNotExists plus an absolute TTL.
func (p Prefix[K, V]) PutIfNotExistsWithExpiration(ctx context.Context, s Store, key K, value V, expiresAt time.Time) (existing V, conflict bool, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return existing, false, &StorageError{Op: "encode " + string(p.name), Err: err}
	}
	existingRaw, conflict, err := s.PutIfNotExistsWithExpiration(ctx, p.name, p.keyFunc(key), raw, expiresAt)
	if err != nil || !conflict {
		return existing, conflict, err
	}
	if err := json.Unmarshal(existingRaw, &existing); err != nil {
		return existing, true, &StorageError{Op: "decode " + string(p.name), Err: err}
	}
	return existing, true, nil
}

// Name returns the namespace's wire name, for diagnostics.
func (p Prefix[K, V]) Name() string { return string(p.name) }

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is an embedded, single-process Store backed by bbolt: one
// bucket per prefix, created on demand. It exists alongside HTTPStore as
// a production option for deployments that don't run a separate
// storage-proxy tier — bbolt gives the same put-if-absent atomicity
// within a single process that the proxy gives across replicas.
//
// Grounded on node/store/db.go's bucket-per-concern layout and
// Open/Close/Put*/Get* method shape, repurposed from block/header/UTXO
// storage to typed DAP config storage.
type BoltStore struct {
	db *bolt.DB
}

// boltEnvelope wraps a stored value with its optional absolute
// expiration, since bbolt itself has no TTL concept.
type boltEnvelope struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) bucket(tx *bolt.Tx, prefix rawPrefix) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(prefix))
}

func (s *BoltStore) GetCloned(ctx context.Context, prefix rawPrefix, key string, opts GetOptions) ([]byte, error) {
	var env boltEnvelope
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	if !found || env.expired() {
		return nil, ErrNotFound
	}
	return env.Value, nil
}

func (e boltEnvelope) expired() bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(nowBolt())
}

// nowBolt is a seam for time.Now so it can be read in one place; bbolt
// storage has no other use for wall-clock time.
func nowBolt() time.Time { return time.Now() }

func (s *BoltStore) Put(ctx context.Context, prefix rawPrefix, key string, value []byte) error {
	raw, err := json.Marshal(boltEnvelope{Value: value})
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, prefix)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

func (s *BoltStore) PutIfNotExists(ctx context.Context, prefix rawPrefix, key string, value []byte) ([]byte, bool, error) {
	return s.putIfNotExists(prefix, key, value, nil)
}

func (s *BoltStore) PutIfNotExistsWithExpiration(ctx context.Context, prefix rawPrefix, key string, value []byte, expiresAt time.Time) ([]byte, bool, error) {
	return s.putIfNotExists(prefix, key, value, &expiresAt)
}

// putIfNotExists relies on bbolt's single-writer-transaction model for
// atomicity: the read and the conditional write happen inside the same
// Update call, so no other writer can interleave.
func (s *BoltStore) putIfNotExists(prefix rawPrefix, key string, value []byte, expiresAt *time.Time) ([]byte, bool, error) {
	var existing []byte
	var conflict bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, prefix)
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(key)); raw != nil {
			var env boltEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if !env.expired() {
				conflict = true
				existing = env.Value
				return nil
			}
		}
		raw, err := json.Marshal(boltEnvelope{Value: value, ExpiresAt: expiresAt})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return nil, false, &StorageError{Op: "put_if_not_exists", Err: err}
	}
	return existing, conflict, nil
}

func (s *BoltStore) DeleteAll(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "delete_all", Err: err}
	}
	return nil
}

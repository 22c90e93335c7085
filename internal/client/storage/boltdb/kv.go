package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/sessionguard/internal/client/storage"
)

// Compile-time check that Storage implements storage.KV
var _ storage.KV = (*Storage)(nil)

// Get retrieves the value stored under key
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return fmt.Errorf("kv bucket not found")
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return storage.ErrNotFound
		}

		// Значение валидно только внутри транзакции, поэтому копируем
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Set stores value under key
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return fmt.Errorf("kv bucket not found")
		}

		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to save %q: %w", key, err)
		}

		return nil
	})
}

// Remove deletes key; a missing key is not an error
func (s *Storage) Remove(ctx context.Context, key string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return fmt.Errorf("kv bucket not found")
		}

		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}

		return nil
	})
}

// Package memory реализует storage.KV в памяти процесса.
// Используется, когда путь к БД не задан, и в тестах.
package memory

import (
	"context"
	"sync"

	"github.com/iudanet/sessionguard/internal/client/storage"
)

var _ storage.KV = (*KV)(nil)

// KV is a map-backed storage.KV safe for concurrent use
type KV struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// New creates an empty in-memory KV
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set stores a copy of value under key
func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.data[key] = stored
	s.mu.Unlock()
	return nil
}

// Remove deletes key
func (s *KV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

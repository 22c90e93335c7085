package storage

import (
	"context"
)

//go:generate moq -out kv_mock.go . KV

// KV is the persistent key-value store used by the session store and the offline queue.
// Values are opaque blobs (JSON in practice). In-memory state of the callers is
// authoritative; the store only has to survive process restarts.
type KV interface {
	// Get returns the value stored under key
	// Returns ErrNotFound if the key doesn't exist
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Well-known keys
const (
	KeySession      = "session"
	KeyOfflineQueue = "offline_queue"
)

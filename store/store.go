// Package store defines the backing store interface and implementations.
package store

import "context"

// Store is the interface that all backing stores must implement.
// It is a flat key/value space; values are opaque JSON documents.
// Implementations report faults as errors; the Storage wrapper decides
// what callers see.
type Store interface {
	// Get returns the raw value for key, or nil if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put inserts or replaces the value for key.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes a key. Returns true if it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any underlying resources.
	Close() error
}

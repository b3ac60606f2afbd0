package store

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// DefaultPrefix namespaces CRM keys inside a shared backend.
const DefaultPrefix = "crm_"

// Storage is the namespaced JSON view over a Store. It never returns
// errors: faults are logged and reported as nil or false, so callers can
// keep working against their in-memory state.
type Storage struct {
	backend Store
	prefix  string
	logger  *zap.Logger
}

// NewStorage wraps backend, namespacing every key with prefix.
func NewStorage(backend Store, prefix string, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{backend: backend, prefix: prefix, logger: logger.Named("storage")}
}

// Prefix returns the key namespace.
func (s *Storage) Prefix() string { return s.prefix }

// Get returns the decoded value for key. A missing key, a backend error and
// an unparseable value all yield nil.
func (s *Storage) Get(ctx context.Context, key string) any {
	raw, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		s.logger.Error("storage get failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("storage value unparseable, treating as absent", zap.String("key", key), zap.Error(err))
		return nil
	}
	return v
}

// Set encodes value as JSON and stores it under key.
func (s *Storage) Set(ctx context.Context, key string, value any) bool {
	b, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("storage encode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := s.backend.Put(ctx, s.prefix+key, b); err != nil {
		s.logger.Error("storage set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Remove deletes key. Removing a missing key succeeds.
func (s *Storage) Remove(ctx context.Context, key string) bool {
	if _, err := s.backend.Delete(ctx, s.prefix+key); err != nil {
		s.logger.Error("storage remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// GetAll returns every namespaced value keyed by its un-prefixed name.
// Unparseable entries are skipped.
func (s *Storage) GetAll(ctx context.Context) map[string]any {
	out := map[string]any{}
	keys, err := s.backend.Keys(ctx, s.prefix)
	if err != nil {
		s.logger.Error("storage getAll failed", zap.Error(err))
		return out
	}
	for _, full := range keys {
		key := strings.TrimPrefix(full, s.prefix)
		if v := s.Get(ctx, key); v != nil {
			out[key] = v
		}
	}
	return out
}

// SetAll stores every entry of data. It keeps going after a failed key and
// reports false if any key failed.
func (s *Storage) SetAll(ctx context.Context, data map[string]any) bool {
	ok := true
	for key, value := range data {
		if !s.Set(ctx, key, value) {
			ok = false
		}
	}
	return ok
}

// Clear removes every key under the namespace and nothing else.
func (s *Storage) Clear(ctx context.Context) bool {
	keys, err := s.backend.Keys(ctx, s.prefix)
	if err != nil {
		s.logger.Error("storage clear failed", zap.Error(err))
		return false
	}
	ok := true
	for _, full := range keys {
		if _, err := s.backend.Delete(ctx, full); err != nil {
			s.logger.Error("storage clear failed", zap.String("key", full), zap.Error(err))
			ok = false
		}
	}
	return ok
}

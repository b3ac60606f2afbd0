package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/stevemurr/crm-sync-server/store"
)

// StoragePrefix namespaces schema keys so they never collide with the
// record cache sharing the same backend.
const StoragePrefix = "crmschema_"

// ErrNotStored is returned when the backend refused a schema write.
var ErrNotStored = errors.New("schema: not stored")

// Registry keeps one schema per collection in storage.
type Registry struct {
	storage *store.Storage
}

// NewRegistry returns a Registry backed by storage, which should use
// StoragePrefix.
func NewRegistry(storage *store.Storage) *Registry {
	return &Registry{storage: storage}
}

// Get returns the schema registered for collection.
func (r *Registry) Get(ctx context.Context, collection string) (map[string]any, bool) {
	s, ok := r.storage.Get(ctx, collection).(map[string]any)
	return s, ok
}

// Put registers s for collection, replacing any previous schema.
func (r *Registry) Put(ctx context.Context, collection string, s map[string]any) error {
	if err := CheckSchema(s); err != nil {
		return err
	}
	if !r.storage.Set(ctx, collection, s) {
		return fmt.Errorf("%w: %s", ErrNotStored, collection)
	}
	return nil
}

// Delete removes the schema for collection and reports whether one was
// registered.
func (r *Registry) Delete(ctx context.Context, collection string) (bool, error) {
	if _, ok := r.Get(ctx, collection); !ok {
		return false, nil
	}
	if !r.storage.Remove(ctx, collection) {
		return true, fmt.Errorf("%w: %s", ErrNotStored, collection)
	}
	return true, nil
}

// All returns every registered schema keyed by collection.
func (r *Registry) All(ctx context.Context) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, v := range r.storage.GetAll(ctx) {
		if s, ok := v.(map[string]any); ok {
			out[name] = s
		}
	}
	return out
}

// Check validates doc against the collection's schema, if any. partial
// selects ValidatePatch semantics.
func (r *Registry) Check(ctx context.Context, collection string, doc map[string]any, partial bool) error {
	s, ok := r.Get(ctx, collection)
	if !ok {
		return nil
	}
	if partial {
		return ValidatePatch(s, doc)
	}
	return Validate(s, doc)
}

// Package manager owns the CRM cache: it loads it from storage, seeds it,
// syncs it from a remote source, serves queries and CRUD over it, persists
// every change and announces it on the event bus.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stevemurr/crm-sync-server/events"
	"github.com/stevemurr/crm-sync-server/record"
	"github.com/stevemurr/crm-sync-server/remote"
	"github.com/stevemurr/crm-sync-server/seed"
	"github.com/stevemurr/crm-sync-server/store"
)

// State is the lifecycle of the cache.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "uninitialized"
}

const (
	DefaultFlushInterval = 30 * time.Second
	DefaultSyncTimeout   = 10 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// collection holds one entity type. writeMu serializes writers across
// mutate, persist and publish; mu guards records and is only held for the
// in-memory part, so readers (including event handlers) never wait on I/O.
type collection struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	records []record.Record
}

type singleton struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	rec     record.Record
}

// Manager is the data manager. Create one with New and share it; the zero
// value is not usable.
type Manager struct {
	storage *store.Storage
	fetcher remote.Fetcher
	bus     *events.Bus
	logger  *zap.Logger
	metrics *metrics

	flushInterval time.Duration
	syncTimeout   time.Duration
	seedMock      bool
	now           func() string
	registerer    prometheus.Registerer

	mu          sync.RWMutex
	collections map[string]*collection
	singletons  map[string]*singleton

	state     atomic.Int32
	usingMock atomic.Bool
	resync    chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithFlushInterval sets how often Run writes the whole cache to storage.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithSyncTimeout bounds remote syncs started by Initialize and Run.
func WithSyncTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.syncTimeout = d
		}
	}
}

// WithMetrics registers the manager's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// WithMockSeed controls whether an empty cache is seeded with demo data.
func WithMockSeed(enabled bool) Option {
	return func(m *Manager) { m.seedMock = enabled }
}

// WithClock replaces the timestamp source.
func WithClock(now func() string) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager. fetcher may be nil, meaning no remote is configured.
func New(storage *store.Storage, fetcher remote.Fetcher, bus *events.Bus, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = remote.NotConfigured{}
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	m := &Manager{
		storage:       storage,
		fetcher:       fetcher,
		bus:           bus,
		logger:        logger.Named("manager"),
		flushInterval: DefaultFlushInterval,
		syncTimeout:   DefaultSyncTimeout,
		seedMock:      true,
		now:           record.Now,
		collections:   make(map[string]*collection),
		singletons:    make(map[string]*singleton),
		resync:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMetrics(m.registerer)
	bus.OnDrop(func(events.Name) { m.metrics.eventDrops.Inc() })
	return m
}

// Events returns the bus changes are published on.
func (m *Manager) Events() *events.Bus { return m.bus }

// State reports the cache lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// UsingMockData reports whether the cache currently holds seeded demo data
// rather than data loaded from storage or the remote.
func (m *Manager) UsingMockData() bool { return m.usingMock.Load() }

func (m *Manager) coll(name string, create bool) *collection {
	m.mu.RLock()
	c := m.collections[name]
	m.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.collections[name]; c == nil {
		c = &collection{}
		m.collections[name] = c
	}
	return c
}

func (m *Manager) single(name string, create bool) *singleton {
	m.mu.RLock()
	s := m.singletons[name]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.singletons[name]; s == nil {
		s = &singleton{}
		m.singletons[name] = s
	}
	return s
}

// MetaKey is the storage key holding cache metadata. It is not a collection.
const MetaKey = "_meta"

// MockMeta is the MetaKey value marking the stored cache as demo data, so
// the mock flag survives a restart.
func MockMeta() map[string]any { return map[string]any{"mock": true} }

func checkCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCollection)
	}
	if name == MetaKey {
		return fmt.Errorf("%w: %s is reserved", ErrInvalidCollection, name)
	}
	if seed.IsSingleton(name) {
		return fmt.Errorf("%w: %s is a singleton", ErrInvalidCollection, name)
	}
	return nil
}

// Collections returns the cached collection names, sorted.
func (m *Manager) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of the whole cache: collections as record
// slices and singletons as records, keyed the way they are persisted.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	cols := make(map[string]*collection, len(m.collections))
	for k, v := range m.collections {
		cols[k] = v
	}
	singles := make(map[string]*singleton, len(m.singletons))
	for k, v := range m.singletons {
		singles[k] = v
	}
	m.mu.RUnlock()

	out := make(map[string]any, len(cols)+len(singles))
	for name, c := range cols {
		c.mu.RLock()
		out[name] = record.CloneAll(c.records)
		c.mu.RUnlock()
	}
	for name, s := range singles {
		s.mu.RLock()
		out[name] = record.Clone(s.rec)
		s.mu.RUnlock()
	}
	return out
}

func (m *Manager) isEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections) == 0 && len(m.singletons) == 0
}

// Initialize loads the cache from storage, then attempts a remote sync, then
// seeds demo data if the cache is still empty. Remote and storage failures
// are logged, never returned.
func (m *Manager) Initialize(ctx context.Context) {
	m.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading))

	if stored := m.storage.GetAll(ctx); len(stored) > 0 {
		m.hydrate(stored)
		m.logger.Info("cache loaded from storage", zap.Int("keys", len(stored)))
		m.bus.Publish(events.Event{Name: events.DataLoaded, Snapshot: m.Snapshot()})
	}

	sctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	err := m.SyncWithRemote(sctx)
	cancel()
	if err != nil {
		m.logger.Debug("initial sync skipped", zap.Error(err))
	}

	if m.isEmpty() && m.seedMock {
		m.loadMock(ctx)
	}
	m.state.Store(int32(StateReady))
}

func (m *Manager) hydrate(stored map[string]any) {
	for key, v := range stored {
		if key == MetaKey {
			meta, _ := v.(map[string]any)
			mock, _ := meta["mock"].(bool)
			m.usingMock.Store(mock)
			continue
		}
		if seed.IsSingleton(key) {
			if rec, ok := record.SingletonFromValue(v); ok {
				s := m.single(key, true)
				s.mu.Lock()
				s.rec = rec
				s.mu.Unlock()
			}
			continue
		}
		recs, ok := record.FromValue(v)
		if !ok {
			m.logger.Warn("ignoring stored key with unexpected shape", zap.String("key", key))
			continue
		}
		c := m.coll(key, true)
		c.mu.Lock()
		c.records = recs
		c.mu.Unlock()
		m.metrics.records.WithLabelValues(key).Set(float64(len(recs)))
	}
}

func (m *Manager) loadMock(ctx context.Context) {
	data := make(map[string]any)
	for name, recs := range seed.Collections() {
		data[name] = recs
	}
	for name, rec := range seed.Singletons() {
		data[name] = rec
	}
	m.hydrate(data)
	m.usingMock.Store(true)
	m.logger.Warn("cache seeded with mock data")
	data[MetaKey] = MockMeta()
	if !m.storage.SetAll(ctx, data) {
		m.metrics.persistFailures.WithLabelValues("*").Inc()
	}
	m.bus.Publish(events.Event{Name: events.DataLoaded, Snapshot: m.Snapshot()})
}

// SyncWithRemote replaces every collection the remote returns, persists the
// whole cache and publishes dataSynced. On failure the cache is left as is
// and the error (wrapping ErrRemoteUnavailable) is logged and returned.
func (m *Manager) SyncWithRemote(ctx context.Context) error {
	snap, err := m.fetcher.FetchAll(ctx)
	if err != nil {
		m.metrics.syncs.WithLabelValues("failure").Inc()
		if errors.Is(err, remote.ErrNotConfigured) {
			m.logger.Debug("sync failed", zap.Error(err))
		} else {
			m.logger.Warn("sync failed", zap.Error(err))
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		return err
	}

	for name, recs := range snap {
		if checkCollectionName(name) != nil {
			m.logger.Warn("ignoring remote collection", zap.String("collection", name))
			continue
		}
		c := m.coll(name, true)
		c.writeMu.Lock()
		c.mu.Lock()
		c.records = record.CloneAll(recs)
		c.mu.Unlock()
		c.writeMu.Unlock()
		m.metrics.records.WithLabelValues(name).Set(float64(len(recs)))
	}
	if m.usingMock.Swap(false) && !m.storage.Remove(ctx, MetaKey) {
		m.metrics.persistFailures.WithLabelValues(MetaKey).Inc()
	}
	m.Flush(ctx)
	m.metrics.syncs.WithLabelValues("success").Inc()
	m.logger.Info("synced with remote", zap.Int("collections", len(snap)))
	m.bus.Publish(events.Event{Name: events.DataSynced, Snapshot: m.Snapshot()})
	return nil
}

// Flush writes every collection and singleton to storage. Each key is
// written under its collection's writer lock so a flush never overwrites a
// newer write with an older snapshot.
func (m *Manager) Flush(ctx context.Context) bool {
	m.mu.RLock()
	cols := make(map[string]*collection, len(m.collections))
	for k, v := range m.collections {
		cols[k] = v
	}
	singles := make(map[string]*singleton, len(m.singletons))
	for k, v := range m.singletons {
		singles[k] = v
	}
	m.mu.RUnlock()

	ok := true
	for name, c := range cols {
		c.writeMu.Lock()
		if !m.persist(ctx, name, c) {
			ok = false
		}
		c.writeMu.Unlock()
	}
	for name, s := range singles {
		s.writeMu.Lock()
		s.mu.RLock()
		written := m.storage.Set(ctx, name, s.rec)
		s.mu.RUnlock()
		s.writeMu.Unlock()
		if !written {
			m.metrics.persistFailures.WithLabelValues(name).Inc()
			ok = false
		}
	}
	return ok
}

// persist writes c to storage. The caller holds c.writeMu.
func (m *Manager) persist(ctx context.Context, name string, c *collection) bool {
	c.mu.RLock()
	ok := m.storage.Set(ctx, name, c.records)
	c.mu.RUnlock()
	if !ok {
		m.metrics.persistFailures.WithLabelValues(name).Inc()
	}
	return ok
}

// publishChange announces a single-record change followed by the full
// collection. The caller holds c.writeMu.
func (m *Manager) publishChange(name string, kind events.Kind, rec record.Record, c *collection) {
	c.mu.RLock()
	all := record.CloneAll(c.records)
	c.mu.RUnlock()
	m.metrics.operations.WithLabelValues(name, string(kind)).Inc()
	m.metrics.records.WithLabelValues(name).Set(float64(len(all)))
	m.bus.Publish(events.Event{Name: events.For(name, kind), Collection: name, Record: record.Clone(rec)})
	m.bus.Publish(events.Event{Name: events.For(name, events.Changed), Collection: name, Records: all})
}

// Get queries a collection. Unknown collections yield an empty page.
func (m *Manager) Get(name string, q Query) Page {
	c := m.coll(name, false)
	if c == nil {
		return runQuery(nil, q)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return runQuery(c.records, q)
}

// GetByID returns a copy of the record with id, if present.
func (m *Manager) GetByID(name, id string) (record.Record, bool) {
	c := m.coll(name, false)
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.records {
		if r.ID() == id {
			return record.Clone(r), true
		}
	}
	return nil, false
}

func indexOf(records []record.Record, id string) int {
	return slices.IndexFunc(records, func(r record.Record) bool { return r.ID() == id })
}

// Create appends item with a fresh id and timestamps. Caller-supplied id,
// createdAt and updatedAt are overwritten.
func (m *Manager) Create(ctx context.Context, name string, item record.Record) (record.Record, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	if err := record.Encodable(item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rec := record.Clone(item)
	if rec == nil {
		rec = record.Record{}
	}
	now := m.now()
	rec[record.FieldID] = record.NewID()
	rec[record.FieldCreatedAt] = now
	rec[record.FieldUpdatedAt] = now

	c := m.coll(name, true)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()

	m.persist(ctx, name, c)
	m.publishChange(name, events.Created, rec, c)
	return record.Clone(rec), nil
}

// laterOf keeps updatedAt from sorting before createdAt when the stored
// createdAt came from a clock ahead of ours.
func laterOf(createdAt any, now string) string {
	cs, ok := createdAt.(string)
	if !ok {
		return now
	}
	ct, err1 := record.ParseTime(cs)
	nt, err2 := record.ParseTime(now)
	if err1 == nil && err2 == nil && ct.After(nt) {
		return cs
	}
	return now
}

// Update shallow-merges updates into the record with id. id and createdAt
// cannot be changed; updatedAt is refreshed.
func (m *Manager) Update(ctx context.Context, name, id string, updates record.Record) (record.Record, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	if err := record.Encodable(updates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	c := m.coll(name, false)
	if c == nil {
		return nil, &NotFoundError{Collection: name, ID: id}
	}
	patch := record.Clone(updates)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	idx := indexOf(c.records, id)
	if idx < 0 {
		c.mu.Unlock()
		return nil, &NotFoundError{Collection: name, ID: id}
	}
	existing := c.records[idx]
	merged := make(record.Record, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	merged[record.FieldID] = existing[record.FieldID]
	if created, ok := existing[record.FieldCreatedAt]; ok {
		merged[record.FieldCreatedAt] = created
	} else {
		delete(merged, record.FieldCreatedAt)
	}
	merged[record.FieldUpdatedAt] = laterOf(existing[record.FieldCreatedAt], m.now())
	c.records[idx] = merged
	c.mu.Unlock()

	m.persist(ctx, name, c)
	m.publishChange(name, events.Updated, merged, c)
	return record.Clone(merged), nil
}

// Delete removes the record with id and returns it.
func (m *Manager) Delete(ctx context.Context, name, id string) (record.Record, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	c := m.coll(name, false)
	if c == nil {
		return nil, &NotFoundError{Collection: name, ID: id}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	idx := indexOf(c.records, id)
	if idx < 0 {
		c.mu.Unlock()
		return nil, &NotFoundError{Collection: name, ID: id}
	}
	removed := c.records[idx]
	c.records = slices.Delete(c.records, idx, idx+1)
	c.mu.Unlock()

	m.persist(ctx, name, c)
	m.publishChange(name, events.Deleted, removed, c)
	return record.Clone(removed), nil
}

// Patch is one input to BulkUpdate.
type Patch struct {
	ID   string        `json:"id"`
	Data record.Record `json:"data"`
}

// BulkCreate creates items in order. It stops at the first failure and
// returns the records created so far with a *BatchError; nothing is rolled
// back.
func (m *Manager) BulkCreate(ctx context.Context, name string, items []record.Record) ([]record.Record, error) {
	out := make([]record.Record, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return out, &BatchError{Op: "create", Index: i, Applied: len(out), Err: err}
		}
		rec, err := m.Create(ctx, name, item)
		if err != nil {
			return out, &BatchError{Op: "create", Index: i, Applied: len(out), Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// BulkUpdate applies patches in order with the same fail-fast semantics as
// BulkCreate.
func (m *Manager) BulkUpdate(ctx context.Context, name string, patches []Patch) ([]record.Record, error) {
	out := make([]record.Record, 0, len(patches))
	for i, p := range patches {
		if err := ctx.Err(); err != nil {
			return out, &BatchError{Op: "update", Index: i, Applied: len(out), Err: err}
		}
		rec, err := m.Update(ctx, name, p.ID, p.Data)
		if err != nil {
			return out, &BatchError{Op: "update", Index: i, Applied: len(out), Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// BulkDelete deletes ids in order with the same fail-fast semantics as
// BulkCreate.
func (m *Manager) BulkDelete(ctx context.Context, name string, ids []string) ([]record.Record, error) {
	out := make([]record.Record, 0, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, &BatchError{Op: "delete", Index: i, Applied: len(out), Err: err}
		}
		rec, err := m.Delete(ctx, name, id)
		if err != nil {
			return out, &BatchError{Op: "delete", Index: i, Applied: len(out), Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Singleton returns a copy of the named singleton (user or settings).
func (m *Manager) Singleton(name string) (record.Record, bool) {
	s := m.single(name, false)
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return nil, false
	}
	return record.Clone(s.rec), true
}

// UpdateSingleton shallow-merges updates into the named singleton, creating
// it if needed, persists it and publishes <name>Updated and <name>Changed.
func (m *Manager) UpdateSingleton(ctx context.Context, name string, updates record.Record) (record.Record, error) {
	if !seed.IsSingleton(name) {
		return nil, fmt.Errorf("%w: %s is not a singleton", ErrInvalidCollection, name)
	}
	if err := record.Encodable(updates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	patch := record.Clone(updates)
	s := m.single(name, true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	merged := make(record.Record, len(s.rec)+len(patch))
	for k, v := range s.rec {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	s.rec = merged
	s.mu.Unlock()

	if !m.storage.Set(ctx, name, merged) {
		m.metrics.persistFailures.WithLabelValues(name).Inc()
	}

	m.metrics.operations.WithLabelValues(name, string(events.Updated)).Inc()
	m.bus.Publish(events.Event{Name: events.For(name, events.Updated), Collection: name, Record: record.Clone(merged)})
	m.bus.Publish(events.Event{Name: events.For(name, events.Changed), Collection: name, Record: record.Clone(merged)})
	return record.Clone(merged), nil
}

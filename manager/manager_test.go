package manager_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/stevemurr/crm-sync-server/events"
	"github.com/stevemurr/crm-sync-server/manager"
	"github.com/stevemurr/crm-sync-server/record"
	"github.com/stevemurr/crm-sync-server/remote"
	"github.com/stevemurr/crm-sync-server/seed"
	"github.com/stevemurr/crm-sync-server/store"
)

// TestMain ensures Run and sync goroutines do not leak.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	snap  remote.Snapshot
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) FetchAll(context.Context) (remote.Snapshot, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

// countingStore counts Put calls on top of another store.
type countingStore struct {
	store.Store
	puts atomic.Int32
}

func (c *countingStore) Put(ctx context.Context, key string, data []byte) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, key, data)
}

type brokenStore struct{ *store.MemoryStore }

func (*brokenStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }

type fixture struct {
	m       *manager.Manager
	storage *store.Storage
	bus     *events.Bus
}

func newFixture(t *testing.T, backend store.Store, fetcher remote.Fetcher, opts ...manager.Option) fixture {
	t.Helper()
	if backend == nil {
		backend = store.NewMemoryStore()
	}
	logger := zaptest.NewLogger(t)
	storage := store.NewStorage(backend, store.DefaultPrefix, logger)
	bus := events.NewBus(logger)
	return fixture{
		m:       manager.New(storage, fetcher, bus, logger, opts...),
		storage: storage,
		bus:     bus,
	}
}

func TestCreateUpdateDeleteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	created, err := f.m.Create(ctx, "leads", record.Record{"name": "Ann"})
	require.NoError(t, err)
	id := created.ID()
	require.NotEmpty(t, id)
	assert.Equal(t, created[record.FieldCreatedAt], created[record.FieldUpdatedAt])

	updated, err := f.m.Update(ctx, "leads", id, record.Record{"name": "Ann K"})
	require.NoError(t, err)
	assert.Equal(t, "Ann K", updated["name"])
	assert.Equal(t, id, updated.ID())
	assert.Equal(t, created[record.FieldCreatedAt], updated[record.FieldCreatedAt])
	assert.Greater(t, updated[record.FieldUpdatedAt], updated[record.FieldCreatedAt])

	removed, err := f.m.Delete(ctx, "leads", id)
	require.NoError(t, err)
	assert.Equal(t, "Ann K", removed["name"])

	_, ok := f.m.GetByID("leads", id)
	assert.False(t, ok)
}

func TestGetByIDMatchesCreated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	item := record.Record{
		"name":    "Grace",
		"value":   42,
		"tags":    []any{"vip"},
		"address": map[string]any{"city": "Paris"},
	}
	created, err := f.m.Create(ctx, "contacts", item)
	require.NoError(t, err)

	got, ok := f.m.GetByID("contacts", created.ID())
	require.True(t, ok)
	if diff := cmp.Diff(created, got); diff != "" {
		t.Fatalf("GetByID mismatch (-created +got):\n%s", diff)
	}

	got["name"] = "mutated"
	again, _ := f.m.GetByID("contacts", created.ID())
	assert.Equal(t, "Grace", again["name"], "returned records must not alias the cache")
}

func TestCreateOverwritesServerFields(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.m.Create(context.Background(), "tasks", record.Record{
		"id": "mine", "createdAt": "1999-01-01T00:00:00Z", "subject": "x",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "mine", rec.ID())
	assert.NotEqual(t, "1999-01-01T00:00:00Z", rec[record.FieldCreatedAt])
}

func TestIDsUniqueAcrossCollections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	seen := map[string]bool{}
	for _, name := range seed.CollectionNames {
		for i := 0; i < 20; i++ {
			rec, err := f.m.Create(ctx, name, record.Record{"n": i})
			require.NoError(t, err)
			require.False(t, seen[rec.ID()])
			seen[rec.ID()] = true
		}
	}
}

func TestNotFoundLeavesCollectionUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.m.Create(ctx, "deals", record.Record{"name": "A"})
	require.NoError(t, err)
	before := f.m.Get("deals", manager.Query{})

	_, err = f.m.Update(ctx, "deals", "missing", record.Record{"name": "B"})
	require.ErrorIs(t, err, manager.ErrNotFound)
	var nf *manager.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "deals", nf.Collection)
	assert.Equal(t, "missing", nf.ID)

	_, err = f.m.Delete(ctx, "deals", "missing")
	require.ErrorIs(t, err, manager.ErrNotFound)

	_, err = f.m.Delete(ctx, "never-created", "x")
	require.ErrorIs(t, err, manager.ErrNotFound)

	after := f.m.Get("deals", manager.Query{})
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("collection changed (-before +after):\n%s", diff)
	}
}

func TestInvalidInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	_, err := f.m.Create(ctx, "", record.Record{})
	assert.ErrorIs(t, err, manager.ErrInvalidCollection)
	_, err = f.m.Create(ctx, "user", record.Record{})
	assert.ErrorIs(t, err, manager.ErrInvalidCollection)
	_, err = f.m.Create(ctx, "leads", record.Record{"bad": math.Inf(1)})
	assert.ErrorIs(t, err, manager.ErrInvalidRecord)
	assert.Equal(t, 0, f.m.Get("leads", manager.Query{}).Total)
}

func TestMutationEventsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	var got []events.Event
	collect := func(ev events.Event) { got = append(got, ev) }
	for _, k := range []events.Kind{events.Created, events.Updated, events.Deleted, events.Changed} {
		f.bus.Subscribe(events.For("leads", k), collect)
	}

	rec, err := f.m.Create(ctx, "leads", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = f.m.Update(ctx, "leads", rec.ID(), map[string]any{"name": "Bo"})
	require.NoError(t, err)
	_, err = f.m.Delete(ctx, "leads", rec.ID())
	require.NoError(t, err)

	names := make([]events.Name, 0, len(got))
	for _, ev := range got {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []events.Name{
		"leadsCreated", "leadsChanged",
		"leadsUpdated", "leadsChanged",
		"leadsDeleted", "leadsChanged",
	}, names)

	assert.Equal(t, "Ann", got[0].Record["name"])
	assert.Len(t, got[1].Records, 1)
	assert.Equal(t, "Bo", got[2].Record["name"])
	assert.Equal(t, rec.ID(), got[4].Record.ID())
	assert.Empty(t, got[5].Records)
}

func TestStorageReflectsCacheAfterMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	a, err := f.m.Create(ctx, "leads", record.Record{"name": "A"})
	require.NoError(t, err)
	_, err = f.m.Create(ctx, "leads", record.Record{"name": "B"})
	require.NoError(t, err)
	_, err = f.m.Delete(ctx, "leads", a.ID())
	require.NoError(t, err)

	stored, ok := record.FromValue(f.storage.Get(ctx, "leads"))
	require.True(t, ok)
	if diff := cmp.Diff(f.m.Get("leads", manager.Query{}).Data, stored); diff != "" {
		t.Fatalf("storage diverged from cache (-cache +storage):\n%s", diff)
	}
}

func TestPersistFailureKeepsInMemoryChange(t *testing.T) {
	f := newFixture(t, &brokenStore{MemoryStore: store.NewMemoryStore()}, nil)
	rec, err := f.m.Create(context.Background(), "leads", record.Record{"name": "A"})
	require.NoError(t, err)
	_, ok := f.m.GetByID("leads", rec.ID())
	assert.True(t, ok)
	assert.False(t, f.m.Flush(context.Background()))
}

func TestSubscriberMayReadDuringPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	var seen int
	f.bus.Subscribe("leadsChanged", func(events.Event) {
		seen = f.m.Get("leads", manager.Query{}).Total
	})
	_, err := f.m.Create(ctx, "leads", record.Record{"name": "A"})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.m.Create(ctx, "tasks", record.Record{"subject": fmt.Sprintf("t%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page := f.m.Get("tasks", manager.Query{})
	assert.Equal(t, n, page.Total)
	ids := map[string]bool{}
	for _, r := range page.Data {
		ids[r.ID()] = true
	}
	assert.Len(t, ids, n)

	stored, _ := record.FromValue(f.storage.Get(ctx, "tasks"))
	assert.Len(t, stored, n)
}

func TestBulkCreateFailFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	out, err := f.m.BulkCreate(ctx, "tasks", []record.Record{
		{"subject": "t1"},
		{"subject": "t2", "bad": math.NaN()},
		{"subject": "t3"},
	})
	require.Error(t, err)
	var be *manager.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 1, be.Applied)
	assert.ErrorIs(t, err, manager.ErrInvalidRecord)

	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0]["subject"])
	assert.Equal(t, 1, f.m.Get("tasks", manager.Query{}).Total)
}

func TestBulkUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	created, err := f.m.BulkCreate(ctx, "calls", []record.Record{{"subject": "a"}, {"subject": "b"}})
	require.NoError(t, err)

	updated, err := f.m.BulkUpdate(ctx, "calls", []manager.Patch{
		{ID: created[0].ID(), Data: record.Record{"status": "Done"}},
		{ID: "missing", Data: record.Record{"status": "Done"}},
		{ID: created[1].ID(), Data: record.Record{"status": "Done"}},
	})
	require.ErrorIs(t, err, manager.ErrNotFound)
	require.Len(t, updated, 1)
	b, _ := f.m.GetByID("calls", created[1].ID())
	assert.NotContains(t, b, "status", "items after the failure are not applied")

	deleted, err := f.m.BulkDelete(ctx, "calls", []string{created[0].ID(), created[1].ID()})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)
	assert.Equal(t, 0, f.m.Get("calls", manager.Query{}).Total)
}

func TestBulkStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.m.BulkCreate(ctx, "leads", []record.Record{{"name": "a"}})
	assert.Empty(t, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitializeFromStorage(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	pre := store.NewStorage(backend, store.DefaultPrefix, nil)
	require.True(t, pre.SetAll(ctx, map[string]any{
		"leads": []any{map[string]any{"id": "l1", "name": "Stored"}},
		"user":  map[string]any{"id": "u1"},
	}))

	f := newFixture(t, backend, nil)
	var loaded []events.Event
	f.bus.Subscribe(events.DataLoaded, func(ev events.Event) { loaded = append(loaded, ev) })

	assert.Equal(t, manager.StateUninitialized, f.m.State())
	f.m.Initialize(ctx)
	assert.Equal(t, manager.StateReady, f.m.State())
	assert.False(t, f.m.UsingMockData())

	require.Len(t, loaded, 1)
	assert.Contains(t, loaded[0].Snapshot, "leads")
	r, ok := f.m.GetByID("leads", "l1")
	require.True(t, ok)
	assert.Equal(t, "Stored", r["name"])
	u, ok := f.m.Singleton("user")
	require.True(t, ok)
	assert.Equal(t, "u1", u.ID())
	assert.Equal(t, []string{"leads"}, f.m.Collections())
}

func TestInitializeSeedsMockWhenEmpty(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: remote.ErrNotConfigured}
	f := newFixture(t, nil, fetcher)
	var loaded int
	f.bus.Subscribe(events.DataLoaded, func(events.Event) { loaded++ })

	f.m.Initialize(ctx)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.True(t, f.m.UsingMockData())
	assert.Equal(t, 1, loaded)
	assert.ElementsMatch(t, seed.CollectionNames, f.m.Collections())
	_, ok := f.m.Singleton("settings")
	assert.True(t, ok)

	stored := f.storage.GetAll(ctx)
	assert.Len(t, stored, len(seed.CollectionNames)+len(seed.SingletonNames)+1)
	assert.Equal(t, manager.MockMeta(), stored[manager.MetaKey])
}

func TestMockFlagSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	fetcher := &fakeFetcher{err: remote.ErrNotConfigured}

	first := newFixture(t, backend, fetcher)
	first.m.Initialize(ctx)
	require.True(t, first.m.UsingMockData())

	restarted := newFixture(t, backend, fetcher)
	restarted.m.Initialize(ctx)
	assert.True(t, restarted.m.UsingMockData(), "seeded data reloaded from storage is still demo data")
	assert.NotContains(t, restarted.m.Collections(), manager.MetaKey)

	fetcher.err = nil
	fetcher.snap = remote.Snapshot{"leads": {}}
	require.NoError(t, restarted.m.SyncWithRemote(ctx))
	assert.Nil(t, restarted.storage.Get(ctx, manager.MetaKey))

	fetcher.err = remote.ErrNotConfigured
	again := newFixture(t, backend, fetcher)
	again.m.Initialize(ctx)
	assert.False(t, again.m.UsingMockData())
}

func TestMetaKeyIsReserved(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.m.Create(context.Background(), manager.MetaKey, record.Record{})
	assert.ErrorIs(t, err, manager.ErrInvalidCollection)
}

func TestInitializeWithoutSeeding(t *testing.T) {
	f := newFixture(t, nil, nil, manager.WithMockSeed(false))
	f.m.Initialize(context.Background())
	assert.Empty(t, f.m.Collections())
	assert.False(t, f.m.UsingMockData())
	assert.Equal(t, manager.StateReady, f.m.State())
}

func TestInitializeRemoteWins(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{snap: remote.Snapshot{
		"leads": {{"id": "r1", "name": "Remote"}},
	}}
	f := newFixture(t, nil, fetcher)
	var synced int
	f.bus.Subscribe(events.DataSynced, func(events.Event) { synced++ })

	f.m.Initialize(ctx)
	assert.Equal(t, 1, synced)
	assert.False(t, f.m.UsingMockData())
	assert.Equal(t, []string{"leads"}, f.m.Collections())

	stored, ok := record.FromValue(f.storage.Get(ctx, "leads"))
	require.True(t, ok)
	require.Len(t, stored, 1)
	assert.Equal(t, "r1", stored[0].ID())
}

func TestSyncFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: fmt.Errorf("%w: connection refused", remote.ErrUnavailable)}
	f := newFixture(t, nil, fetcher)
	_, err := f.m.Create(ctx, "leads", record.Record{"name": "Local"})
	require.NoError(t, err)

	err = f.m.SyncWithRemote(ctx)
	require.ErrorIs(t, err, manager.ErrRemoteUnavailable)
	assert.Equal(t, 1, strings.Count(err.Error(), "remote unavailable"), err.Error())
	assert.Equal(t, 1, f.m.Get("leads", manager.Query{}).Total)
}

func TestSyncWrapsForeignErrors(t *testing.T) {
	f := newFixture(t, nil, &fakeFetcher{err: errors.New("boom")})
	err := f.m.SyncWithRemote(context.Background())
	require.ErrorIs(t, err, manager.ErrRemoteUnavailable)
	assert.Equal(t, "remote unavailable: boom", err.Error())
}

func TestSyncClearsMockFlag(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: remote.ErrNotConfigured}
	f := newFixture(t, nil, fetcher)
	f.m.Initialize(ctx)
	require.True(t, f.m.UsingMockData())

	fetcher.err = nil
	fetcher.snap = remote.Snapshot{"leads": {}}
	require.NoError(t, f.m.SyncWithRemote(ctx))
	assert.False(t, f.m.UsingMockData())
	assert.Equal(t, 0, f.m.Get("leads", manager.Query{}).Total)
	assert.Greater(t, f.m.Get("contacts", manager.Query{}).Total, 0, "collections absent from the remote are kept")
}

func TestUpdateSingleton(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	var changed events.Event
	f.bus.Subscribe("settingsChanged", func(ev events.Event) { changed = ev })

	_, err := f.m.UpdateSingleton(ctx, "leads", record.Record{})
	assert.ErrorIs(t, err, manager.ErrInvalidCollection)

	_, err = f.m.UpdateSingleton(ctx, "settings", record.Record{"theme": "dark"})
	require.NoError(t, err)
	got, err := f.m.UpdateSingleton(ctx, "settings", record.Record{"currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "dark", got["theme"])
	assert.Equal(t, "EUR", got["currency"])
	assert.Equal(t, "EUR", changed.Record["currency"])

	stored, ok := record.SingletonFromValue(f.storage.Get(ctx, "settings"))
	require.True(t, ok)
	assert.Equal(t, "dark", stored["theme"])
}

func TestRunFlushesAndResyncs(t *testing.T) {
	backend := &countingStore{Store: store.NewMemoryStore()}
	fetcher := &fakeFetcher{snap: remote.Snapshot{}}
	f := newFixture(t, backend, fetcher, manager.WithFlushInterval(10*time.Millisecond))
	_, err := f.m.Create(context.Background(), "leads", record.Record{"name": "A"})
	require.NoError(t, err)
	putsAfterCreate := backend.puts.Load()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	require.Eventually(t, func() bool { return backend.puts.Load() > putsAfterCreate }, 2*time.Second, 5*time.Millisecond)

	f.m.NotifyOnline()
	f.m.NotifyOnline()
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

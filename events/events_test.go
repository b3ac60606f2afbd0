package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stevemurr/crm-sync-server/events"
	"github.com/stevemurr/crm-sync-server/record"
)

func TestFor(t *testing.T) {
	assert.Equal(t, events.Name("leadsCreated"), events.For("leads", events.Created))
	assert.Equal(t, events.Name("tasksChanged"), events.For("tasks", events.Changed))
}

func TestPublishRegistrationOrder(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(events.DataLoaded, func(events.Event) { got = append(got, i) })
	}
	bus.Publish(events.Event{Name: events.DataLoaded})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestPublishIsolatesPanics(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	var calls []string
	bus.Subscribe("leadsCreated", func(events.Event) { calls = append(calls, "first") })
	bus.Subscribe("leadsCreated", func(events.Event) { panic("boom") })
	bus.Subscribe("leadsCreated", func(events.Event) { calls = append(calls, "third") })

	require.NotPanics(t, func() {
		bus.Publish(events.Event{Name: "leadsCreated"})
	})
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestPublishPassesPayloadThrough(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record.Record{"id": "lead_1"}
	var got events.Event
	bus.Subscribe("leadsCreated", func(ev events.Event) { got = ev })
	bus.Publish(events.Event{Name: "leadsCreated", Collection: "leads", Record: rec})
	assert.Equal(t, "leads", got.Collection)
	assert.Equal(t, rec, got.Record)
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewBus(nil)
	count := 0
	a := bus.Subscribe("x", func(events.Event) { count++ })
	b := bus.Subscribe("x", func(events.Event) { count += 10 })
	assert.Equal(t, 2, bus.Count("x"))

	assert.True(t, bus.Unsubscribe(a))
	assert.False(t, bus.Unsubscribe(a), "second unsubscribe is a no-op")

	bus.Publish(events.Event{Name: "x"})
	assert.Equal(t, 10, count)

	assert.True(t, bus.Unsubscribe(b))
	assert.Equal(t, 0, bus.Count("x"))
	bus.Publish(events.Event{Name: "x"})
	assert.Equal(t, 10, count)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := events.NewBus(nil)
	var sub events.Subscription
	calls := 0
	sub = bus.Subscribe("x", func(events.Event) {
		calls++
		bus.Unsubscribe(sub)
	})
	bus.Subscribe("x", func(events.Event) { calls++ })

	bus.Publish(events.Event{Name: "x"})
	assert.Equal(t, 2, calls)
	bus.Publish(events.Event{Name: "x"})
	assert.Equal(t, 3, calls)
}

func TestWatchDropsWhenFull(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	var dropped []events.Name
	bus.OnDrop(func(n events.Name) { dropped = append(dropped, n) })

	ch, sub := bus.Watch("leadsChanged", 1)
	bus.Publish(events.Event{Name: "leadsChanged", Collection: "leads"})
	bus.Publish(events.Event{Name: "leadsChanged", Collection: "leads"})

	ev := <-ch
	assert.Equal(t, "leads", ev.Collection)
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, []events.Name{"leadsChanged"}, dropped)

	bus.Unsubscribe(sub)
	bus.Publish(events.Event{Name: "leadsChanged"})
	assert.Empty(t, ch)
}

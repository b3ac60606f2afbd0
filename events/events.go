// Package events is the publish/subscribe registry used to announce cache
// changes to UI collaborators.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stevemurr/crm-sync-server/record"
)

// Name identifies an event.
type Name string

// Process-wide events.
const (
	DataLoaded Name = "dataLoaded"
	DataSynced Name = "dataSynced"
)

// Kind is the per-collection event suffix.
type Kind string

const (
	Created Kind = "Created"
	Updated Kind = "Updated"
	Deleted Kind = "Deleted"
	Changed Kind = "Changed"
)

// For returns the event name for collection and kind, e.g. "leadsCreated".
func For(collection string, k Kind) Name {
	return Name(collection + string(k))
}

// Event is delivered to subscribers. Record is set for Created, Updated and
// Deleted; Records carries the full collection for Changed; Snapshot carries
// the whole cache for DataLoaded and DataSynced.
type Event struct {
	Name       Name            `json:"name"`
	Collection string          `json:"collection,omitempty"`
	Record     record.Record   `json:"record,omitempty"`
	Records    []record.Record `json:"records,omitempty"`
	Snapshot   map[string]any  `json:"snapshot,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// Subscription identifies one registration for Unsubscribe.
type Subscription struct {
	name Name
	id   uint64
}

// Name returns the event the subscription listens to.
func (s Subscription) Name() Name { return s.name }

type entry struct {
	id uint64
	fn Handler
}

// Bus is a named-event registry. Handlers run synchronously in
// registration order; a panicking handler is logged and does not stop the
// others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]entry
	nextID   uint64
	dropped  atomic.Uint64
	onDrop   func(Name)
	logger   *zap.Logger
}

// NewBus returns an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{handlers: make(map[Name][]entry), logger: logger.Named("events")}
}

// OnDrop installs a callback invoked whenever Watch drops an event.
func (b *Bus) OnDrop(fn func(Name)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers fn for name.
func (b *Bus) Subscribe(name Name, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[name] = append(b.handlers[name], entry{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}
}

// Unsubscribe removes a registration. It reports whether it was present.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.name]
	for i, e := range list {
		if e.id == sub.id {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, sub.name)
			} else {
				b.handlers[sub.name] = next
			}
			return true
		}
	}
	return false
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Publish delivers ev to every current handler of ev.Name. Handlers added
// or removed during delivery take effect from the next Publish.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := b.handlers[ev.Name]
	b.mu.RUnlock()
	for _, e := range list {
		b.dispatch(e.fn, ev)
	}
}

func (b *Bus) dispatch(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(ev.Name)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Watch adapts a subscription to a channel. Sends never block: when the
// buffer is full the event is dropped and counted. Unsubscribing does not
// close the channel.
func (b *Bus) Watch(name Name, buffer int) (<-chan Event, Subscription) {
	ch := make(chan Event, buffer)
	sub := b.Subscribe(name, func(ev Event) {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.mu.RLock()
			onDrop := b.onDrop
			b.mu.RUnlock()
			if onDrop != nil {
				onDrop(ev.Name)
			}
			b.logger.Warn("event dropped, watcher buffer full", zap.String("event", string(ev.Name)))
		}
	})
	return ch, sub
}

// Dropped returns the number of events Watch has dropped.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

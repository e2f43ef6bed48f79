// Package bus implements the in-process typed publish/subscribe event bus.
//
// Delivery contract:
//   - Subscriptions filter by event kind and, optionally, by user id.
//   - Delivery is asynchronous but ordered per subscriber: events published
//     from one goroutine are observed in publish order.
//   - Each subscriber owns a bounded queue. A slow subscriber never blocks a
//     publisher; when its queue is full the oldest event is dropped and the
//     drop is logged with the subscriber's identity.
//   - A panicking handler is logged and stays subscribed.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"scalper-engine/pkg/types"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 1024

// Handler consumes one event. Handlers run on the subscriber's own goroutine.
type Handler func(types.Event)

type subscriber struct {
	id     string
	name   string
	user   int64 // 0 = all users
	kinds  map[types.EventKind]bool
	queue  chan types.Event
	drops  atomic.Int64 // written by concurrent publishers under RLock
	handle Handler
}

func (s *subscriber) wants(evt types.Event) bool {
	if len(s.kinds) > 0 && !s.kinds[evt.Kind()] {
		return false
	}
	// Events with no user address reach everyone; user-addressed events only
	// reach matching (or unfiltered) subscribers.
	if s.user != 0 && evt.User() != 0 && evt.User() != s.user {
		return false
	}
	return true
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for the given event kinds (all kinds when
// empty). userFilter restricts delivery to one user's events; 0 means no
// filter. Returns an unsubscribe function.
func (b *Bus) Subscribe(name string, userFilter int64, handler Handler, kinds ...types.EventKind) func() {
	sub := &subscriber{
		id:     uuid.NewString(),
		name:   name,
		user:   userFilter,
		kinds:  make(map[types.EventKind]bool, len(kinds)),
		queue:  make(chan types.Event, DefaultQueueSize),
		handle: handler,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(evt types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(evt) {
			continue
		}
		b.enqueue(sub, evt)
	}
}

// enqueue appends to the subscriber queue, dropping the oldest event when full.
func (b *Bus) enqueue(sub *subscriber, evt types.Event) {
	select {
	case sub.queue <- evt:
		return
	default:
	}
	// Queue full: make room by discarding the oldest entry. The consumer may
	// race us and pop it first; either way one slot opens.
	select {
	case old := <-sub.queue:
		total := sub.drops.Add(1)
		b.logger.Warn("subscriber queue full, dropped oldest event",
			"subscriber", sub.name,
			"dropped_kind", old.Kind(),
			"total_drops", total,
		)
	default:
	}
	select {
	case sub.queue <- evt:
	default:
		b.logger.Warn("subscriber queue still full, dropping event",
			"subscriber", sub.name,
			"kind", evt.Kind(),
		)
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for evt := range sub.queue {
		b.safeHandle(sub, evt)
	}
}

func (b *Bus) safeHandle(sub *subscriber, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscriber", sub.name,
				"kind", evt.Kind(),
				"panic", r,
			)
		}
	}()
	sub.handle(evt)
}

// Close stops delivery and waits for all subscriber goroutines to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

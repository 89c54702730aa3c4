// Package eventbus fans out run, model and tool events to in-process
// observers such as metrics collectors and audit logs.
package eventbus

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"crm-copilot/internal/domain"
)

// anyType keys subscribers that receive every event.
const anyType domain.EventType = ""

type subscriber struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an asynchronous in-process event bus. Handlers run on their own
// goroutine with a context that outlives the publisher's cancellation.
type Bus struct {
	mu        sync.RWMutex
	subs      map[domain.EventType][]subscriber
	published map[domain.EventType]int64
	nextID    atomic.Uint64
	logger    *slog.Logger
	inflight  sync.WaitGroup
	closed    atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subs:      make(map[domain.EventType][]subscriber),
		published: make(map[domain.EventType]int64),
		logger:    logger,
	}
}

// Publish delivers event to its typed subscribers, then to catch-all ones.
// Events published after Close are dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.Lock()
	b.published[event.Type]++
	targets := slices.Concat(b.subs[event.Type], b.subs[anyType])
	b.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	for _, s := range targets {
		b.inflight.Add(1)
		go b.deliver(detached, event, s.handler)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyType, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs[key] = slices.DeleteFunc(slices.Clone(b.subs[key]), func(s subscriber) bool {
				return s.id == id
			})
		})
	}
}

// Published returns how many events of each type were published.
func (b *Bus) Published() map[domain.EventType]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.published)
}

// Close stops accepting events and waits for running handlers. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
}

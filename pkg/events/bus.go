package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one emitted lifecycle event. The JSON form is the envelope
// pushed to WebSocket clients and webhook endpoints.
type Event struct {
	Name      string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes events on a subscription's dispatch goroutine. Errors
// belong to the handler: panics are recovered and logged, never surfaced
// to the emitter.
type Handler func(ctx context.Context, evt Event)

// Subscription is one (pattern, handler) registration with its own queue
// and dispatch goroutine.
type Subscription struct {
	pattern string
	handler Handler

	mu     sync.Mutex
	wake   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

// matches reports whether the subscription wants the named event: the
// pattern is either an exact name or "*".
func (s *Subscription) matches(name string) bool {
	return s.pattern == "*" || s.pattern == name
}

// enqueue appends without ever blocking, which keeps Emit re-entrant: a
// handler may emit from inside its own dispatch.
func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, evt)
	s.wake.Signal()
}

// run is the dispatch loop. It drains the queue in order and exits once
// closed and empty.
func (s *Subscription) run(log *slog.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.wake.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.dispatch(log, evt)
	}
}

func (s *Subscription) dispatch(log *slog.Logger, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked",
				"event", evt.Name, "pattern", s.pattern, "panic", r)
		}
	}()
	s.handler(context.Background(), evt)
}

// close stops the dispatch loop after the queue drains.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.wake.Signal()
	s.mu.Unlock()
	<-s.done
}

// Bus is the in-process pub/sub fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	log    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		log:  slog.Default().With("component", "event_bus"),
	}
}

// Subscribe registers a handler for an exact event name or "*" and starts
// its dispatch goroutine.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	s := &Subscription{
		pattern: pattern,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.wake = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(b.log)
	return s
}

// Unsubscribe removes the subscription and waits for its queue to drain.
// Must not be called from inside the subscription's own handler.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Emit schedules every matching handler and returns. The subscriber list
// is copied under the lock so concurrent subscribe/emit never interfere.
func (b *Bus) Emit(name string, data map[string]any) {
	evt := Event{Name: name, Data: data, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matching := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(name) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		s.enqueue(evt)
	}
}

// SubscriberCount reports the number of live subscriptions, for health
// reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drains and stops every subscription. Emit becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

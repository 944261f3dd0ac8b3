package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans activity events out to live subscribers such as the
// websocket stream. Publishing never blocks: a subscriber whose buffer
// is full misses the event and its drop count goes up.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one consumer of a Bus. Events arrive on C until the
// subscription is cancelled with Bus.Unsubscribe, which closes C.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	runID   string
	dropped atomic.Uint64
}

// RunID returns the run this subscription is restricted to, or "" for
// all runs.
func (s *Subscription) RunID() string { return s.runID }

// Dropped returns how many matching events were discarded because the
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(e Event) bool {
	return s.runID == "" || s.runID == e.RunID
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Notify implements Observer so the bus can sit behind an Emitter.
func (b *Bus) Notify(e Event) { b.Publish(e) }

// Publish delivers e to every subscription that wants it. Safe to call
// on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// A non-empty runID restricts delivery to that run. The caller must
// eventually call Unsubscribe.
func (b *Bus) Subscribe(runID string, bufSize int) *Subscription {
	ch := make(chan Event, max(bufSize, 1))
	s := &Subscription{C: ch, ch: ch, runID: runID}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel. Calling it again is a
// no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Async decouples a slow observer from the loop. Notify enqueues and
// returns immediately; one goroutine drains the queue into the wrapped
// observer. When the queue is full the event is dropped and counted.
type Async struct {
	next   Observer
	queue  chan Event
	done   chan struct{}
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewAsync starts the delivery goroutine. Close must be called to stop it.
func NewAsync(next Observer, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

// Notify enqueues e without blocking.
func (a *Async) Notify(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn("activity queue full, dropping events", "run_id", e.RunID)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events, delivers everything already queued,
// and waits for the delivery goroutine to exit.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		if err := notify(a.next, e); err != nil {
			a.logger.Warn("async activity observer failed", "kind", e.Kind, "error", err)
		}
	}
}

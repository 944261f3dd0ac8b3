package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Emitter fans each event out to its observers synchronously, in
// registration order. A panicking observer is isolated: the remaining
// observers still receive the event and Emit returns normally.
//
// Emit is safe to call on a nil *Emitter (no-op).
type Emitter struct {
	mu        sync.RWMutex
	observers []Observer
	onError   func(Event, error)
	now       func() time.Time
}

// NewEmitter creates an emitter. Observer failures are logged to
// logger at warn level unless OnError replaces the hook.
func NewEmitter(logger *slog.Logger, observers ...Observer) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		observers: observers,
		onError: func(e Event, err error) {
			logger.Warn("activity observer failed", "kind", e.Kind, "run_id", e.RunID, "error", err)
		},
		now: time.Now,
	}
}

// Add registers another observer.
func (em *Emitter) Add(o Observer) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.observers = append(em.observers, o)
}

// OnError replaces the hook that receives observer failures.
func (em *Emitter) OnError(fn func(Event, error)) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onError = fn
}

// Emit stamps e (when it has no timestamp) and delivers it.
func (em *Emitter) Emit(e Event) {
	if em == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = em.now()
	}

	em.mu.RLock()
	observers := em.observers
	onError := em.onError
	em.mu.RUnlock()

	for _, o := range observers {
		if err := notify(o, e); err != nil && onError != nil {
			onError(e, err)
		}
	}
}

// notify delivers one event, converting a panic into an error.
func notify(o Observer, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panic: %v", p)
		}
	}()
	o.Notify(e)
	return nil
}

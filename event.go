package sshtrans

import (
	"context"
	"sync"
	"time"
)

// Event is a resettable one-shot signal. The zero value is a cleared Event.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent returns a cleared Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) chanLocked() chan struct{} {
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Set signals the event and wakes every waiter. Setting a set event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.chanLocked())
}

// Clear resets the event so that later waiters block again.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set, timeout elapses or ctx is done.
// A negative timeout waits without a time bound. It reports whether the
// event was set.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) bool {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return true
	}
	ch := e.chanLocked()
	e.mu.Unlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ch:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

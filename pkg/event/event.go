// Package event provides a manual-reset binary signal.
package event

import (
	"context"
	"sync"
)

// Event stays set until Reset. It carries no payload.
type Event struct {
	lock      sync.Mutex
	set       bool
	ch        chan struct{}
	listeners map[int]func()
	nextID    int
}

func New() *Event {
	return &Event{
		ch:        make(chan struct{}),
		listeners: make(map[int]func()),
	}
}

// Set signals the event. Listeners run on the calling goroutine, only when
// the event goes from reset to set.
func (e *Event) Set() {
	e.lock.Lock()
	if e.set {
		e.lock.Unlock()
		return
	}
	e.set = true
	close(e.ch)
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lock.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (e *Event) Reset() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

func (e *Event) IsSet() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set.
func (e *Event) Done() <-chan struct{} {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ch
}

func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen registers fn to run on every reset-to-set transition.
func (e *Event) Listen(fn func()) (cancel func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.lock.Lock()
		defer e.lock.Unlock()
		delete(e.listeners, id)
	}
}

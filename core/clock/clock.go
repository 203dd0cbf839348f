// Package clock is the presentation clock shared by the render loop and the
// audio sink.
package clock

import (
	"sync"
	"time"

	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/event"
)

// Clock maps presentation timestamps to wall time. It is paused until the
// decoder reports the first picture after a start or seek.
type Clock struct {
	lock    sync.Mutex
	now     func() time.Time
	origin  time.Time
	base    time.Duration
	running bool
	ready   *event.Event
}

var _ mode.Clock = (*Clock)(nil)

type Option func(*Clock)

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

func New(opts ...Option) *Clock {
	c := &Clock{
		now:   time.Now,
		ready: event.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VideoReady starts the clock from the current base position.
func (c *Clock) VideoReady() {
	c.lock.Lock()
	if !c.running {
		c.running = true
		c.origin = c.now()
	}
	c.lock.Unlock()
	c.ready.Set()
}

// Seek pauses the clock at ts until the next VideoReady.
func (c *Clock) Seek(ts time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.running = false
	c.base = ts
	c.ready.Reset()
}

func (c *Clock) Pause() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.running {
		return
	}
	c.base = c.position()
	c.running = false
	c.ready.Reset()
}

func (c *Clock) position() time.Duration {
	if !c.running {
		return c.base
	}
	return c.base + c.now().Sub(c.origin)
}

func (c *Clock) Position() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.position()
}

// Until returns how long before ts is due and whether the clock runs. A
// paused clock never makes anything due.
func (c *Clock) Until(ts time.Duration) (time.Duration, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return ts - c.position(), c.running
}

// Due reports whether a picture stamped ts should be on screen.
func (c *Clock) Due(ts time.Duration) bool {
	wait, running := c.Until(ts)
	return running && wait <= 0
}

// Running is closed while the clock runs.
func (c *Clock) Running() <-chan struct{} {
	return c.ready.Done()
}

// Package audio plays access units against the presentation clock.
package audio

import (
	"context"
	"sync"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/event"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

const DefaultCapacity = 8

// Clock is the part of clock.Clock the sink follows.
type Clock interface {
	Until(ts time.Duration) (time.Duration, bool)
	Running() <-chan struct{}
}

// Sink is a bounded audio queue drained by its own goroutine. Units are
// handed to the play callback once the clock reaches their timestamp.
type Sink struct {
	ctx       context.Context
	cancel    context.CancelFunc
	clock     Clock
	capacity  int
	onPlay    func(au *mode.AccessUnit)
	logger    logger.Logger
	closeOnce sync.Once
	done      chan struct{}

	lock   sync.Mutex
	queue  []*mode.AccessUnit
	free   *event.Event
	kick   chan struct{}
	drains chan chan struct{}
	played int
}

var _ mode.AudioQueue = (*Sink)(nil)

type SinkOption func(s *Sink)

func WithCapacity(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithOnPlay runs on the sink goroutine.
func WithOnPlay(fn func(au *mode.AccessUnit)) SinkOption {
	return func(s *Sink) {
		s.onPlay = fn
	}
}

func WithLogger(logger logger.Logger) SinkOption {
	return func(s *Sink) {
		s.logger = logger
	}
}

// NewSink starts the playback goroutine. A nil clock plays everything as
// soon as it is submitted.
func NewSink(ctx context.Context, clock Clock, opts ...SinkOption) *Sink {
	ctx, cancel := context.WithCancel(ctx)
	s := &Sink{
		ctx:      ctx,
		cancel:   cancel,
		clock:    clock,
		capacity: DefaultCapacity,
		done:     make(chan struct{}),
		free:     event.New(),
		kick:     make(chan struct{}, 1),
		drains:   make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.WithField("component", "audio")
	}
	s.free.Set()

	go s.run()
	return s
}

func (s *Sink) FreeBuffer() *event.Event {
	return s.free
}

func (s *Sink) Submit(au *mode.AccessUnit) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ctx.Err() != nil {
		return errors.Wrap(errcode.ErrAudioError, "sink closed")
	}
	if len(s.queue) >= s.capacity {
		return errors.Wrapf(errcode.ErrAudioError, "sink full at %d units", s.capacity)
	}
	s.queue = append(s.queue, au)
	if len(s.queue) >= s.capacity {
		s.free.Reset()
	}
	s.notify()
	return nil
}

func (s *Sink) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Drain discards whatever is queued and returns once the sink goroutine is
// no longer playing anything.
func (s *Sink) Drain(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.drains <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.Wrap(errcode.ErrAudioError, "sink closed")
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) Played() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.played
}

func (s *Sink) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.queue)
}

func (s *Sink) front() *mode.AccessUnit {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Sink) pop() *mode.AccessUnit {
	s.lock.Lock()
	defer s.lock.Unlock()
	au := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.played++
	s.free.Set()
	return au
}

func (s *Sink) discard() {
	s.lock.Lock()
	n := len(s.queue)
	s.queue = nil
	s.lock.Unlock()
	s.free.Set()
	if n > 0 {
		s.logger.Debugf("drained %d queued units", n)
	}
}

func (s *Sink) run() {
	defer close(s.done)

	for {
		var (
			timer   *time.Timer
			due     <-chan time.Time
			running <-chan struct{}
		)
		if au := s.front(); au != nil {
			wait, ok := time.Duration(0), true
			if s.clock != nil {
				wait, ok = s.clock.Until(au.Timestamp)
			}
			switch {
			case !ok:
				running = s.clock.Running()
			case wait <= 0:
				au = s.pop()
				if s.onPlay != nil {
					s.onPlay(au)
				}
				continue
			default:
				timer = time.NewTimer(wait)
				due = timer.C
			}
		}

		select {
		case <-s.ctx.Done():
		case reply := <-s.drains:
			s.discard()
			close(reply)
		case <-s.kick:
		case <-running:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("closing audio sink")
		s.cancel()
		<-s.done
		s.discard()
	})
	return nil
}

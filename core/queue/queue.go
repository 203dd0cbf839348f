package queue

import (
	"slices"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

// MaxBuffers is the upper bound for either queue.
const MaxBuffers = 32

type slot interface {
	base() *Buffer
}

// Queue is a fixed pool of buffers shared with the device. It tracks which
// slots are free, owned by the device, or held by user code.
type Queue[B slot] struct {
	kind      mode.BufferKind
	device    mode.Device
	buffers   []B
	free      []int
	kernel    []int
	streaming bool
	logger    logger.Logger
}

func newQueue[B slot](device mode.Device, kind mode.BufferKind, requested int, log logger.Logger, wrap func(Buffer) B) (*Queue[B], error) {
	if requested <= 0 || requested > MaxBuffers {
		return nil, errors.Wrapf(errcode.ErrTooManyBuffers, "asked for %d %s buffers, max %d", requested, kind, MaxBuffers)
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithField("queue", kind.String())

	granted, err := device.AllocateBuffers(kind, requested)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d %s buffers", requested, kind)
	}
	if granted <= 0 || granted > MaxBuffers {
		return nil, errors.Wrapf(errcode.ErrTooManyBuffers, "device granted %d %s buffers", granted, kind)
	}
	if granted == requested {
		log.Debugf("created %d buffers", granted)
	} else {
		log.Infof("asked for %d buffers, device created %d instead", requested, granted)
	}

	q := &Queue[B]{
		kind:    kind,
		device:  device,
		buffers: make([]B, 0, granted),
		free:    make([]int, 0, granted),
		kernel:  make([]int, 0, granted),
		logger:  log,
	}

	for i := 0; i < granted; i++ {
		mem, err := device.MapBuffer(kind, i)
		if err != nil {
			if _, rerr := device.AllocateBuffers(kind, 0); rerr != nil {
				log.WithError(rerr).Warn("release buffers after failed mapping")
			}
			return nil, errors.Wrapf(err, "map %s buffer #%d", kind, i)
		}
		q.buffers = append(q.buffers, wrap(Buffer{kind: kind, index: i, mem: mem}))
		q.free = append(q.free, i)
	}

	return q, nil
}

func (q *Queue[B]) Kind() mode.BufferKind {
	return q.kind
}

// Capacity is the granted buffer count.
func (q *Queue[B]) Capacity() int {
	return len(q.buffers)
}

func (q *Queue[B]) Buffer(index int) (B, error) {
	if index < 0 || index >= len(q.buffers) {
		var zero B
		return zero, errors.Wrapf(errcode.ErrInvalidTransition, "%s buffer #%d out of range [0,%d)", q.kind, index, len(q.buffers))
	}
	return q.buffers[index], nil
}

// NextFree returns the oldest free buffer without changing its state.
func (q *Queue[B]) NextFree() (B, bool) {
	if len(q.free) == 0 {
		var zero B
		return zero, false
	}
	return q.buffers[q.free[0]], true
}

func (q *Queue[B]) AnyQueued() bool {
	return len(q.kernel) > 0
}

func (q *Queue[B]) Streaming() bool {
	return q.streaming
}

// Counts returns how many buffers are free, owned by the device, and held by user code.
func (q *Queue[B]) Counts() (free, queued, user int) {
	for _, b := range q.buffers {
		switch b.base().state {
		case StateFree:
			free++
		case StateQueued:
			queued++
		case StateUser:
			user++
		}
	}
	return
}

func (q *Queue[B]) owned(b B) (*Buffer, error) {
	bb := b.base()
	if bb.index < 0 || bb.index >= len(q.buffers) || q.buffers[bb.index].base() != bb {
		return nil, errors.Wrapf(errcode.ErrInvalidTransition, "%s buffer #%d does not belong to this queue", q.kind, bb.index)
	}
	return bb, nil
}

// Enqueue hands a free or user-held buffer to the device.
func (q *Queue[B]) Enqueue(b B) error {
	bb, err := q.owned(b)
	if err != nil {
		return err
	}
	prev := bb.state
	if err := bb.transition(StateQueued); err != nil {
		return err
	}
	if err := q.device.QueueBuffer(q.kind, bb.index, bb.info); err != nil {
		bb.state = prev
		return errors.Wrapf(err, "queue %s buffer #%d", q.kind, bb.index)
	}
	if prev == StateFree {
		q.free = slices.DeleteFunc(q.free, func(i int) bool { return i == bb.index })
	}
	q.kernel = append(q.kernel, bb.index)
	return nil
}

// Dequeue takes a completed buffer back from the device. Only call it after
// the device signaled readiness for this queue.
func (q *Queue[B]) Dequeue() (B, error) {
	var zero B
	if len(q.kernel) == 0 {
		return zero, errors.Wrapf(errcode.ErrNotQueued, "dequeue %s buffer", q.kind)
	}

	index, info, err := q.device.DequeueBuffer(q.kind)
	if err != nil {
		return zero, errors.Wrapf(err, "dequeue %s buffer", q.kind)
	}

	pos := slices.Index(q.kernel, index)
	if pos < 0 {
		return zero, errors.Wrapf(errcode.ErrInvalidTransition, "device returned %s buffer #%d which was not queued", q.kind, index)
	}

	bb := q.buffers[index].base()
	if err := bb.transition(StateUser); err != nil {
		return zero, err
	}
	q.kernel = slices.Delete(q.kernel, pos, pos+1)
	bb.info = info
	return q.buffers[index], nil
}

// Release puts a user-held buffer back to the free list.
func (q *Queue[B]) Release(b B) error {
	bb, err := q.owned(b)
	if err != nil {
		return err
	}
	if err := bb.transition(StateFree); err != nil {
		return err
	}
	q.free = append(q.free, bb.index)
	return nil
}

func (q *Queue[B]) StartStreaming() error {
	if err := q.device.StartStreaming(q.kind); err != nil {
		return errors.Wrapf(err, "stream on %s", q.kind)
	}
	q.streaming = true
	return nil
}

// StopStreaming stops the device queue; every buffer it owned becomes free.
func (q *Queue[B]) StopStreaming() error {
	if err := q.device.StopStreaming(q.kind); err != nil {
		return errors.Wrapf(err, "stream off %s", q.kind)
	}
	q.streaming = false
	for _, index := range q.kernel {
		q.buffers[index].base().state = StateFree
		q.free = append(q.free, index)
	}
	q.kernel = q.kernel[:0]
	return nil
}

func (q *Queue[B]) destroy() error {
	if q.buffers == nil {
		return nil
	}
	var err error
	if q.streaming {
		err = q.StopStreaming()
	}
	if _, rerr := q.device.AllocateBuffers(q.kind, 0); rerr != nil && err == nil {
		err = errors.Wrapf(rerr, "release %s buffers", q.kind)
	}
	q.buffers = nil
	q.free = nil
	q.kernel = nil
	return err
}

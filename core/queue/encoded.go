package queue

import (
	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

// SafetyMargin is added to the largest access unit, room for start codes and
// emulation prevention bytes.
const SafetyMargin = 64

// EncodedBufferSize rounds the largest access unit plus SafetyMargin up to a
// whole number of pages.
func EncodedBufferSize(maxAccessUnit, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 4096
	}
	n := maxAccessUnit + SafetyMargin
	return (n + pageSize - 1) / pageSize * pageSize
}

// EncodedQueue holds compressed access units on their way to the device.
type EncodedQueue struct {
	*Queue[*EncodedBuffer]
	bufferSize int
}

func NewEncodedQueue(device mode.Device, count, bufferSize int, log logger.Logger) (*EncodedQueue, error) {
	q, err := newQueue(device, mode.BufferEncoded, count, log, func(b Buffer) *EncodedBuffer {
		return &EncodedBuffer{Buffer: b}
	})
	if err != nil {
		return nil, err
	}
	return &EncodedQueue{Queue: q, bufferSize: bufferSize}, nil
}

func (q *EncodedQueue) BufferSize() int {
	return q.bufferSize
}

// FillInitial enqueues access units until no free buffer remains or the
// reader ends. A stream ending before the first buffer is an error.
func (q *EncodedQueue) FillInitial(r mode.VideoReader) error {
	eof, queued, err := q.fill(r)
	if err != nil {
		return err
	}
	if eof && queued == 0 {
		return errors.WithStack(errcode.ErrInsufficientSamples)
	}
	q.logger.Debugf("initial fill queued %d access units", queued)
	return nil
}

// FillFree is FillInitial without the degenerate stream check.
func (q *EncodedQueue) FillFree(r mode.VideoReader) (eof bool, err error) {
	eof, _, err = q.fill(r)
	return eof, err
}

func (q *EncodedQueue) fill(r mode.VideoReader) (eof bool, queued int, err error) {
	for {
		b, ok := q.NextFree()
		if !ok {
			return false, queued, nil
		}
		act, err := r.WriteNextAccessUnit(b)
		if err != nil {
			return false, queued, errors.Wrap(err, "read access unit")
		}
		switch act {
		case mode.ActionEndOfStream:
			return true, queued, nil
		case mode.ActionIgnore:
			continue
		}
		if err := q.Enqueue(b); err != nil {
			return false, queued, err
		}
		queued++
	}
}

// Refill writes the next decodable access unit into a buffer just taken from
// the device and queues it again. On end of stream the buffer is released.
func (q *EncodedQueue) Refill(r mode.VideoReader, b *EncodedBuffer) (eof bool, err error) {
	for {
		act, err := r.WriteNextAccessUnit(b)
		if err != nil {
			return false, errors.Wrap(err, "read access unit")
		}
		switch act {
		case mode.ActionEndOfStream:
			return true, q.Release(b)
		case mode.ActionIgnore:
			continue
		}
		return false, q.Enqueue(b)
	}
}

func (q *EncodedQueue) Destroy() error {
	return q.destroy()
}

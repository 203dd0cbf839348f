package queue

import (
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pkg/errors"
)

type State uint8

const (
	// StateFree buffers sit in the free list waiting to be filled.
	StateFree State = iota
	// StateQueued buffers are owned by the device.
	StateQueued
	// StateUser buffers were dequeued from the device and are held by user code.
	StateUser
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateQueued:
		return "queued"
	case StateUser:
		return "user"
	}
	return "unknown"
}

// Buffer is one slot of a device queue.
type Buffer struct {
	kind  mode.BufferKind
	index int
	state State
	mem   []byte
	info  mode.BufferInfo
}

func (b *Buffer) base() *Buffer {
	return b
}

func (b *Buffer) Index() int {
	return b.index
}

func (b *Buffer) State() State {
	return b.state
}

func (b *Buffer) Info() mode.BufferInfo {
	return b.info
}

func (b *Buffer) Timestamp() time.Duration {
	return b.info.Timestamp
}

func (b *Buffer) transition(to State) error {
	ok := false
	switch b.state {
	case StateFree:
		ok = to == StateQueued
	case StateQueued:
		ok = to == StateUser
	case StateUser:
		ok = to == StateFree || to == StateQueued
	}
	if !ok {
		return errors.Wrapf(errcode.ErrInvalidTransition, "%s buffer #%d: %s -> %s", b.kind, b.index, b.state, to)
	}
	b.state = to
	return nil
}

// EncodedBuffer receives one access unit from a track reader.
type EncodedBuffer struct {
	Buffer
}

var _ mode.SampleBuffer = (*EncodedBuffer)(nil)

func (b *EncodedBuffer) Bytes() []byte {
	return b.mem
}

func (b *EncodedBuffer) SetPayload(n int, ts time.Duration, flags mode.BufferFlags) error {
	if b.state == StateQueued {
		return errors.Wrapf(errcode.ErrInvalidTransition, "encoded buffer #%d is owned by the device", b.index)
	}
	if n <= 0 || n > len(b.mem) {
		return errors.Wrapf(errcode.ErrPayloadSize, "encoded buffer #%d: %d bytes, capacity %d", b.index, n, len(b.mem))
	}
	b.info = mode.BufferInfo{
		Timestamp: ts,
		BytesUsed: n,
		Flags:     flags,
	}
	return nil
}

// DecodedBuffer holds one picture produced by the device.
type DecodedBuffer struct {
	Buffer
}

func (b *DecodedBuffer) Bytes() []byte {
	return b.mem
}

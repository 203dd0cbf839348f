package queue

import (
	"container/heap"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pkg/errors"
)

type pendingFrame struct {
	ts    time.Duration
	index int
	seq   uint64
}

type frameHeap []pendingFrame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].seq < h[j].seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(pendingFrame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}

// PendingFrames orders decoded buffers by presentation timestamp. Decoders
// emit pictures in decode order, which differs from display order whenever
// the stream has B-frames. Equal timestamps keep their insertion order.
type PendingFrames struct {
	frames   frameHeap
	capacity int
	seq      uint64
	held     uint64
}

func NewPendingFrames(capacity int) *PendingFrames {
	return &PendingFrames{
		frames:   make(frameHeap, 0, capacity),
		capacity: capacity,
	}
}

func (p *PendingFrames) Capacity() int {
	return p.capacity
}

func (p *PendingFrames) Len() int {
	return len(p.frames)
}

func (p *PendingFrames) Any() bool {
	return len(p.frames) > 0
}

// Contains reports whether the buffer index is waiting here.
func (p *PendingFrames) Contains(index int) bool {
	return index >= 0 && index < MaxBuffers && p.held&(1<<uint(index)) != 0
}

// Insert fails once the capacity is reached: every decoded buffer can be
// pending at most once, so an overflow means a buffer leaked.
func (p *PendingFrames) Insert(ts time.Duration, index int) error {
	if len(p.frames) >= p.capacity {
		return errors.Wrapf(errcode.ErrPendingOverflow, "capacity %d", p.capacity)
	}
	if index < 0 || index >= MaxBuffers {
		return errors.Wrapf(errcode.ErrInvalidTransition, "pending buffer index %d", index)
	}
	if p.Contains(index) {
		return errors.Wrapf(errcode.ErrInvalidTransition, "decoded buffer #%d is already pending", index)
	}
	heap.Push(&p.frames, pendingFrame{ts: ts, index: index, seq: p.seq})
	p.seq++
	p.held |= 1 << uint(index)
	return nil
}

func (p *PendingFrames) First() (time.Duration, bool) {
	if len(p.frames) == 0 {
		return 0, false
	}
	return p.frames[0].ts, true
}

// RemoveFirst pops the earliest frame.
func (p *PendingFrames) RemoveFirst() (time.Duration, int, error) {
	if len(p.frames) == 0 {
		return 0, -1, errors.WithStack(errcode.ErrNoFrameReady)
	}
	f := heap.Pop(&p.frames).(pendingFrame)
	p.held &^= 1 << uint(f.index)
	return f.ts, f.index, nil
}

// Clear drops every entry and returns their buffer indices, which the caller
// owes back to the decoded queue.
func (p *PendingFrames) Clear() []int {
	indices := make([]int, 0, len(p.frames))
	for _, f := range p.frames {
		indices = append(indices, f.index)
	}
	p.frames = p.frames[:0]
	p.held = 0
	return indices
}

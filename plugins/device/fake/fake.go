// Package fake is an in-memory stateful decoder. It does not decode
// anything: each encoded picture becomes one decoded picture carrying the
// same timestamp, released in a configurable order.
package fake

import (
	"encoding/binary"
	"slices"
	"sync"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type Option func(*Device)

// WithMaxBuffers caps how many buffers the device grants per queue.
func WithMaxBuffers(n int) Option {
	return func(d *Device) { d.maxBuffers = n }
}

// WithReorderWindow emits pictures in groups of n, last decoded first.
func WithReorderWindow(n int) Option {
	return func(d *Device) { d.window = n }
}

// WithDPBDepth holds up to n pictures and releases the earliest one each
// time another picture arrives.
func WithDPBDepth(n int) Option {
	return func(d *Device) { d.dpbDepth = n }
}

// WithCrop makes the device report r instead of the full picture.
func WithCrop(r mode.Rect) Option {
	return func(d *Device) { d.crop = r }
}

type Stats struct {
	Consumed int64
	Decoded  int64
}

type Device struct {
	maxBuffers int
	window     int
	dpbDepth   int
	crop       mode.Rect

	lock       sync.Mutex
	formats    [2]mode.Format
	mem        [2][][]byte
	owned      [2]map[int]bool
	streaming  [2]bool
	subscribed bool
	closed     bool
	failed     bool
	// decoding stalls after a source change until the decoded queue is restarted
	stalled bool

	input    []queued
	consumed []queued
	free     []int
	held     []mode.BufferInfo
	output   []mode.BufferInfo
	ready    []queued
	events   []mode.DeviceEvent

	wake chan struct{}

	consumedCount atomic.Int64
	decodedCount  atomic.Int64
}

type queued struct {
	index int
	info  mode.BufferInfo
}

var _ mode.Device = (*Device)(nil)

func New(opts ...Option) *Device {
	d := &Device{
		maxBuffers: 32,
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.owned[mode.BufferEncoded] = map[int]bool{}
	d.owned[mode.BufferDecoded] = map[int]bool{}
	return d
}

func planesNV12(w, h int) []mode.PlaneFormat {
	stride := (w + 3) &^ 3
	return []mode.PlaneFormat{
		{SizeImage: h * stride, BytesPerLine: stride},
		{SizeImage: h * stride / 2, BytesPerLine: stride},
	}
}

func (d *Device) SetFormat(kind mode.BufferKind, f mode.Format) (mode.Format, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return mode.Format{}, errors.WithStack(errcode.ErrDeviceClosed)
	}
	if d.mem[kind] != nil {
		return mode.Format{}, errors.Errorf("set %s format with buffers allocated", kind)
	}

	switch kind {
	case mode.BufferEncoded:
		if !f.Codec.IsVideo() || f.Codec == mode.CodecTypeNV12 {
			return mode.Format{}, errors.Wrapf(errcode.ErrUnsupportedFormat, "encoded codec %s", f.Codec)
		}
		if len(f.Planes) == 0 || f.Planes[0].SizeImage <= 0 {
			f.Planes = []mode.PlaneFormat{{SizeImage: 1 << 20}}
		}
		f.Planes = f.Planes[:1]
		d.formats[kind] = f
		// the decoded side follows the stream until told otherwise
		crop := d.crop
		if crop.Empty() {
			crop = mode.Rect{Width: f.Width, Height: f.Height}
		}
		d.formats[mode.BufferDecoded] = mode.Format{
			Codec:  mode.CodecTypeNV12,
			Width:  f.Width,
			Height: f.Height,
			Planes: planesNV12(f.Width, f.Height),
			Crop:   crop,
		}
	case mode.BufferDecoded:
		if f.Codec != mode.CodecTypeNV12 {
			return mode.Format{}, errors.Wrapf(errcode.ErrUnsupportedFormat, "decoded codec %s", f.Codec)
		}
		f.Planes = planesNV12(f.Width, f.Height)
		f.Crop = d.formats[kind].Crop
		d.formats[kind] = f
	}
	return d.formats[kind], nil
}

func (d *Device) GetFormat(kind mode.BufferKind) (mode.Format, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.formats[kind], nil
}

func (d *Device) AllocateBuffers(kind mode.BufferKind, count int) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.streaming[kind] {
		return 0, errors.Errorf("allocate %s buffers while streaming", kind)
	}
	if count == 0 {
		d.mem[kind] = nil
		d.owned[kind] = map[int]bool{}
		return 0, nil
	}
	if d.closed {
		return 0, errors.WithStack(errcode.ErrDeviceClosed)
	}
	if count > d.maxBuffers {
		count = d.maxBuffers
	}
	size := d.formats[kind].BufferSize()
	if size <= 0 {
		size = 4096
	}
	d.mem[kind] = make([][]byte, count)
	for i := range d.mem[kind] {
		d.mem[kind][i] = make([]byte, size)
	}
	return count, nil
}

func (d *Device) MapBuffer(kind mode.BufferKind, index int) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if index < 0 || index >= len(d.mem[kind]) {
		return nil, errors.Errorf("map %s buffer #%d of %d", kind, index, len(d.mem[kind]))
	}
	return d.mem[kind][index], nil
}

func (d *Device) QueueBuffer(kind mode.BufferKind, index int, info mode.BufferInfo) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return errors.WithStack(errcode.ErrDeviceClosed)
	}
	if index < 0 || index >= len(d.mem[kind]) {
		return errors.Errorf("queue %s buffer #%d of %d", kind, index, len(d.mem[kind]))
	}
	if d.owned[kind][index] {
		return errors.Errorf("%s buffer #%d queued twice", kind, index)
	}
	switch kind {
	case mode.BufferEncoded:
		if info.BytesUsed <= 0 {
			return errors.Errorf("encoded buffer #%d is empty", index)
		}
		d.input = append(d.input, queued{index: index, info: info})
	case mode.BufferDecoded:
		d.free = append(d.free, index)
	}
	d.owned[kind][index] = true
	d.notify()
	return nil
}

func (d *Device) DequeueBuffer(kind mode.BufferKind) (int, mode.BufferInfo, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	list := &d.consumed
	if kind == mode.BufferDecoded {
		list = &d.ready
	}
	if len(*list) == 0 {
		return -1, mode.BufferInfo{}, errors.WithStack(errcode.ErrNoBuffer)
	}
	q := (*list)[0]
	*list = (*list)[1:]
	delete(d.owned[kind], q.index)
	return q.index, q.info, nil
}

func (d *Device) StartStreaming(kind mode.BufferKind) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.mem[kind] == nil {
		return errors.Errorf("stream on %s without buffers", kind)
	}
	d.streaming[kind] = true
	if kind == mode.BufferDecoded {
		d.stalled = false
	}
	d.notify()
	return nil
}

// StopStreaming returns every buffer of the queue. Stopping the encoded side
// also drops pictures the decoder was still holding.
func (d *Device) StopStreaming(kind mode.BufferKind) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.streaming[kind] = false
	d.owned[kind] = map[int]bool{}
	switch kind {
	case mode.BufferEncoded:
		d.input = nil
		d.consumed = nil
		d.held = nil
	case mode.BufferDecoded:
		d.free = nil
		d.ready = nil
		d.output = nil
	}
	return nil
}

func (d *Device) SubscribeEvents() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.subscribed = true
	return nil
}

func (d *Device) DequeueEvent() (mode.DeviceEvent, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.events) == 0 {
		return mode.DeviceEvent{}, errors.WithStack(errcode.ErrNoEvent)
	}
	ev := d.events[0]
	d.events = d.events[1:]
	ev.Pending = len(d.events)
	return ev, nil
}

func (d *Device) Poll(timeout time.Duration) (mode.PollBits, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		d.lock.Lock()
		if d.closed {
			d.lock.Unlock()
			return 0, errors.WithStack(errcode.ErrDeviceClosed)
		}
		d.process()
		bits := d.bits()
		d.lock.Unlock()
		if bits != 0 || timeout == 0 {
			return bits, nil
		}

		select {
		case <-d.wake:
			// woken by Interrupt or by new work; report what is there now
			d.lock.Lock()
			d.process()
			bits = d.bits()
			d.lock.Unlock()
			return bits, nil
		case <-deadline:
			return 0, nil
		}
	}
}

func (d *Device) Interrupt() error {
	d.notify()
	return nil
}

func (d *Device) Close() error {
	d.lock.Lock()
	d.closed = true
	d.lock.Unlock()
	d.notify()
	return nil
}

// InjectSourceChange switches the decoded geometry; an empty crop means the
// whole picture. Decoding stalls until the decoded queue is started again.
func (d *Device) InjectSourceChange(width, height int, crop mode.Rect) {
	if crop.Empty() {
		crop = mode.Rect{Width: width, Height: height}
	}
	d.lock.Lock()
	d.formats[mode.BufferDecoded] = mode.Format{
		Codec:  mode.CodecTypeNV12,
		Width:  width,
		Height: height,
		Planes: planesNV12(width, height),
		Crop:   crop,
	}
	d.stalled = true
	d.pushEvent(mode.DeviceEvent{Type: mode.EventSourceChange, ResolutionChanged: true})
	d.lock.Unlock()
	d.notify()
}

func (d *Device) InjectEndOfStream() {
	d.lock.Lock()
	d.pushEvent(mode.DeviceEvent{Type: mode.EventEndOfStream})
	d.lock.Unlock()
	d.notify()
}

// InjectError makes every later Poll report an error.
func (d *Device) InjectError() {
	d.lock.Lock()
	d.failed = true
	d.lock.Unlock()
	d.notify()
}

// Owned is the number of buffers of a queue the device currently holds.
func (d *Device) Owned(kind mode.BufferKind) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.owned[kind])
}

func (d *Device) Stats() Stats {
	return Stats{
		Consumed: d.consumedCount.Load(),
		Decoded:  d.decodedCount.Load(),
	}
}

func (d *Device) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) pushEvent(ev mode.DeviceEvent) {
	if d.subscribed {
		d.events = append(d.events, ev)
	}
}

func (d *Device) bits() mode.PollBits {
	var bits mode.PollBits
	if len(d.consumed) > 0 {
		bits |= mode.PollEncoded
	}
	if len(d.ready) > 0 {
		bits |= mode.PollDecoded
	}
	if len(d.events) > 0 {
		bits |= mode.PollEvent
	}
	if d.failed {
		bits |= mode.PollError
	}
	return bits
}

// process runs the pretend decoder. Called with the lock held.
func (d *Device) process() {
	if d.streaming[mode.BufferEncoded] && !d.stalled {
		for _, in := range d.input {
			d.consumed = append(d.consumed, in)
			d.consumedCount.Inc()
			if !in.info.Flags.Has(mode.FlagHeader) {
				d.held = append(d.held, mode.BufferInfo{Timestamp: in.info.Timestamp, Flags: in.info.Flags &^ mode.FlagLast})
				d.release(false)
			}
			if in.info.Flags.Has(mode.FlagLast) {
				d.release(true)
				if n := len(d.output); n > 0 {
					d.output[n-1].Flags |= mode.FlagLast
				}
				d.pushEvent(mode.DeviceEvent{Type: mode.EventEndOfStream})
			}
		}
		d.input = d.input[:0]
	}

	if !d.streaming[mode.BufferDecoded] {
		return
	}
	size := d.formats[mode.BufferDecoded].BufferSize()
	for len(d.output) > 0 && len(d.free) > 0 {
		pic := d.output[0]
		d.output = d.output[1:]
		index := d.free[0]
		d.free = d.free[1:]
		mem := d.mem[mode.BufferDecoded][index]
		if len(mem) >= 8 {
			binary.LittleEndian.PutUint64(mem, uint64(pic.Timestamp))
		}
		pic.BytesUsed = min(size, len(mem))
		d.ready = append(d.ready, queued{index: index, info: pic})
		d.decodedCount.Inc()
	}
}

// release moves held pictures to the output list according to the
// configured order; flush releases all of them.
func (d *Device) release(flush bool) {
	switch {
	case d.window > 0:
		if !flush && len(d.held) < d.window {
			return
		}
		slices.Reverse(d.held)
		d.output = append(d.output, d.held...)
		d.held = d.held[:0]
	case d.dpbDepth > 0:
		for len(d.held) > d.dpbDepth || (flush && len(d.held) > 0) {
			i := 0
			for j := range d.held {
				if d.held[j].Timestamp < d.held[i].Timestamp {
					i = j
				}
			}
			d.output = append(d.output, d.held[i])
			d.held = slices.Delete(d.held, i, i+1)
		}
	default:
		d.output = append(d.output, d.held...)
		d.held = d.held[:0]
	}
}

// PictureTimestamp reads back the timestamp the device stamped into a decoded buffer.
func PictureTimestamp(mem []byte) time.Duration {
	if len(mem) < 8 {
		return -1
	}
	return time.Duration(binary.LittleEndian.Uint64(mem))
}

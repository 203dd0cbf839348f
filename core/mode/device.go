package mode

import (
	"fmt"
	"time"
)

// BufferKind selects one of the two queues of a memory-to-memory decoder.
type BufferKind uint8

const (
	// BufferEncoded is the compressed input queue, OUTPUT in V4L2 terms.
	BufferEncoded BufferKind = iota
	// BufferDecoded is the picture output queue, CAPTURE in V4L2 terms.
	BufferDecoded
)

func (k BufferKind) String() string {
	switch k {
	case BufferEncoded:
		return "encoded"
	case BufferDecoded:
		return "decoded"
	}
	return "unknown"
}

// PollBits is the readiness mask returned by Device.Poll.
type PollBits uint16

const (
	// PollEncoded means an encoded buffer was consumed and can be dequeued.
	PollEncoded PollBits = 1 << iota
	// PollDecoded means a decoded buffer is ready to be dequeued.
	PollDecoded
	// PollEvent means DequeueEvent has something.
	PollEvent
	PollError
)

func (b PollBits) Has(bit PollBits) bool {
	return b&bit != 0
}

func (b PollBits) String() string {
	s := ""
	add := func(bit PollBits, name string) {
		if b.Has(bit) {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(PollEncoded, "encoded")
	add(PollDecoded, "decoded")
	add(PollEvent, "event")
	add(PollError, "error")
	if s == "" {
		return "none"
	}
	return s
}

type EventType uint8

const (
	EventOther EventType = iota
	EventEndOfStream
	EventSourceChange
)

func (t EventType) String() string {
	switch t {
	case EventEndOfStream:
		return "eos"
	case EventSourceChange:
		return "source_change"
	}
	return "other"
}

type DeviceEvent struct {
	Type EventType
	// ResolutionChanged is set for source change events caused by new geometry.
	ResolutionChanged bool
	// Pending is the number of events still queued after this one.
	Pending int
}

type BufferInfo struct {
	Timestamp time.Duration
	BytesUsed int
	Flags     BufferFlags
}

type Rect struct {
	Left   int
	Top    int
	Width  int
	Height int
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}

type PlaneFormat struct {
	SizeImage    int
	BytesPerLine int
}

type Format struct {
	Codec  CodecType
	Width  int
	Height int
	Planes []PlaneFormat
	Crop   Rect
}

func (f Format) BufferSize() int {
	n := 0
	for _, p := range f.Planes {
		n += p.SizeImage
	}
	return n
}

// SameGeometry reports whether two formats need the same decoded buffers.
func (f Format) SameGeometry(o Format) bool {
	if f.Codec != o.Codec || f.Width != o.Width || f.Height != o.Height || len(f.Planes) != len(o.Planes) {
		return false
	}
	for i := range f.Planes {
		if f.Planes[i] != o.Planes[i] {
			return false
		}
	}
	return true
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d crop %s, %d bytes", f.Codec, f.Width, f.Height, f.Crop, f.BufferSize())
}

// Device is a memory-to-memory stateful decoder.
//
// QueueBuffer may be called from a goroutine other than the one calling
// Poll and DequeueBuffer; every other method is called by one goroutine.
type Device interface {
	SetFormat(kind BufferKind, f Format) (Format, error)
	GetFormat(kind BufferKind) (Format, error)
	// AllocateBuffers asks for count buffers and returns how many the device
	// granted. A count of zero releases the buffers and their mappings.
	AllocateBuffers(kind BufferKind, count int) (int, error)
	MapBuffer(kind BufferKind, index int) ([]byte, error)
	QueueBuffer(kind BufferKind, index int, info BufferInfo) error
	// DequeueBuffer returns errcode.ErrNoBuffer when nothing completed.
	DequeueBuffer(kind BufferKind) (int, BufferInfo, error)
	StartStreaming(kind BufferKind) error
	StopStreaming(kind BufferKind) error
	SubscribeEvents() error
	// DequeueEvent returns errcode.ErrNoEvent when nothing is pending.
	DequeueEvent() (DeviceEvent, error)
	// Poll waits up to timeout for readiness; a negative timeout blocks until
	// the device is ready or Interrupt is called.
	Poll(timeout time.Duration) (PollBits, error)
	// Interrupt wakes a blocked Poll. Safe from any goroutine.
	Interrupt() error
	Close() error
}

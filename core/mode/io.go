package mode

import (
	"context"
	"time"

	"github.com/pingostack/m2mdec/pkg/event"
)

// SampleBuffer is the writable side of an encoded buffer handed to a track reader.
type SampleBuffer interface {
	Index() int
	// Bytes is the whole mapped region; write the payload at its start.
	Bytes() []byte
	SetPayload(n int, ts time.Duration, flags BufferFlags) error
}

// StreamPosition is an opaque per-track cursor produced by a track reader.
type StreamPosition interface {
	Timestamp() time.Duration
}

type TrackInfo struct {
	Codec  CodecType
	Width  int
	Height int
	// Crop is the visible rectangle signaled by the bitstream, zero if unknown.
	Crop Rect
	// MaxAccessUnitSize is the largest access unit of the track in bytes.
	MaxAccessUnitSize int
	FrameDuration     time.Duration
	Duration          time.Duration
}

type Seeker interface {
	// FindStreamPosition returns the last sample at or before ts.
	FindStreamPosition(ts time.Duration) (StreamPosition, error)
	// FindKeyFrame returns the closest position at or before pos decoding can start from.
	FindKeyFrame(pos StreamPosition) (StreamPosition, error)
	SeekToSample(pos StreamPosition) error
}

type VideoReader interface {
	Seeker
	Info() TrackInfo
	WriteNextAccessUnit(dst SampleBuffer) (Action, error)
}

type AudioReader interface {
	Seeker
	Info() TrackInfo
	NextAccessUnit() (*AccessUnit, Action, error)
}

// AudioQueue is the decoder side of the audio thread.
type AudioQueue interface {
	// FreeBuffer is set while the audio thread has room for another access unit.
	FreeBuffer() *event.Event
	Submit(au *AccessUnit) error
	// Drain blocks until everything submitted so far was played or discarded.
	Drain(ctx context.Context) error
}

type Clock interface {
	VideoReady()
}

type Texture interface {
	Release() error
}

type TextureExporter interface {
	ExportTexture(index int, mem []byte, format Format) (Texture, error)
}

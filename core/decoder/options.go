package decoder

import (
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
)

const (
	DefaultEncodedBuffers = 2
	DefaultDecodedBuffers = 4
	DefaultPageSize       = 4096
)

type Option func(*Decoder)

func WithLogger(l logger.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithBuffers sets how many buffers to request; the device may grant fewer.
func WithBuffers(encoded, decoded int) Option {
	return func(d *Decoder) {
		if encoded > 0 {
			d.encodedCount = encoded
		}
		if decoded > 0 {
			d.decodedCount = decoded
		}
	}
}

func WithPageSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithAudio lets the decoder goroutine feed an audio track. Both must be set
// for audio to play.
func WithAudio(r mode.AudioReader, q mode.AudioQueue) Option {
	return func(d *Decoder) {
		d.audio = r
		d.audioQueue = q
	}
}

func WithClock(c mode.Clock) Option {
	return func(d *Decoder) { d.clock = c }
}

// WithCropRect overrides the crop rectangle the video track reports. The
// device must agree with it or decoding fails.
func WithCropRect(r mode.Rect) Option {
	return func(d *Decoder) { d.crop = r }
}

// WithOnEndOfStream is called on the decoder goroutine.
func WithOnEndOfStream(fn func()) Option {
	return func(d *Decoder) { d.onEndOfStream = fn }
}

// WithOnResolutionChange is called on the decoder goroutine after the decoded
// queue was rebuilt, outside of any lock.
func WithOnResolutionChange(fn func(mode.Format)) Option {
	return func(d *Decoder) { d.onResolutionChange = fn }
}

func WithTextureExporter(e mode.TextureExporter) Option {
	return func(d *Decoder) { d.exporter = e }
}

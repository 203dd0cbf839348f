package queue

import (
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

// DecodedQueue holds the pictures the device decodes into.
type DecodedQueue struct {
	*Queue[*DecodedBuffer]
	format   mode.Format
	textures []mode.Texture
}

func NewDecodedQueue(device mode.Device, count int, format mode.Format, log logger.Logger) (*DecodedQueue, error) {
	q, err := newQueue(device, mode.BufferDecoded, count, log, func(b Buffer) *DecodedBuffer {
		return &DecodedBuffer{Buffer: b}
	})
	if err != nil {
		return nil, err
	}
	return &DecodedQueue{Queue: q, format: format}, nil
}

func (q *DecodedQueue) Format() mode.Format {
	return q.format
}

// EnqueueAll hands every free buffer to the device.
func (q *DecodedQueue) EnqueueAll() error {
	for {
		b, ok := q.NextFree()
		if !ok {
			return nil
		}
		if err := q.Enqueue(b); err != nil {
			return err
		}
	}
}

// EnqueueByIndex returns a buffer held by user code to the device.
func (q *DecodedQueue) EnqueueByIndex(index int) error {
	b, err := q.userBuffer(index)
	if err != nil {
		return err
	}
	return q.Enqueue(b)
}

func (q *DecodedQueue) Timestamp(index int) (time.Duration, error) {
	b, err := q.userBuffer(index)
	if err != nil {
		return 0, err
	}
	return b.Timestamp(), nil
}

func (q *DecodedQueue) Bytes(index int) ([]byte, error) {
	b, err := q.userBuffer(index)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (q *DecodedQueue) userBuffer(index int) (*DecodedBuffer, error) {
	b, err := q.Buffer(index)
	if err != nil {
		return nil, err
	}
	if b.state != StateUser {
		return nil, errors.Wrapf(errcode.ErrInvalidTransition, "decoded buffer #%d is %s, not held by user code", index, b.state)
	}
	return b, nil
}

// Textures exports every buffer once; later calls return the cached set.
func (q *DecodedQueue) Textures(exp mode.TextureExporter) ([]mode.Texture, error) {
	if q.textures != nil {
		return q.textures, nil
	}
	textures := make([]mode.Texture, 0, len(q.buffers))
	for _, b := range q.buffers {
		t, err := exp.ExportTexture(b.index, b.mem, q.format)
		if err != nil {
			releaseTextures(textures, q.logger)
			return nil, errors.Wrapf(err, "export decoded buffer #%d", b.index)
		}
		textures = append(textures, t)
	}
	q.textures = textures
	q.logger.Infof("exported %d textures, %s", len(textures), q.format)
	return textures, nil
}

func (q *DecodedQueue) Destroy() error {
	releaseTextures(q.textures, q.logger)
	q.textures = nil
	return q.destroy()
}

func releaseTextures(textures []mode.Texture, log logger.Logger) {
	for _, t := range textures {
		if err := t.Release(); err != nil {
			log.WithError(err).Warn("release texture")
		}
	}
}

// Package reader exposes indexed media files as seekable tracks.
package reader

import (
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pkg/errors"
)

// Sample is one access unit in decode order.
type Sample struct {
	Timestamp time.Duration
	Duration  time.Duration
	Flags     mode.BufferFlags
	// Skip samples are read past without reaching the device.
	Skip bool
	Data []byte
}

type position struct {
	index int
	ts    time.Duration
}

func (p position) Timestamp() time.Duration {
	return p.ts
}

// Table is a fully indexed track. It serves both VideoReader and AudioReader.
type Table struct {
	info    mode.TrackInfo
	samples []Sample
	next    int
	last    int
}

var (
	_ mode.VideoReader = (*Table)(nil)
	_ mode.AudioReader = (*Table)(nil)
)

// NewTable indexes samples. Missing MaxAccessUnitSize and Duration are
// computed from the samples.
func NewTable(info mode.TrackInfo, samples []Sample) *Table {
	if info.MaxAccessUnitSize == 0 || info.Duration == 0 {
		var end time.Duration
		for _, s := range samples {
			info.MaxAccessUnitSize = max(info.MaxAccessUnitSize, len(s.Data))
			end = max(end, s.Timestamp+s.Duration)
		}
		if info.Duration == 0 {
			info.Duration = end
		}
	}
	last := len(samples) - 1
	for last >= 0 && samples[last].Skip {
		last--
	}
	return &Table{info: info, samples: samples, last: last}
}

func (t *Table) Info() mode.TrackInfo {
	return t.info
}

func (t *Table) Len() int {
	return len(t.samples)
}

// FindStreamPosition returns the picture with the latest presentation
// timestamp not after ts.
func (t *Table) FindStreamPosition(ts time.Duration) (mode.StreamPosition, error) {
	best := -1
	for i, s := range t.samples {
		if s.Skip || s.Flags.Has(mode.FlagHeader) || s.Timestamp > ts {
			continue
		}
		if best < 0 || s.Timestamp > t.samples[best].Timestamp {
			best = i
		}
	}
	if best < 0 {
		return nil, errors.Wrapf(errcode.ErrPositionNotFound, "no sample at or before %v", ts)
	}
	return position{index: best, ts: t.samples[best].Timestamp}, nil
}

// FindKeyFrame walks back in decode order to the key frame pos depends on,
// including the parameter sets right before it.
func (t *Table) FindKeyFrame(pos mode.StreamPosition) (mode.StreamPosition, error) {
	p, err := t.position(pos)
	if err != nil {
		return nil, err
	}
	i := p.index
	for i >= 0 && !t.samples[i].Flags.Has(mode.FlagKeyFrame) {
		i--
	}
	if i < 0 {
		return nil, errors.Wrapf(errcode.ErrPositionNotFound, "no key frame before sample %d", p.index)
	}
	ts := t.samples[i].Timestamp
	for i > 0 && (t.samples[i-1].Flags.Has(mode.FlagHeader) || t.samples[i-1].Skip) {
		i--
	}
	return position{index: i, ts: ts}, nil
}

func (t *Table) SeekToSample(pos mode.StreamPosition) error {
	p, err := t.position(pos)
	if err != nil {
		return err
	}
	t.next = p.index
	return nil
}

func (t *Table) position(pos mode.StreamPosition) (position, error) {
	p, ok := pos.(position)
	if !ok || p.index < 0 || p.index >= len(t.samples) {
		return position{}, errors.Wrapf(errcode.ErrPositionNotFound, "foreign stream position %v", pos)
	}
	return p, nil
}

// WriteNextAccessUnit copies the next sample into dst. The final decodable
// sample is flagged FlagLast.
func (t *Table) WriteNextAccessUnit(dst mode.SampleBuffer) (mode.Action, error) {
	if t.next >= len(t.samples) {
		return mode.ActionEndOfStream, nil
	}
	s := t.samples[t.next]
	t.next++
	if s.Skip {
		return mode.ActionIgnore, nil
	}
	buf := dst.Bytes()
	if len(s.Data) > len(buf) {
		return mode.ActionDecode, errors.Wrapf(errcode.ErrPayloadSize, "sample %d is %d bytes, buffer %d", t.next-1, len(s.Data), len(buf))
	}
	n := copy(buf, s.Data)
	flags := s.Flags
	if t.next-1 == t.last {
		flags |= mode.FlagLast
	}
	return mode.ActionDecode, dst.SetPayload(n, s.Timestamp, flags)
}

func (t *Table) NextAccessUnit() (*mode.AccessUnit, mode.Action, error) {
	if t.next >= len(t.samples) {
		return nil, mode.ActionEndOfStream, nil
	}
	s := t.samples[t.next]
	t.next++
	if s.Skip {
		return nil, mode.ActionIgnore, nil
	}
	return &mode.AccessUnit{
		Codec:     t.info.Codec,
		Timestamp: s.Timestamp,
		Duration:  s.Duration,
		Flags:     s.Flags,
		Data:      s.Data,
	}, mode.ActionDecode, nil
}

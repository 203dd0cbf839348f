package reader

import (
	"io"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pkg/errors"
)

func ivfCodec(fourcc string) mode.CodecType {
	switch fourcc {
	case "VP80":
		return mode.CodecTypeVP8
	case "VP90":
		return mode.CodecTypeVP9
	case "AV01":
		return mode.CodecTypeAV1
	}
	return mode.CodecTypeUnknown
}

// keyFrame reads the frame type from the uncompressed header. AV1 would need
// OBU parsing, so only its first frame counts as a key frame.
func keyFrame(codec mode.CodecType, data []byte, first bool) bool {
	if len(data) == 0 {
		return false
	}
	switch codec {
	case mode.CodecTypeVP8:
		return data[0]&0x01 == 0
	case mode.CodecTypeVP9:
		b := data[0]
		if b>>6 != 0b10 {
			return false
		}
		profile := (b>>5)&1 | (b>>4)&1<<1
		shift := uint(3)
		if profile == 3 {
			shift = 2
		}
		showExisting := (b >> shift) & 1
		frameType := (b >> (shift - 1)) & 1
		return showExisting == 0 && frameType == 0
	}
	return first
}

// OpenIVF indexes an IVF file holding VP8, VP9 or AV1.
func OpenIVF(r io.Reader) (*Table, error) {
	ir, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, errors.Wrap(err, "ivf header")
	}
	codec := ivfCodec(header.FourCC)
	if codec == mode.CodecTypeUnknown {
		return nil, errors.Wrapf(errcode.ErrUnsupportedFormat, "ivf fourcc %q", header.FourCC)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return nil, errors.Wrapf(errcode.ErrUnsupportedFormat, "ivf timebase %d/%d", header.TimebaseNumerator, header.TimebaseDenominator)
	}
	num := time.Duration(header.TimebaseNumerator)
	den := time.Duration(header.TimebaseDenominator)
	tick := func(pts uint64) time.Duration {
		return time.Duration(pts) * num * time.Second / den
	}
	// ParseNextFrame reports pts*den/num rounded down. Rounding back up
	// recovers the stored pts whenever num <= den.
	rawPTS := func(ts uint64) uint64 {
		n, d := uint64(header.TimebaseNumerator), uint64(header.TimebaseDenominator)
		return (ts*n + d - 1) / d
	}

	var samples []Sample
	for {
		data, fh, err := ir.ParseNextFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ivf frame %d", len(samples))
		}
		flags := mode.FlagPFrame
		if keyFrame(codec, data, len(samples) == 0) {
			flags = mode.FlagKeyFrame
		}
		samples = append(samples, Sample{
			Timestamp: tick(rawPTS(fh.Timestamp)),
			Flags:     flags,
			Data:      data,
		})
	}
	if len(samples) == 0 {
		return nil, errors.Wrap(errcode.ErrInsufficientSamples, "ivf file has no frames")
	}
	for i := range samples {
		if i+1 < len(samples) {
			samples[i].Duration = samples[i+1].Timestamp - samples[i].Timestamp
		} else {
			samples[i].Duration = tick(1)
		}
	}

	return NewTable(mode.TrackInfo{
		Codec:         codec,
		Width:         int(header.Width),
		Height:        int(header.Height),
		FrameDuration: tick(1),
	}, samples), nil
}

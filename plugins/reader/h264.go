package reader

import (
	"io"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// RawOptions describes an elementary stream that carries no container.
type RawOptions struct {
	Width     int
	Height    int
	FrameRate float64
	Crop      mode.Rect
}

func (o RawOptions) frameDuration() time.Duration {
	if o.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) / o.FrameRate)
}

// OpenH264 indexes an Annex-B H.264 stream. Parameter sets become samples of
// their own, access unit delimiters and filler are skipped. SEI never shows
// up, h264reader drops it. Pictures are assumed to be stored in
// presentation order.
func OpenH264(r io.Reader, opts RawOptions) (*Table, error) {
	nr, err := h264reader.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "h264 reader")
	}

	frame := opts.frameDuration()
	var (
		samples  []Sample
		picture  *Sample
		pictures int
	)
	flush := func() {
		if picture != nil {
			samples = append(samples, *picture)
			picture = nil
		}
	}

	for {
		nal, err := nr.NextNAL()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read nal")
		}
		if len(nal.Data) == 0 {
			continue
		}
		payload := append(append([]byte{}, annexBStartCode...), nal.Data...)

		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS:
			flush()
			samples = append(samples, Sample{Flags: mode.FlagHeader, Data: payload})
		case h264reader.NalUnitTypeAUD, h264reader.NalUnitTypeFiller:
			flush()
			samples = append(samples, Sample{Skip: true})
		case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
			// first_mb_in_slice == 0 starts a new picture
			if picture == nil || (len(nal.Data) > 1 && nal.Data[1]&0x80 != 0) {
				flush()
				flags := mode.FlagPFrame
				if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
					flags = mode.FlagKeyFrame
				}
				picture = &Sample{
					Timestamp: time.Duration(pictures) * frame,
					Duration:  frame,
					Flags:     flags,
				}
				pictures++
			}
			picture.Data = append(picture.Data, payload...)
		default:
			flush()
		}
	}
	flush()

	if pictures == 0 {
		return nil, errors.Wrap(errcode.ErrInsufficientSamples, "h264 stream has no pictures")
	}
	// header samples share the timestamp of the picture that follows them
	next := time.Duration(-1)
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Flags.Has(mode.FlagHeader) || samples[i].Skip {
			if next >= 0 {
				samples[i].Timestamp = next
			}
			continue
		}
		next = samples[i].Timestamp
	}

	return NewTable(mode.TrackInfo{
		Codec:         mode.CodecTypeH264,
		Width:         opts.Width,
		Height:        opts.Height,
		Crop:          opts.Crop,
		FrameDuration: frame,
	}, samples), nil
}

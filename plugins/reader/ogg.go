package reader

import (
	"bytes"
	"io"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pkg/errors"
)

// opus granule positions always count 48 kHz samples
const opusRate = 48000

// OpenOgg indexes an Ogg Opus file page by page. Every page is an access
// unit and every one can start playback.
func OpenOgg(r io.Reader) (*Table, error) {
	or, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, errors.Wrap(err, "ogg header")
	}
	preSkip := uint64(header.PreSkip)
	tick := func(granule uint64) time.Duration {
		if granule < preSkip {
			return 0
		}
		return time.Duration(granule-preSkip) * time.Second / opusRate
	}

	var (
		samples []Sample
		prev    uint64
	)
	for {
		payload, page, err := or.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ogg page %d", len(samples))
		}
		if bytes.HasPrefix(payload, []byte("OpusTags")) {
			samples = append(samples, Sample{Skip: true})
			continue
		}
		start, end := tick(prev), tick(page.GranulePosition)
		prev = page.GranulePosition
		samples = append(samples, Sample{
			Timestamp: start,
			Duration:  end - start,
			Flags:     mode.FlagKeyFrame,
			Data:      payload,
		})
	}
	if len(samples) == 0 {
		return nil, errors.Wrap(errcode.ErrInsufficientSamples, "ogg file has no audio pages")
	}
	return NewTable(mode.TrackInfo{Codec: mode.CodecTypeOPUS}, samples), nil
}

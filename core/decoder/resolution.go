package decoder

import (
	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/queue"
	"github.com/pkg/errors"
)

// decodedFormat is NV12 with a stride aligned to 4 bytes, as GLES wants it.
func decodedFormat(width, height int) mode.Format {
	stride := (width + 3) &^ 3
	return mode.Format{
		Codec:  mode.CodecTypeNV12,
		Width:  width,
		Height: height,
		Planes: []mode.PlaneFormat{
			{SizeImage: height * stride, BytesPerLine: stride},
			{SizeImage: height * stride / 2, BytesPerLine: stride},
		},
	}
}

// checkCrop fails when the device disagrees with the crop rectangle of the
// bitstream. That usually means the driver misparsed the parameter sets.
func (d *Decoder) checkCrop(f mode.Format) error {
	if f.Codec != mode.CodecTypeNV12 || len(f.Planes) != 2 {
		return errors.Wrapf(errcode.ErrUnsupportedFormat, "decoded format %s, only 4:2:0 NV12 is supported", f)
	}
	if d.crop.Empty() || f.Crop.Empty() {
		return nil
	}
	if f.Crop != d.crop {
		return errors.Wrapf(errcode.ErrCropMismatch, "stream crop %s, device crop %s", d.crop, f.Crop)
	}
	return nil
}

// sourceChanged handles a source change event. New geometry rebuilds the
// decoded queue; the encoded side and the goroutine keep running.
func (d *Decoder) sourceChanged(ev mode.DeviceEvent) error {
	f, err := d.device.GetFormat(mode.BufferDecoded)
	if err != nil {
		return errors.Wrap(err, "get decoded format")
	}
	if err := d.checkCrop(f); err != nil {
		return err
	}

	d.lock.Lock()
	rebuilt, err := d.restartDecoded(f)
	var current mode.Format
	if d.decoded != nil {
		current = d.decoded.Format()
	}
	d.lock.Unlock()
	if err != nil {
		return err
	}

	if !rebuilt {
		d.logger.Debugf("source change without new geometry, %s", f)
		return nil
	}
	d.logger.Infof("resolution changed to %s", current)
	if d.onResolutionChange != nil {
		d.onResolutionChange(current)
	}
	return nil
}

// restartDecoded is called with the lock held. The device wants the decoded
// queue restarted after every source change; new geometry also needs new
// buffers.
func (d *Decoder) restartDecoded(f mode.Format) (bool, error) {
	if d.decoded.Format().SameGeometry(f) {
		if err := d.decoded.StopStreaming(); err != nil {
			return false, err
		}
		if err := d.decoded.StartStreaming(); err != nil {
			return false, err
		}
		return false, d.decoded.EnqueueAll()
	}

	// the consumer may still hold frames of the old geometry
	for i := 0; i < d.decoded.Capacity(); i++ {
		b, err := d.decoded.Buffer(i)
		if err != nil {
			return false, err
		}
		if b.State() == queue.StateUser && !d.pending.Contains(i) {
			d.stale[i] = true
		}
	}
	d.pending.Clear()
	if err := d.decoded.Destroy(); err != nil {
		return false, err
	}
	d.decoded = nil

	got, err := d.device.SetFormat(mode.BufferDecoded, decodedFormat(f.Width, f.Height))
	if err != nil {
		return false, errors.Wrap(err, "set decoded format")
	}
	if err := d.setupDecoded(got); err != nil {
		return false, err
	}
	return true, nil
}

package decoder

import (
	"runtime"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/queue"
	"github.com/pkg/errors"
)

const pollForever time.Duration = -1

// maxAudioPerWake bounds how many audio access units one wake-up forwards,
// so a queue that never resets its event cannot starve the video side.
const maxAudioPerWake = 16

var errShutdown = errors.New("shutdown requested")

func (d *Decoder) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)
	defer d.poller.close()

	if err := d.loop(); err != nil {
		d.fail(err)
	}
	d.state.Store(int32(StateShuttingDown))
	d.logger.Info("decoder goroutine exited")
}

func (d *Decoder) loop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("decoder goroutine panic: %v", r)
		}
	}()

	for {
		w, err := d.poller.wait(d.audioEnabled())
		if err != nil {
			return err
		}
		if w.has(sourceShutdown) {
			d.state.Store(int32(StateShuttingDown))
			return nil
		}
		if w.has(sourceSeek) {
			if err := d.seek(); err != nil {
				if errors.Is(err, errShutdown) {
					return nil
				}
				return err
			}
			continue
		}
		if err := d.dispatch(w, d.insertPending); err != nil {
			return err
		}
	}
}

func (d *Decoder) audioEnabled() bool {
	return d.audio != nil && d.audioQueue != nil && !d.audioEOF
}

// dispatch services whatever woke the goroutine. onDecoded runs with the
// lock held for every picture the device produced.
func (d *Decoder) dispatch(w wake, onDecoded func(*queue.DecodedBuffer) error) error {
	if w.device.Has(mode.PollError) {
		return errors.WithStack(errcode.ErrDeviceError)
	}
	if w.has(sourceAudio) && d.audioEnabled() {
		if err := d.serviceAudio(); err != nil {
			return err
		}
	}
	if w.device.Has(mode.PollEvent) {
		if err := d.serviceEvents(); err != nil {
			return err
		}
	}
	if w.device.Has(mode.PollDecoded) {
		if err := d.serviceDecoded(onDecoded); err != nil {
			return err
		}
	}
	if w.device.Has(mode.PollEncoded) {
		if err := d.serviceEncoded(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) serviceAudio() error {
	free := d.audioQueue.FreeBuffer()
	for i := 0; i < maxAudioPerWake && free.IsSet(); i++ {
		au, act, err := d.audio.NextAccessUnit()
		if err != nil {
			return errors.Wrap(err, "read audio access unit")
		}
		switch act {
		case mode.ActionEndOfStream:
			d.audioEOF = true
			d.logger.Info("audio end of stream")
			return nil
		case mode.ActionIgnore:
			continue
		}
		if err := d.audioQueue.Submit(au); err != nil {
			return errors.Wrapf(errcode.ErrAudioError, "submit audio at %v: %v", au.Timestamp, err)
		}
	}
	return nil
}

func (d *Decoder) serviceEvents() error {
	for {
		ev, err := d.device.DequeueEvent()
		if errors.Is(err, errcode.ErrNoEvent) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "dequeue event")
		}

		switch ev.Type {
		case mode.EventEndOfStream:
			d.logger.Info("device reported end of stream")
			if d.onEndOfStream != nil {
				d.onEndOfStream()
			}
		case mode.EventSourceChange:
			if err := d.sourceChanged(ev); err != nil {
				return err
			}
		default:
			d.logger.Debugf("ignoring %s event", ev.Type)
		}
		if ev.Pending == 0 {
			return nil
		}
	}
}

// serviceDecoded takes every completed picture from the device.
func (d *Decoder) serviceDecoded(onDecoded func(*queue.DecodedBuffer) error) error {
	for {
		done, err := d.takeDecoded(onDecoded)
		if err != nil || done {
			return err
		}
	}
}

func (d *Decoder) takeDecoded(onDecoded func(*queue.DecodedBuffer) error) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.decoded.AnyQueued() {
		return true, nil
	}
	b, err := d.decoded.Dequeue()
	if errors.Is(err, errcode.ErrNoBuffer) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	// drivers mark the end with an empty buffer
	if b.Info().BytesUsed == 0 {
		return false, d.decoded.Enqueue(b)
	}
	return false, onDecoded(b)
}

// insertPending is the steady state: every picture goes to the consumer.
func (d *Decoder) insertPending(b *queue.DecodedBuffer) error {
	return d.pending.Insert(b.Timestamp(), b.Index())
}

// serviceEncoded refills every encoded buffer the device consumed.
func (d *Decoder) serviceEncoded() error {
	for d.encoded.AnyQueued() {
		b, err := d.encoded.Dequeue()
		if errors.Is(err, errcode.ErrNoBuffer) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.videoEOF {
			if err := d.encoded.Release(b); err != nil {
				return err
			}
			continue
		}
		eof, err := d.encoded.Refill(d.video, b)
		if err != nil {
			return err
		}
		if eof {
			d.videoEOF = true
			d.logger.Info("video end of stream")
		}
	}
	return nil
}

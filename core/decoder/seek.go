package decoder

import (
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/queue"
	"github.com/pkg/errors"
)

// seek runs until the requested position is decoded. A request arriving
// before that restarts it with the new target.
func (d *Decoder) seek() error {
	for {
		d.state.Store(int32(StateSeekPending))
		restart, err := d.seekOnce()
		if err != nil {
			return err
		}
		if !restart {
			d.state.Store(int32(StateRunning))
			return nil
		}
		d.logger.Debug("seek superseded by a newer request")
	}
}

func (d *Decoder) seekOnce() (restart bool, err error) {
	d.seekEvent.Reset()

	d.lock.Lock()
	target, ok := d.seekTo, d.hasTarget
	d.hasTarget = false
	d.lock.Unlock()
	if !ok {
		return false, errors.WithStack(errcode.ErrNoSeekTarget)
	}

	videoPos, videoKey, err := locate(d.video, target)
	if err != nil {
		return false, errors.Wrapf(err, "locate video at %v", target)
	}
	var audioKey mode.StreamPosition
	if d.audio != nil {
		if _, audioKey, err = locate(d.audio, target); err != nil {
			return false, errors.Wrapf(err, "locate audio at %v", target)
		}
	}
	exit := mode.RoundTimestamp(videoPos.Timestamp())
	log := d.logger.WithFields(map[string]interface{}{
		"target":   target,
		"sample":   exit,
		"keyframe": videoKey.Timestamp(),
	})
	log.Debug("seeking")

	if err := d.flush(); err != nil {
		return false, err
	}

	if d.audioQueue != nil {
		if err := d.audioQueue.Drain(d.ctx); err != nil {
			if d.shutdownEvent.IsSet() {
				return false, errShutdown
			}
			return false, errors.Wrapf(errcode.ErrAudioError, "drain audio: %v", err)
		}
	}

	if err := d.video.SeekToSample(videoKey); err != nil {
		return false, errors.Wrap(err, "reposition video")
	}
	if d.audio != nil {
		if err := d.audio.SeekToSample(audioKey); err != nil {
			return false, errors.Wrap(err, "reposition audio")
		}
	}
	d.audioEOF = false
	if d.videoEOF, err = d.encoded.FillFree(d.video); err != nil {
		return false, err
	}

	found := false
	onDecoded := func(b *queue.DecodedBuffer) error {
		if found {
			return d.insertPending(b)
		}
		ts := mode.RoundTimestamp(b.Timestamp())
		switch {
		case ts < exit:
			return d.decoded.Enqueue(b)
		case ts == exit:
			found = true
			return d.insertPending(b)
		}
		return errors.Wrapf(errcode.ErrSeekOvershoot, "decoded %v while seeking to %v", ts, exit)
	}
	for !found {
		w, err := d.poller.wait(d.audioEnabled())
		if err != nil {
			return false, err
		}
		if w.has(sourceShutdown) {
			return false, errShutdown
		}
		if w.has(sourceSeek) {
			return true, nil
		}
		if err := d.dispatch(w, onDecoded); err != nil {
			return false, err
		}
	}

	if d.clock != nil {
		d.clock.VideoReady()
	}
	log.Info("seek complete")
	return false, nil
}

func locate(s mode.Seeker, target time.Duration) (pos, key mode.StreamPosition, err error) {
	if pos, err = s.FindStreamPosition(target); err != nil {
		return nil, nil, err
	}
	if key, err = s.FindKeyFrame(pos); err != nil {
		return nil, nil, err
	}
	return pos, key, nil
}

// flush discards every pending picture and restarts both device queues, so
// nothing decoded before the seek can surface after it.
func (d *Decoder) flush() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, index := range d.pending.Clear() {
		if err := d.decoded.EnqueueByIndex(index); err != nil {
			return err
		}
	}
	if err := d.encoded.StopStreaming(); err != nil {
		return err
	}
	if err := d.decoded.StopStreaming(); err != nil {
		return err
	}
	if err := d.encoded.StartStreaming(); err != nil {
		return err
	}
	if err := d.decoded.StartStreaming(); err != nil {
		return err
	}
	return d.decoded.EnqueueAll()
}

package decoder

import (
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/event"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

// source is one of the fixed inputs the decoder goroutine waits on.
type source uint8

const (
	sourceAudio source = 1 << iota
	sourceSeek
	sourceShutdown
)

type wake struct {
	device  mode.PollBits
	sources source
}

func (w wake) has(s source) bool {
	return w.sources&s != 0
}

// poller folds the three events into the device wait: setting any of them
// interrupts a blocked Poll.
type poller struct {
	device   mode.Device
	audio    *event.Event
	seek     *event.Event
	shutdown *event.Event
	cancels  []func()
}

func newPoller(device mode.Device, audio, seek, shutdown *event.Event, log logger.Logger) *poller {
	p := &poller{
		device:   device,
		audio:    audio,
		seek:     seek,
		shutdown: shutdown,
	}
	interrupt := func() {
		if err := device.Interrupt(); err != nil {
			log.WithError(err).Warn("interrupt device poll")
		}
	}
	for _, e := range []*event.Event{audio, seek, shutdown} {
		if e != nil {
			p.cancels = append(p.cancels, e.Listen(interrupt))
		}
	}
	return p
}

func (p *poller) signaled(audio bool) source {
	var s source
	if audio && p.audio != nil && p.audio.IsSet() {
		s |= sourceAudio
	}
	if p.seek.IsSet() {
		s |= sourceSeek
	}
	if p.shutdown.IsSet() {
		s |= sourceShutdown
	}
	return s
}

// wait blocks until the device is ready or an event is set. The audio event
// is ignored unless audio is true.
func (p *poller) wait(audio bool) (wake, error) {
	timeout := pollForever
	if p.signaled(audio) != 0 {
		timeout = 0
	}
	bits, err := p.device.Poll(timeout)
	if err != nil {
		return wake{}, errors.Wrap(err, "poll device")
	}
	return wake{device: bits, sources: p.signaled(audio)}, nil
}

func (p *poller) close() {
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
}

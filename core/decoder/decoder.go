// Package decoder drives a stateful memory-to-memory video decoder from one
// dedicated goroutine and hands decoded pictures to a consumer in
// presentation order.
package decoder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/queue"
	"github.com/pingostack/m2mdec/pkg/event"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSeekPending
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSeekPending:
		return "seek_pending"
	case StateShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Frame is a decoded picture owned by the consumer until ReturnBuffer.
type Frame struct {
	Index     int
	Timestamp time.Duration
}

type Decoder struct {
	device  mode.Device
	logger  logger.Logger
	session string

	encodedCount int
	decodedCount int
	pageSize     int
	crop         mode.Rect

	audio              mode.AudioReader
	audioQueue         mode.AudioQueue
	clock              mode.Clock
	exporter           mode.TextureExporter
	onEndOfStream      func()
	onResolutionChange func(mode.Format)

	// owned by the decoder goroutine once started
	video    mode.VideoReader
	encoded  *queue.EncodedQueue
	poller   *poller
	videoEOF bool
	audioEOF bool

	// lock guards everything the consumer can reach
	lock      sync.Mutex
	decoded   *queue.DecodedQueue
	pending   *queue.PendingFrames
	stale     map[int]bool
	seekTo    time.Duration
	hasTarget bool

	seekEvent     *event.Event
	shutdownEvent *event.Event
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	stopWatch     func() bool

	state     atomic.Int32
	started   atomic.Bool
	err       atomic.Error
	closeOnce sync.Once
	closeErr  error
}

func New(device mode.Device, opts ...Option) *Decoder {
	d := &Decoder{
		device:        device,
		session:       uuid.NewString(),
		encodedCount:  DefaultEncodedBuffers,
		decodedCount:  DefaultDecodedBuffers,
		pageSize:      DefaultPageSize,
		stale:         make(map[int]bool),
		seekEvent:     event.New(),
		shutdownEvent: event.New(),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = logger.Default()
	}
	d.logger = d.logger.WithField("session", d.session)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

func (d *Decoder) Session() string {
	return d.session
}

// Start configures both device queues, queues the first access units and
// launches the decoder goroutine. Cancelling ctx shuts the goroutine down.
func (d *Decoder) Start(ctx context.Context, video mode.VideoReader) (err error) {
	if d.started.Swap(true) {
		return errors.WithStack(errcode.ErrAlreadyStarted)
	}
	defer func() {
		if err != nil {
			d.releaseQueues()
			d.state.Store(int32(StateShuttingDown))
			close(d.done)
		}
	}()

	d.video = video
	info := video.Info()
	if d.crop.Empty() {
		d.crop = info.Crop
	}
	log := d.logger.WithFields(map[string]interface{}{
		"codec":  info.Codec.String(),
		"width":  info.Width,
		"height": info.Height,
	})

	bufferSize := queue.EncodedBufferSize(info.MaxAccessUnitSize, d.pageSize)
	if _, err := d.device.SetFormat(mode.BufferEncoded, mode.Format{
		Codec:  info.Codec,
		Width:  info.Width,
		Height: info.Height,
		Planes: []mode.PlaneFormat{{SizeImage: bufferSize}},
	}); err != nil {
		return errors.Wrap(err, "set encoded format")
	}
	if d.encoded, err = queue.NewEncodedQueue(d.device, d.encodedCount, bufferSize, d.logger); err != nil {
		return err
	}
	if err := d.device.SubscribeEvents(); err != nil {
		return errors.Wrap(err, "subscribe events")
	}
	if err := d.encoded.StartStreaming(); err != nil {
		return err
	}

	size := mode.Rect{Width: info.Width, Height: info.Height}
	if !d.crop.Empty() {
		size = d.crop
	}
	f, err := d.device.SetFormat(mode.BufferDecoded, decodedFormat(size.Width, size.Height))
	if err != nil {
		return errors.Wrap(err, "set decoded format")
	}
	if err := d.checkCrop(f); err != nil {
		return err
	}
	d.lock.Lock()
	err = d.setupDecoded(f)
	d.lock.Unlock()
	if err != nil {
		return err
	}

	if err := d.encoded.FillInitial(video); err != nil {
		return err
	}

	var audioFree *event.Event
	if d.audioQueue != nil && d.audio != nil {
		audioFree = d.audioQueue.FreeBuffer()
	}
	d.poller = newPoller(d.device, audioFree, d.seekEvent, d.shutdownEvent, d.logger)
	d.state.Store(int32(StateRunning))
	d.stopWatch = context.AfterFunc(ctx, d.Shutdown)

	log.Infof("decoder started, %d encoded buffers of %d bytes, %d decoded buffers, %s",
		d.encoded.Capacity(), bufferSize, d.decoded.Capacity(), f)
	go d.run()
	return nil
}

// setupDecoded allocates the decoded queue for f and primes it. Called with
// the lock held.
func (d *Decoder) setupDecoded(f mode.Format) error {
	q, err := queue.NewDecodedQueue(d.device, d.decodedCount, f, d.logger)
	if err != nil {
		return err
	}
	d.decoded = q
	d.pending = queue.NewPendingFrames(q.Capacity())
	if err := q.StartStreaming(); err != nil {
		return err
	}
	return q.EnqueueAll()
}

// DequeueReadyFrame takes the earliest decoded picture. The caller owns the
// buffer until ReturnBuffer.
func (d *Decoder) DequeueReadyFrame() (Frame, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.pending == nil {
		return Frame{}, errors.WithStack(errcode.ErrNotStarted)
	}
	ts, index, err := d.pending.RemoveFirst()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Index: index, Timestamp: ts}, nil
}

// NextFramePresentationTime peeks at the earliest pending timestamp.
func (d *Decoder) NextFramePresentationTime() (time.Duration, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.pending == nil {
		return 0, false
	}
	return d.pending.First()
}

func (d *Decoder) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.pending == nil {
		return 0
	}
	return d.pending.Len()
}

// ReturnBuffer gives a dequeued frame back to the device. Buffers that were
// destroyed by a resolution change are accepted and dropped. A frame still
// waiting in the pending set was never handed out and is rejected.
func (d *Decoder) ReturnBuffer(index int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.decoded == nil {
		return errors.WithStack(errcode.ErrNotStarted)
	}
	if d.stale[index] {
		delete(d.stale, index)
		return nil
	}
	if d.pending != nil && d.pending.Contains(index) {
		return errors.Wrapf(errcode.ErrInvalidTransition, "decoded buffer #%d was not dequeued", index)
	}
	return d.decoded.EnqueueByIndex(index)
}

// RequestSeek asks the decoder goroutine to continue from target. A newer
// request replaces one that has not completed yet.
func (d *Decoder) RequestSeek(target time.Duration) {
	d.lock.Lock()
	d.seekTo = target
	d.hasTarget = true
	d.lock.Unlock()
	d.seekEvent.Set()
}

// Shutdown signals the decoder goroutine to exit. It does not wait; use Done.
func (d *Decoder) Shutdown() {
	d.shutdownEvent.Set()
	d.cancel()
}

func (d *Decoder) Done() <-chan struct{} {
	return d.done
}

func (d *Decoder) Running() bool {
	if !d.started.Load() {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Decoder) State() State {
	return State(d.state.Load())
}

// MarshalPendingError returns the error that stopped the decoder goroutine,
// once. Later calls return nil.
func (d *Decoder) MarshalPendingError() error {
	return d.err.Swap(nil)
}

func (d *Decoder) DecodedFormat() (mode.Format, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.decoded == nil {
		return mode.Format{}, errors.WithStack(errcode.ErrNotStarted)
	}
	return d.decoded.Format(), nil
}

// Textures exports the decoded buffers through the configured exporter.
// Indices match Frame.Index. A resolution change invalidates them.
func (d *Decoder) Textures() ([]mode.Texture, error) {
	if d.exporter == nil {
		return nil, errors.Wrap(errcode.ErrUnsupportedFormat, "no texture exporter")
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.decoded == nil {
		return nil, errors.WithStack(errcode.ErrNotStarted)
	}
	return d.decoded.Textures(d.exporter)
}

// FrameBytes is the mapped memory of a frame the consumer holds.
func (d *Decoder) FrameBytes(index int) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.decoded == nil {
		return nil, errors.WithStack(errcode.ErrNotStarted)
	}
	return d.decoded.Bytes(index)
}

// Close stops the goroutine, waits for it, then releases the buffers and
// the device.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		if d.stopWatch != nil {
			d.stopWatch()
		}
		d.Shutdown()
		if d.started.Load() {
			<-d.done
		}
		d.closeErr = d.releaseQueues()
		if err := d.device.Close(); err != nil && d.closeErr == nil {
			d.closeErr = errors.Wrap(err, "close device")
		}
	})
	return d.closeErr
}

func (d *Decoder) releaseQueues() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	var err error
	if d.decoded != nil {
		err = d.decoded.Destroy()
		d.decoded = nil
	}
	if d.encoded != nil {
		if eerr := d.encoded.Destroy(); eerr != nil && err == nil {
			err = eerr
		}
		d.encoded = nil
	}
	d.pending = nil
	return err
}

// fail records the first error of the goroutine.
func (d *Decoder) fail(err error) {
	if d.err.CompareAndSwap(nil, err) {
		d.logger.WithError(err).Error("decoder goroutine failed")
	} else {
		d.logger.WithError(err).Warn("decoder goroutine failed again")
	}
}

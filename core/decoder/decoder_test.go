package decoder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/queue"
	"github.com/pingostack/m2mdec/pkg/event"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pingostack/m2mdec/plugins/device/fake"
	"github.com/pingostack/m2mdec/plugins/reader"
	"github.com/pkg/errors"
)

const waitTimeout = 2 * time.Second

var trackInfo = mode.TrackInfo{
	Codec:  mode.CodecTypeH264,
	Width:  64,
	Height: 32,
	Crop:   mode.Rect{Width: 64, Height: 32},
}

func videoTrack(decodeOrder ...time.Duration) *reader.Table {
	samples := make([]reader.Sample, 0, len(decodeOrder))
	for i, ts := range decodeOrder {
		s := reader.Sample{Timestamp: ts, Data: []byte{0, 0, 1, byte(i)}}
		if i == 0 {
			s.Flags = mode.FlagKeyFrame
		}
		samples = append(samples, s)
	}
	return reader.NewTable(trackInfo, samples)
}

func ms(n ...int) []time.Duration {
	out := make([]time.Duration, len(n))
	for i, v := range n {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func start(t *testing.T, dev mode.Device, video mode.VideoReader, opts ...Option) *Decoder {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	d := New(dev, opts...)
	if err := d.Start(context.Background(), video); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, d *Decoder) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("decoder goroutine still running in state %s", d.State())
	}
}

type readyClock struct {
	once  sync.Once
	ready chan struct{}
}

func (c *readyClock) VideoReady() {
	c.once.Do(func() { close(c.ready) })
}

func TestDecoder_EndToEnd(t *testing.T) {
	dev := fake.New(fake.WithReorderWindow(2))
	eos := make(chan struct{}, 1)
	d := start(t, dev, videoTrack(ms(0, 1, 2, 3)...),
		WithBuffers(2, 4),
		WithOnEndOfStream(func() { eos <- struct{}{} }),
	)

	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })
	if ts, ok := d.NextFramePresentationTime(); !ok || ts != 0 {
		t.Fatalf("next presentation time %v %v", ts, ok)
	}
	for _, want := range ms(0, 1, 2, 3) {
		f, err := d.DequeueReadyFrame()
		if err != nil {
			t.Fatal(err)
		}
		if f.Timestamp != want {
			t.Fatalf("got frame at %v, want %v", f.Timestamp, want)
		}
		mem, err := d.FrameBytes(f.Index)
		if err != nil {
			t.Fatal(err)
		}
		if got := fake.PictureTimestamp(mem); got != want {
			t.Fatalf("buffer #%d holds picture %v", f.Index, got)
		}
		if err := d.ReturnBuffer(f.Index); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.DequeueReadyFrame(); errors.Cause(err) != errcode.ErrNoFrameReady {
		t.Fatalf("dequeue from empty: %v", err)
	}

	select {
	case <-eos:
	case <-time.After(waitTimeout):
		t.Fatal("end of stream was not reported")
	}
	if err := d.MarshalPendingError(); err != nil {
		t.Fatal(err)
	}
	if d.State() != StateRunning || !d.Running() {
		t.Fatalf("state %s", d.State())
	}
}

// seekStream is an IBBP stream in decode order, 40ms per picture.
var seekStream = ms(0, 120, 40, 80, 240, 160, 200, 360, 280, 320)

func TestDecoder_SeekDeliversTargetOnce(t *testing.T) {
	dev := fake.New(fake.WithDPBDepth(2))
	clock := &readyClock{ready: make(chan struct{})}
	d := start(t, dev, videoTrack(seekStream...), WithBuffers(2, 4), WithClock(clock))

	// every decoded buffer is pending, the device has nowhere to write
	waitFor(t, "decoded queue full", func() bool { return d.Pending() == 4 })
	d.RequestSeek(120 * time.Millisecond)

	select {
	case <-clock.ready:
	case <-time.After(waitTimeout):
		t.Fatalf("seek did not complete, state %s, err %v", d.State(), d.MarshalPendingError())
	}

	want := ms(120, 160, 200, 240, 280, 320, 360)
	var got []time.Duration
	deadline := time.Now().Add(waitTimeout)
	for len(got) < len(want) && time.Now().Before(deadline) {
		f, err := d.DequeueReadyFrame()
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		got = append(got, f.Timestamp)
		if err := d.ReturnBuffer(f.Index); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("frames after seek %v, want %v (err %v)", got, want, d.MarshalPendingError())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames after seek %v, want %v", got, want)
		}
	}
	waitFor(t, "running after seek", func() bool { return d.State() == StateRunning })
	if err := d.MarshalPendingError(); err != nil {
		t.Fatal(err)
	}
}

func TestDecoder_ShutdownWhileIdle(t *testing.T) {
	dev := fake.New()
	d := start(t, dev, videoTrack(ms(0, 40, 80, 120)...))
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })

	d.Shutdown()
	waitDone(t, d)
	if d.State() != StateShuttingDown || d.Running() {
		t.Fatalf("state %s after shutdown", d.State())
	}
	if err := d.MarshalPendingError(); err != nil {
		t.Fatal(err)
	}
}

func TestDecoder_ShutdownDuringSeek(t *testing.T) {
	dev := fake.New(fake.WithDPBDepth(2))
	d := start(t, dev, videoTrack(seekStream...), WithBuffers(2, 4))
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })

	// hold every frame so the seek can never reach its target
	for i := 0; i < 4; i++ {
		if _, err := d.DequeueReadyFrame(); err != nil {
			t.Fatal(err)
		}
	}
	d.RequestSeek(120 * time.Millisecond)
	waitFor(t, "seek to start", func() bool { return d.State() == StateSeekPending })
	time.Sleep(10 * time.Millisecond)

	d.Shutdown()
	waitDone(t, d)
	if err := d.MarshalPendingError(); err != nil {
		t.Fatalf("shutdown during seek reported %v", err)
	}
}

// gatedReader parks the first read after a seek until release is closed.
type gatedReader struct {
	*reader.Table
	lock    sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReader) SeekToSample(pos mode.StreamPosition) error {
	r.lock.Lock()
	if r.entered != nil {
		r.armed = true
	}
	r.lock.Unlock()
	return r.Table.SeekToSample(pos)
}

func (r *gatedReader) WriteNextAccessUnit(dst mode.SampleBuffer) (mode.Action, error) {
	r.lock.Lock()
	armed, entered := r.armed, r.entered
	if armed {
		r.armed, r.entered = false, nil
	}
	r.lock.Unlock()
	if armed {
		close(entered)
		<-r.release
	}
	return r.Table.WriteNextAccessUnit(dst)
}

func TestDecoder_SeekSuperseded(t *testing.T) {
	video := &gatedReader{
		Table:   videoTrack(seekStream...),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	entered := video.entered
	clock := &readyClock{ready: make(chan struct{})}
	d := start(t, fake.New(fake.WithDPBDepth(2)), video, WithBuffers(2, 4), WithClock(clock))
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(video.release) }) }
	t.Cleanup(release)

	waitFor(t, "decoded queue full", func() bool { return d.Pending() == 4 })
	d.RequestSeek(120 * time.Millisecond)
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatalf("first seek never refilled, state %s, err %v", d.State(), d.MarshalPendingError())
	}
	d.RequestSeek(240 * time.Millisecond)
	release()

	select {
	case <-clock.ready:
	case <-time.After(waitTimeout):
		t.Fatalf("seek did not complete, state %s, err %v", d.State(), d.MarshalPendingError())
	}
	want := ms(240, 280, 320, 360)
	var got []time.Duration
	deadline := time.Now().Add(waitTimeout)
	for len(got) < len(want) && time.Now().Before(deadline) {
		f, err := d.DequeueReadyFrame()
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		got = append(got, f.Timestamp)
		if err := d.ReturnBuffer(f.Index); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("frames after seek %v, want %v (err %v)", got, want, d.MarshalPendingError())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames after seek %v, want %v", got, want)
		}
	}
	waitFor(t, "running after seek", func() bool { return d.State() == StateRunning })
	if err := d.MarshalPendingError(); err != nil {
		t.Fatal(err)
	}
}

func TestDecoder_SeekOvershoot(t *testing.T) {
	// pairs come out reversed, so 40ms shows up before the 0ms target
	dev := fake.New(fake.WithReorderWindow(2))
	d := start(t, dev, videoTrack(ms(0, 40, 80, 120, 160, 200, 240, 280)...), WithBuffers(2, 4))
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })

	d.RequestSeek(0)
	waitDone(t, d)
	if err := d.MarshalPendingError(); errors.Cause(err) != errcode.ErrSeekOvershoot {
		t.Fatalf("got %v", err)
	}
}

func TestDecoder_SeekWithoutTarget(t *testing.T) {
	d := start(t, fake.New(), videoTrack(ms(0, 40, 80, 120)...), WithBuffers(2, 4))
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })

	d.seekEvent.Set()
	waitDone(t, d)
	if err := d.MarshalPendingError(); errors.Cause(err) != errcode.ErrNoSeekTarget {
		t.Fatalf("got %v", err)
	}
}

func TestDecoder_ReturnBufferRejectsPending(t *testing.T) {
	d := start(t, fake.New(), videoTrack(ms(0, 40, 80, 120)...), WithBuffers(2, 4))
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })

	f, err := d.DequeueReadyFrame()
	if err != nil {
		t.Fatal(err)
	}
	var held []int
	d.lock.Lock()
	for i := 0; i < queue.MaxBuffers; i++ {
		if d.pending.Contains(i) {
			held = append(held, i)
		}
	}
	d.lock.Unlock()
	if len(held) != 3 {
		t.Fatalf("pending buffers %v", held)
	}
	for _, i := range held {
		if err := d.ReturnBuffer(i); errors.Cause(err) != errcode.ErrInvalidTransition {
			t.Fatalf("return pending buffer #%d: %v", i, err)
		}
	}
	if d.Pending() != 3 {
		t.Fatalf("%d pending after rejected returns", d.Pending())
	}
	if err := d.ReturnBuffer(f.Index); err != nil {
		t.Fatal(err)
	}
}

func TestDecoder_CloseReleasesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(fake.New(), WithLogger(logger.Discard()))
	if err := d.Start(ctx, videoTrack(ms(0, 40)...)); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.stopWatch() {
		t.Fatal("context callback still registered after Close")
	}
}

func TestDecoder_ContextCancelShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(fake.New(), WithLogger(logger.Discard()))
	if err := d.Start(ctx, videoTrack(ms(0, 40)...)); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	cancel()
	waitDone(t, d)
}

type failingReader struct {
	*reader.Table
	calls int
	panic bool
}

func (r *failingReader) WriteNextAccessUnit(dst mode.SampleBuffer) (mode.Action, error) {
	r.calls++
	if r.calls > 2 {
		if r.panic {
			panic("corrupt slice header")
		}
		return mode.ActionDecode, errors.New("corrupt slice header")
	}
	return r.Table.WriteNextAccessUnit(dst)
}

func TestDecoder_ErrorDeliveredOnce(t *testing.T) {
	for _, panics := range []bool{false, true} {
		r := &failingReader{Table: videoTrack(ms(0, 40, 80, 120)...), panic: panics}
		d := start(t, fake.New(), r, WithBuffers(2, 4))
		waitDone(t, d)

		err := d.MarshalPendingError()
		if err == nil || !strings.Contains(err.Error(), "corrupt slice header") {
			t.Fatalf("panic %v: first marshal returned %v", panics, err)
		}
		if err := d.MarshalPendingError(); err != nil {
			t.Fatalf("panic %v: second marshal returned %v", panics, err)
		}
	}
}

func TestDecoder_DeviceError(t *testing.T) {
	dev := fake.New()
	d := start(t, dev, videoTrack(ms(0, 40)...))
	dev.InjectError()
	waitDone(t, d)
	if err := d.MarshalPendingError(); !errors.Is(err, errcode.ErrDeviceError) {
		t.Fatalf("got %v", err)
	}
}

func TestDecoder_StartErrors(t *testing.T) {
	d := New(fake.New(fake.WithCrop(mode.Rect{Width: 60, Height: 30})), WithLogger(logger.Discard()))
	err := d.Start(context.Background(), videoTrack(ms(0, 40)...))
	if !errors.Is(err, errcode.ErrCropMismatch) {
		t.Fatalf("start with mismatched crop: %v", err)
	}
	waitDone(t, d)
	if err := d.Start(context.Background(), videoTrack(ms(0)...)); !errors.Is(err, errcode.ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	d.Close()

	d = New(fake.New(), WithLogger(logger.Discard()))
	empty := reader.NewTable(trackInfo, nil)
	if err := d.Start(context.Background(), empty); !errors.Is(err, errcode.ErrInsufficientSamples) {
		t.Fatalf("start with empty track: %v", err)
	}
	d.Close()
}

func TestDecoder_ResolutionChange(t *testing.T) {
	dev := fake.New()
	changed := make(chan mode.Format, 1)
	d := start(t, dev, videoTrack(ms(0, 40, 80, 120)...),
		WithBuffers(2, 4),
		WithOnResolutionChange(func(f mode.Format) { changed <- f }),
	)
	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })
	held := make([]Frame, 2)
	for i := range held {
		f, err := d.DequeueReadyFrame()
		if err != nil {
			t.Fatal(err)
		}
		held[i] = f
	}

	// coded height grows, the visible picture stays the same
	dev.InjectSourceChange(64, 48, mode.Rect{Width: 64, Height: 32})
	var f mode.Format
	select {
	case f = <-changed:
	case <-time.After(waitTimeout):
		t.Fatalf("no resolution change, err %v", d.MarshalPendingError())
	}
	if f.Height != 48 || f.Planes[0].SizeImage != 48*64 {
		t.Fatalf("new format %s", f)
	}
	if got, _ := d.DecodedFormat(); !got.SameGeometry(f) {
		t.Fatalf("decoded format %s, callback said %s", got, f)
	}
	if d.Pending() != 0 {
		t.Fatalf("%d frames of the old geometry still pending", d.Pending())
	}
	for _, h := range held {
		if err := d.ReturnBuffer(h.Index); err != nil {
			t.Fatalf("return stale buffer #%d: %v", h.Index, err)
		}
	}
	if err := d.MarshalPendingError(); err != nil {
		t.Fatal(err)
	}
}

func TestDecoder_ResolutionChangeCropMismatch(t *testing.T) {
	dev := fake.New()
	d := start(t, dev, videoTrack(ms(0, 40)...))
	dev.InjectSourceChange(128, 64, mode.Rect{})
	waitDone(t, d)
	if err := d.MarshalPendingError(); !errors.Is(err, errcode.ErrCropMismatch) {
		t.Fatalf("got %v", err)
	}
}

type audioQueue struct {
	free      *event.Event
	lock      sync.Mutex
	submitted []time.Duration
	drains    int
	block     bool
}

func newAudioQueue() *audioQueue {
	q := &audioQueue{free: event.New()}
	q.free.Set()
	return q
}

func (q *audioQueue) FreeBuffer() *event.Event { return q.free }

func (q *audioQueue) Submit(au *mode.AccessUnit) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.submitted = append(q.submitted, au.Timestamp)
	return nil
}

func (q *audioQueue) Drain(ctx context.Context) error {
	q.lock.Lock()
	q.drains++
	q.submitted = nil
	block := q.block
	q.lock.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (q *audioQueue) snapshot() ([]time.Duration, int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([]time.Duration(nil), q.submitted...), q.drains
}

func audioTrack(n int) *reader.Table {
	samples := make([]reader.Sample, n)
	for i := range samples {
		samples[i] = reader.Sample{
			Timestamp: time.Duration(i) * 20 * time.Millisecond,
			Duration:  20 * time.Millisecond,
			Flags:     mode.FlagKeyFrame,
			Data:      []byte{byte(i)},
		}
	}
	return reader.NewTable(mode.TrackInfo{Codec: mode.CodecTypeOPUS}, samples)
}

func TestDecoder_AudioAndSeek(t *testing.T) {
	aq := newAudioQueue()
	clock := &readyClock{ready: make(chan struct{})}
	d := start(t, fake.New(), videoTrack(ms(0, 40, 80, 120)...),
		WithAudio(audioTrack(10), aq),
		WithClock(clock),
	)

	waitFor(t, "audio submitted", func() bool {
		got, _ := aq.snapshot()
		return len(got) == 10
	})
	got, _ := aq.snapshot()
	for i, ts := range got {
		if ts != time.Duration(i)*20*time.Millisecond {
			t.Fatalf("audio submitted out of order: %v", got)
		}
	}

	waitFor(t, "4 pending frames", func() bool { return d.Pending() == 4 })
	d.RequestSeek(80 * time.Millisecond)
	select {
	case <-clock.ready:
	case <-time.After(waitTimeout):
		t.Fatalf("seek did not complete: %v", d.MarshalPendingError())
	}

	// audio restarts from the sample at or before the target
	waitFor(t, "audio after seek", func() bool {
		got, drains := aq.snapshot()
		return drains == 1 && len(got) == 6
	})
	got, _ = aq.snapshot()
	if got[0] != 80*time.Millisecond {
		t.Fatalf("audio after seek starts at %v", got[0])
	}
	f, err := d.DequeueReadyFrame()
	if err != nil || f.Timestamp != 80*time.Millisecond {
		t.Fatalf("first frame after seek %+v, %v", f, err)
	}
}

func TestDecoder_ShutdownDuringAudioDrain(t *testing.T) {
	aq := newAudioQueue()
	aq.block = true
	d := start(t, fake.New(), videoTrack(ms(0, 40)...), WithAudio(audioTrack(3), aq))
	d.RequestSeek(0)
	waitFor(t, "drain to start", func() bool {
		_, drains := aq.snapshot()
		return drains == 1
	})
	d.Shutdown()
	waitDone(t, d)
	if err := d.MarshalPendingError(); err != nil {
		t.Fatalf("shutdown during drain reported %v", err)
	}
}

type texture struct {
	released *int
}

func (t texture) Release() error {
	*t.released++
	return nil
}

type exporter struct {
	exported int
	released int
}

func (e *exporter) ExportTexture(index int, mem []byte, f mode.Format) (mode.Texture, error) {
	if len(mem) < f.BufferSize() {
		return nil, errors.Errorf("buffer #%d is %d bytes, format needs %d", index, len(mem), f.BufferSize())
	}
	e.exported++
	return texture{released: &e.released}, nil
}

func TestDecoder_TexturesExportedOnce(t *testing.T) {
	exp := &exporter{}
	d := New(fake.New(), WithLogger(logger.Discard()), WithTextureExporter(exp), WithBuffers(2, 4))
	if err := d.Start(context.Background(), videoTrack(ms(0, 40)...)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		textures, err := d.Textures()
		if err != nil {
			t.Fatal(err)
		}
		if len(textures) != 4 {
			t.Fatalf("%d textures", len(textures))
		}
	}
	if exp.exported != 4 {
		t.Fatalf("exported %d times", exp.exported)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if exp.released != 4 {
		t.Fatalf("released %d textures", exp.released)
	}
}

//go:build linux

package v4l2

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var codecFourCC = map[mode.CodecType]uint32{
	mode.CodecTypeNV12: fourcc("NV12"),
	mode.CodecTypeH264: fourcc("H264"),
	mode.CodecTypeH265: fourcc("HEVC"),
	mode.CodecTypeVP8:  fourcc("VP80"),
	mode.CodecTypeVP9:  fourcc("VP90"),
	mode.CodecTypeAV1:  fourcc("AV1F"),
}

func codecOf(pixfmt uint32) mode.CodecType {
	for c, f := range codecFourCC {
		if f == pixfmt {
			return c
		}
	}
	return mode.CodecTypeUnknown
}

func bufType(kind mode.BufferKind) uint32 {
	if kind == mode.BufferEncoded {
		return bufTypeVideoOutputMPlane
	}
	return bufTypeVideoCaptureMPlane
}

// Device drives a V4L2 memory-to-memory stateful decoder node with mmap
// buffers on the multi-planar API.
type Device struct {
	path   string
	fd     int
	wakeFD int
	logger logger.Logger

	lock   sync.Mutex
	mem    [2][][]byte
	queued [2]int
	closed bool
}

var _ mode.Device = (*Device)(nil)

// Open opens the device node non-blocking along with an eventfd used to
// interrupt Poll.
func Open(path string, log logger.Logger) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "eventfd")
	}
	if log == nil {
		log = logger.Default()
	}
	return &Device{
		path:   path,
		fd:     fd,
		wakeFD: wakeFD,
		logger: log.WithField("device", path),
	}, nil
}

func (d *Device) SetFormat(kind mode.BufferKind, f mode.Format) (mode.Format, error) {
	pixfmt, ok := codecFourCC[f.Codec]
	if !ok {
		return mode.Format{}, errors.Wrapf(errcode.ErrUnsupportedFormat, "codec %s", f.Codec)
	}
	v := format{Type: bufType(kind)}
	v.Pix.Width = uint32(f.Width)
	v.Pix.Height = uint32(f.Height)
	v.Pix.PixelFormat = pixfmt
	v.Pix.Field = fieldNone

	if f.Codec == mode.CodecTypeNV12 {
		// NV12 is one memory plane holding luma followed by chroma
		v.Pix.Colorspace = colorspaceRec709
		v.Pix.YCbCrEnc = ycbcrEnc709
		v.Pix.Quantization = quantizationFullRange
		v.Pix.XferFunc = xferFunc709
		v.Pix.NumPlanes = 1
		v.Pix.PlaneFmt[0].SizeImage = uint32(f.BufferSize())
		if len(f.Planes) > 0 {
			v.Pix.PlaneFmt[0].BytesPerLine = uint32(f.Planes[0].BytesPerLine)
		}
	} else {
		if len(f.Planes) > maxPlanes {
			return mode.Format{}, errors.Wrapf(errcode.ErrUnsupportedFormat, "%d planes", len(f.Planes))
		}
		v.Pix.NumPlanes = uint8(len(f.Planes))
		for i, p := range f.Planes {
			v.Pix.PlaneFmt[i].SizeImage = uint32(p.SizeImage)
			v.Pix.PlaneFmt[i].BytesPerLine = uint32(p.BytesPerLine)
		}
	}

	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&v)); err != nil {
		return mode.Format{}, errors.Wrapf(err, "VIDIOC_S_FMT %s", kind)
	}
	got := fromFormat(&v)
	got.Crop = f.Crop
	d.logger.Debugf("%s format %s", kind, got)
	return got, nil
}

func (d *Device) GetFormat(kind mode.BufferKind) (mode.Format, error) {
	v := format{Type: bufType(kind)}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&v)); err != nil {
		return mode.Format{}, errors.Wrapf(err, "VIDIOC_G_FMT %s", kind)
	}
	f := fromFormat(&v)
	if kind != mode.BufferDecoded {
		return f, nil
	}
	sel := selection{Type: bufTypeVideoCaptureMPlane, Target: selTgtCompose}
	if err := ioctl(d.fd, vidiocGSelection, unsafe.Pointer(&sel)); err != nil {
		// drivers without selection support report no crop
		d.logger.WithError(err).Debug("VIDIOC_G_SELECTION")
		return f, nil
	}
	f.Crop = mode.Rect{
		Left:   int(sel.R.Left),
		Top:    int(sel.R.Top),
		Width:  int(sel.R.Width),
		Height: int(sel.R.Height),
	}
	return f, nil
}

// fromFormat splits a single NV12 memory plane into its luma and chroma
// planes.
func fromFormat(v *format) mode.Format {
	f := mode.Format{
		Codec:  codecOf(v.Pix.PixelFormat),
		Width:  int(v.Pix.Width),
		Height: int(v.Pix.Height),
	}
	n := min(int(v.Pix.NumPlanes), maxPlanes)
	if f.Codec == mode.CodecTypeNV12 && n == 1 {
		stride := int(v.Pix.PlaneFmt[0].BytesPerLine)
		total := int(v.Pix.PlaneFmt[0].SizeImage)
		luma := stride * f.Height
		f.Planes = []mode.PlaneFormat{
			{SizeImage: luma, BytesPerLine: stride},
			{SizeImage: total - luma, BytesPerLine: stride},
		}
		return f
	}
	for i := 0; i < n; i++ {
		f.Planes = append(f.Planes, mode.PlaneFormat{
			SizeImage:    int(v.Pix.PlaneFmt[i].SizeImage),
			BytesPerLine: int(v.Pix.PlaneFmt[i].BytesPerLine),
		})
	}
	return f
}

func (d *Device) AllocateBuffers(kind mode.BufferKind, count int) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if count == 0 {
		d.unmap(kind)
	}
	req := requestBuffers{
		Count:  uint32(count),
		Type:   bufType(kind),
		Memory: memoryMMAP,
	}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrapf(err, "VIDIOC_REQBUFS %s %d", kind, count)
	}
	d.mem[kind] = make([][]byte, req.Count)
	d.queued[kind] = 0
	return int(req.Count), nil
}

func (d *Device) unmap(kind mode.BufferKind) {
	for i, m := range d.mem[kind] {
		if m == nil {
			continue
		}
		if err := unix.Munmap(m); err != nil {
			d.logger.WithError(err).Warnf("munmap %s buffer %d", kind, i)
		}
	}
	d.mem[kind] = nil
}

// ioctlBuffer runs a buffer ioctl with a one-plane array the kernel reads
// and writes through buf.Planes.
func (d *Device) ioctlBuffer(req uintptr, buf *buffer) (plane, error) {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	planes := new([1]plane)
	if buf.Planes != nil {
		planes[0] = *buf.Planes
	}
	pinner.Pin(planes)
	buf.Planes = &planes[0]
	buf.Length = 1
	err := ioctl(d.fd, req, unsafe.Pointer(buf))
	p := planes[0]
	buf.Planes = nil
	return p, err
}

func (d *Device) MapBuffer(kind mode.BufferKind, index int) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if index < 0 || index >= len(d.mem[kind]) {
		return nil, errors.Wrapf(errcode.ErrInvalidTransition, "map %s buffer %d of %d", kind, index, len(d.mem[kind]))
	}
	buf := buffer{Index: uint32(index), Type: bufType(kind), Memory: memoryMMAP}
	p, err := d.ioctlBuffer(vidiocQueryBuf, &buf)
	if err != nil {
		return nil, errors.Wrapf(err, "VIDIOC_QUERYBUF %s %d", kind, index)
	}
	if buf.Length > 1 {
		return nil, errors.Wrapf(errcode.ErrUnsupportedFormat, "%s buffer %d has %d memory planes", kind, index, buf.Length)
	}
	m, err := unix.Mmap(d.fd, int64(p.MemOffset), int(p.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s buffer %d", kind, index)
	}
	d.mem[kind][index] = m
	return m, nil
}

func toFlags(f mode.BufferFlags) uint32 {
	var v uint32
	if f.Has(mode.FlagKeyFrame) {
		v |= bufFlagKeyFrame
	}
	if f.Has(mode.FlagPFrame) {
		v |= bufFlagPFrame
	}
	if f.Has(mode.FlagBFrame) {
		v |= bufFlagBFrame
	}
	return v
}

func fromFlags(v uint32) mode.BufferFlags {
	var f mode.BufferFlags
	if v&bufFlagKeyFrame != 0 {
		f |= mode.FlagKeyFrame
	}
	if v&bufFlagPFrame != 0 {
		f |= mode.FlagPFrame
	}
	if v&bufFlagBFrame != 0 {
		f |= mode.FlagBFrame
	}
	if v&bufFlagLast != 0 {
		f |= mode.FlagLast
	}
	return f
}

func toTimeval(ts time.Duration) timeval {
	return timeval{
		Sec:  int64(ts / time.Second),
		Usec: int64(ts % time.Second / time.Microsecond),
	}
}

func fromTimeval(tv timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

func (d *Device) QueueBuffer(kind mode.BufferKind, index int, info mode.BufferInfo) error {
	buf := buffer{
		Index:     uint32(index),
		Type:      bufType(kind),
		Memory:    memoryMMAP,
		Field:     fieldNone,
		Timestamp: toTimeval(info.Timestamp),
		Flags:     toFlags(info.Flags),
	}
	var p plane
	if kind == mode.BufferEncoded {
		p.BytesUsed = uint32(info.BytesUsed)
	}

	d.lock.Lock()
	if index >= 0 && index < len(d.mem[kind]) {
		p.Length = uint32(len(d.mem[kind][index]))
	}
	buf.Planes = &p
	_, err := d.ioctlBuffer(vidiocQBuf, &buf)
	d.lock.Unlock()
	if err != nil {
		return errors.Wrapf(err, "VIDIOC_QBUF %s %d", kind, index)
	}
	return d.markQueued(kind)
}

// markQueued counts a buffer handed to the driver. A Poll that found both
// queues empty sleeps on the eventfd alone, so leaving that state wakes it.
func (d *Device) markQueued(kind mode.BufferKind) error {
	d.lock.Lock()
	idle := d.queued[mode.BufferEncoded] == 0 && d.queued[mode.BufferDecoded] == 0
	d.queued[kind]++
	d.lock.Unlock()
	if idle {
		return d.Interrupt()
	}
	return nil
}

func (d *Device) DequeueBuffer(kind mode.BufferKind) (int, mode.BufferInfo, error) {
	buf := buffer{Type: bufType(kind), Memory: memoryMMAP}
	p, err := d.ioctlBuffer(vidiocDQBuf, &buf)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EPIPE:
		// EPIPE follows the buffer flagged last
		return -1, mode.BufferInfo{}, errcode.ErrNoBuffer
	default:
		return -1, mode.BufferInfo{}, errors.Wrapf(err, "VIDIOC_DQBUF %s", kind)
	}

	d.lock.Lock()
	d.queued[kind]--
	d.lock.Unlock()
	return int(buf.Index), mode.BufferInfo{
		Timestamp: fromTimeval(buf.Timestamp),
		BytesUsed: int(p.BytesUsed),
		Flags:     fromFlags(buf.Flags),
	}, nil
}

func (d *Device) StartStreaming(kind mode.BufferKind) error {
	typ := int32(bufType(kind))
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrapf(err, "VIDIOC_STREAMON %s", kind)
	}
	return nil
}

// StopStreaming returns every queued buffer of kind to the application.
func (d *Device) StopStreaming(kind mode.BufferKind) error {
	typ := int32(bufType(kind))
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrapf(err, "VIDIOC_STREAMOFF %s", kind)
	}
	d.lock.Lock()
	d.queued[kind] = 0
	d.lock.Unlock()
	return nil
}

func (d *Device) SubscribeEvents() error {
	for _, typ := range []uint32{eventEOS, eventSourceChange} {
		sub := eventSubscription{Type: typ}
		if err := ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
			return errors.Wrapf(err, "VIDIOC_SUBSCRIBE_EVENT %d", typ)
		}
	}
	return nil
}

func (d *Device) DequeueEvent() (mode.DeviceEvent, error) {
	var ev event
	switch err := ioctl(d.fd, vidiocDQEvent, unsafe.Pointer(&ev)); err {
	case nil:
	case unix.ENOENT, unix.EAGAIN:
		return mode.DeviceEvent{}, errcode.ErrNoEvent
	default:
		return mode.DeviceEvent{}, errors.Wrap(err, "VIDIOC_DQEVENT")
	}

	out := mode.DeviceEvent{Pending: int(ev.Pending)}
	switch ev.Type {
	case eventEOS:
		out.Type = mode.EventEndOfStream
	case eventSourceChange:
		out.Type = mode.EventSourceChange
		out.ResolutionChanged = binary.NativeEndian.Uint32(ev.U[:4])&srcChResolution != 0
	}
	return out, nil
}

// Poll waits on the device and the interrupt eventfd. With no buffer queued
// on either side the device reports POLLERR, so only the eventfd is watched
// until something is queued again.
func (d *Device) Poll(timeout time.Duration) (mode.PollBits, error) {
	d.lock.Lock()
	idle := d.queued[mode.BufferEncoded] == 0 && d.queued[mode.BufferDecoded] == 0
	d.lock.Unlock()

	fds := []unix.PollFd{
		{Fd: int32(d.wakeFD), Events: unix.POLLIN},
		{Fd: int32(d.fd), Events: unix.POLLIN | unix.POLLOUT | unix.POLLPRI},
	}
	if idle {
		fds = fds[:1]
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return 0, nil
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		var b [8]byte
		if _, err := unix.Read(d.wakeFD, b[:]); err != nil && err != unix.EAGAIN {
			return 0, errors.Wrap(err, "read eventfd")
		}
	}
	if idle {
		return 0, nil
	}

	var bits mode.PollBits
	rev := fds[1].Revents
	if rev&unix.POLLOUT != 0 {
		bits |= mode.PollEncoded
	}
	if rev&unix.POLLIN != 0 {
		bits |= mode.PollDecoded
	}
	if rev&unix.POLLPRI != 0 {
		bits |= mode.PollEvent
	}
	if rev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		bits |= mode.PollError
	}
	return bits, nil
}

func (d *Device) Interrupt() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(d.wakeFD, b[:]); err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "write eventfd")
	}
	return nil
}

func (d *Device) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.unmap(mode.BufferEncoded)
	d.unmap(mode.BufferDecoded)
	err := unix.Close(d.fd)
	if werr := unix.Close(d.wakeFD); err == nil {
		err = werr
	}
	return errors.Wrapf(err, "close %s", d.path)
}

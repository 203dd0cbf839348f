//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI of videodev2.h for 64-bit targets.

const (
	bufTypeVideoCaptureMPlane = 9
	bufTypeVideoOutputMPlane  = 10

	memoryMMAP = 1
	fieldNone  = 1

	colorspaceRec709      = 3
	ycbcrEnc709           = 2
	quantizationFullRange = 1
	xferFunc709           = 1

	bufFlagKeyFrame = 0x00000008
	bufFlagPFrame   = 0x00000010
	bufFlagBFrame   = 0x00000020
	bufFlagLast     = 0x00100000

	eventEOS          = 2
	eventSourceChange = 5
	srcChResolution   = 1

	selTgtCompose = 0x0100

	maxPlanes = 8
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'V'<<8 | nr
}

const (
	iocWrite = 1
	iocRead  = 2
)

var (
	vidiocGFmt           = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(format{}))
	vidiocSFmt           = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(format{}))
	vidiocReqBufs        = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(requestBuffers{}))
	vidiocQueryBuf       = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(buffer{}))
	vidiocQBuf           = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(buffer{}))
	vidiocDQBuf          = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(buffer{}))
	vidiocStreamOn       = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff      = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocDQEvent        = ioc(iocRead, 89, unsafe.Sizeof(event{}))
	vidiocSubscribeEvent = ioc(iocWrite, 90, unsafe.Sizeof(eventSubscription{}))
	vidiocGSelection     = ioc(iocRead|iocWrite, 94, unsafe.Sizeof(selection{}))
)

type planePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	_            [6]uint16
}

type pixFormatMPlane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [maxPlanes]planePixFormat
	NumPlanes    uint8
	Flags        uint8
	YCbCrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	_            [7]uint8
}

type format struct {
	Type uint32
	_    uint32
	Pix  pixFormatMPlane
	_    [200 - unsafe.Sizeof(pixFormatMPlane{})]byte
}

type requestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	_            [3]uint8
}

type timeval struct {
	Sec  int64
	Usec int64
}

type plane struct {
	BytesUsed  uint32
	Length     uint32
	MemOffset  uint32
	_          uint32
	DataOffset uint32
	_          [11]uint32
}

type buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp timeval
	Timecode  [16]byte
	Sequence  uint32
	Memory    uint32
	Planes    *plane
	Length    uint32
	_         uint32
	RequestFD int32
	_         uint32
}

type event struct {
	Type      uint32
	_         uint32
	U         [64]byte
	Pending   uint32
	Sequence  uint32
	Timestamp [2]int64
	ID        uint32
	_         [8]uint32
	_         uint32
}

type eventSubscription struct {
	Type  uint32
	ID    uint32
	Flags uint32
	_     [5]uint32
}

type rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

type selection struct {
	Type   uint32
	Target uint32
	Flags  uint32
	R      rect
	_      [9]uint32
}

func fourcc(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// ioctl retries on EINTR.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return errno
	}
}

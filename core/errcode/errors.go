package errcode

import (
	"github.com/pkg/errors"
)

// protocol violations, caller bugs
var (
	ErrInvalidTransition = errors.New("invalid buffer state transition")
	ErrNotQueued         = errors.New("no buffer is owned by the device")
	ErrPendingOverflow   = errors.New("too many pending decoded frames")
	ErrNoFrameReady      = errors.New("no decoded frame is ready")
	ErrNoSeekTarget      = errors.New("seek signaled without a target")
	ErrNotStarted        = errors.New("decoder not started")
	ErrAlreadyStarted    = errors.New("decoder already started")
)

// stream content and device errors
var (
	ErrInsufficientSamples = errors.New("end of stream before any sample was queued")
	ErrSeekOvershoot       = errors.New("decoded frame is past the seek target")
	ErrCropMismatch        = errors.New("device crop rectangle differs from the bitstream")
	ErrPayloadSize         = errors.New("payload does not fit the buffer")
	ErrPositionNotFound    = errors.New("stream position not found")
	ErrDeviceError         = errors.New("decoder device reported an error")
	ErrAudioError          = errors.New("audio queue reported an error")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrNoBuffer            = errors.New("no completed buffer available")
	ErrNoEvent             = errors.New("no device event pending")
	ErrDeviceClosed        = errors.New("device closed")
	ErrTooManyBuffers      = errors.New("too many buffers")
)

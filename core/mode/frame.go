package mode

import (
	"time"
)

type CodecType uint8

const (
	CodecTypeUnknown CodecType = iota
	CodecTypeNV12
	CodecTypeH264
	CodecTypeH265
	CodecTypeVP8
	CodecTypeVP9
	CodecTypeAV1
	CodecTypeVideoCount
	CodecTypeOPUS
	CodecTypeAAC
	CodecTypeMP3
	CodecTypeAC3
	CodecTypeAudioCount
)

func (c CodecType) IsVideo() bool {
	return c > CodecTypeUnknown && c < CodecTypeVideoCount
}

func (c CodecType) IsAudio() bool {
	return c > CodecTypeVideoCount && c < CodecTypeAudioCount
}

func (c CodecType) String() string {
	switch c {
	case CodecTypeNV12:
		return "nv12"
	case CodecTypeH264:
		return "h264"
	case CodecTypeH265:
		return "h265"
	case CodecTypeVP8:
		return "vp8"
	case CodecTypeVP9:
		return "vp9"
	case CodecTypeAV1:
		return "av1"
	case CodecTypeOPUS:
		return "opus"
	case CodecTypeAAC:
		return "aac"
	case CodecTypeMP3:
		return "mp3"
	case CodecTypeAC3:
		return "ac3"
	}
	return "unknown"
}

// ParseCodecType is the inverse of CodecType.String.
func ParseCodecType(s string) CodecType {
	for c := CodecTypeNV12; c < CodecTypeAudioCount; c++ {
		if c.String() == s {
			return c
		}
	}
	return CodecTypeUnknown
}

type BufferFlags uint32

const (
	FlagKeyFrame BufferFlags = 1 << iota
	FlagPFrame
	FlagBFrame
	// FlagHeader marks parameter sets and other units that carry no picture.
	FlagHeader
	FlagLast
)

func (f BufferFlags) Has(flag BufferFlags) bool {
	return f&flag != 0
}

// Action tells the caller what a track reader did with the buffer it was given.
type Action uint8

const (
	ActionDecode Action = iota
	ActionIgnore
	ActionEndOfStream
)

func (a Action) String() string {
	switch a {
	case ActionDecode:
		return "decode"
	case ActionIgnore:
		return "ignore"
	case ActionEndOfStream:
		return "eos"
	}
	return "unknown"
}

// AccessUnit is one compressed unit of a track, in decode order.
type AccessUnit struct {
	Codec     CodecType
	Timestamp time.Duration
	Duration  time.Duration
	Flags     BufferFlags
	Data      []byte
}

func (au *AccessUnit) IsVideo() bool {
	return au.Codec.IsVideo()
}

func (au *AccessUnit) IsAudio() bool {
	return au.Codec.IsAudio()
}

func (au *AccessUnit) Dup() *AccessUnit {
	return &AccessUnit{
		Codec:     au.Codec,
		Timestamp: au.Timestamp,
		Duration:  au.Duration,
		Flags:     au.Flags,
		Data:      append([]byte(nil), au.Data...),
	}
}

// RoundTimestamp truncates to the microsecond resolution of device timestamps.
func RoundTimestamp(ts time.Duration) time.Duration {
	return ts.Truncate(time.Microsecond)
}

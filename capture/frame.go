package capture

import (
	"fmt"
	"slices"
	"time"
)

const (
	// PixelFormatBGRA is the pixel layout of screen frames from every backend.
	PixelFormatBGRA = "BGRA"
	// PixelFormatPCMS16 marks interleaved signed 16-bit audio samples.
	PixelFormatPCMS16 = "S16LE"
)

// FrameKind tags what a delivered sample carries.
type FrameKind int

const (
	FrameKindScreen FrameKind = iota
	FrameKindAudio
	FrameKindMicrophone
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindScreen:
		return "screen"
	case FrameKindAudio:
		return "audio"
	case FrameKindMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is one delivered sample. The capture packages do not interpret Data.
type Frame struct {
	Data        []byte
	Width       uint32
	Height      uint32
	Stride      uint32
	PixelFormat string
	// Sequence increases by one per sample produced by the backend stream.
	Sequence   uint64
	CapturedAt time.Time
}

// Clone returns a frame with its own copy of Data.
func (f Frame) Clone() Frame {
	f.Data = slices.Clone(f.Data)
	return f
}

// FrameSink receives delivered samples. Data is only valid for the duration
// of the call; a sink that keeps it must Clone the frame. OnFrame is never
// called concurrently for one session.
type FrameSink interface {
	OnFrame(frame Frame, kind FrameKind)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame Frame, kind FrameKind)

func (f FrameSinkFunc) OnFrame(frame Frame, kind FrameKind) {
	f(frame, kind)
}

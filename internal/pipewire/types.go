// Package pipewire reads screen-cast and audio buffers from PipeWire. The
// library is loaded at run time with dlopen, so binaries start on systems
// without it and IsAvailable reports false.
package pipewire

// Fraction is a PipeWire frame rate, Num frames per Den seconds.
type Fraction struct {
	Num uint32
	Den uint32
}

type VideoParams struct {
	NodeID    uint32
	Width     uint32
	Height    uint32
	FrameRate Fraction
}

// Callbacks receive stream events on the PipeWire loop goroutine. OnFrame
// gets a copy of the buffer and the stride reported for it, which may be 0
// when the producer left it unset.
type Callbacks struct {
	OnFrame func(data []byte, stride int)
	OnError func(err error)
}

package capture

import "context"

// StreamHandler is how a backend stream reports back to its session. Both
// methods may be called from any goroutine owned by the backend.
type StreamHandler interface {
	// HandleSample hands over one sample in capture order.
	HandleSample(frame Frame, kind FrameKind)
	// HandleError reports an unrecoverable stream failure.
	HandleError(err error)
}

// Stream is one OS-level capture stream.
type Stream interface {
	// Start begins capture and returns once the OS has accepted or
	// rejected the request.
	Start(ctx context.Context) error
	// Stop ends capture and releases the stream. It must be safe to call
	// on a stream that was never started.
	Stop(ctx context.Context) error
}

// StreamFactory allocates backend streams.
type StreamFactory interface {
	NewStream(filter Filter, config StreamConfig, handler StreamHandler) (Stream, error)
}

// Backend is a complete capture subsystem.
type Backend interface {
	Directory
	StreamFactory
}

// Package portalcast is the Wayland capture backend. Consent comes from the
// xdg-desktop-portal ScreenCast interface and frames from the PipeWire nodes
// the portal grants. Every granted monitor is reported as a display whose ID
// is its PipeWire node.
package portalcast

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/internal/debuglog"
	"go2tv.app/capturekit/internal/pipewire"
	"go2tv.app/capturekit/internal/xdgportal"
)

var logger = debuglog.New("capturekit/portalcast")

type Options struct {
	// ShowCursor asks the portal to embed the cursor when it can.
	ShowCursor bool
	// Multiple lets the user grant more than one monitor.
	Multiple bool
	// Audio adds the default output's monitor as FrameKindAudio samples.
	Audio bool
	// RestoreToken is a token from an earlier session's RestoreToken.
	RestoreToken string
	// Persist asks the portal to remember the grant across restarts.
	Persist bool
}

// portal is the consent side of the backend.
type portal interface {
	connect(ctx context.Context, opts Options) (granted []xdgportal.Stream, restoreToken string, err error)
	openRemote(ctx context.Context) (*os.File, error)
	close(ctx context.Context) error
}

// mediaStream is one running PipeWire stream.
type mediaStream interface {
	Start()
	Close() error
}

type Backend struct {
	opts   Options
	portal portal

	openVideo func(fd int, params pipewire.VideoParams, callbacks pipewire.Callbacks) (mediaStream, error)
	openAudio func(callbacks pipewire.Callbacks) (mediaStream, error)

	mu           sync.Mutex
	authorized   bool
	closed       bool
	granted      []xdgportal.Stream
	restoreToken string

	nextID atomic.Int64
}

// Available reports whether PipeWire can be loaded in this process.
func Available() bool {
	return pipewire.IsAvailable()
}

func New(options *Options) *Backend {
	opts := Options{}
	if options != nil {
		opts = *options
	}
	return &Backend{
		opts:   opts,
		portal: &xdgPortal{},
		openVideo: func(fd int, params pipewire.VideoParams, callbacks pipewire.Callbacks) (mediaStream, error) {
			return pipewire.NewVideoStream(fd, params, callbacks)
		},
		openAudio: func(callbacks pipewire.Callbacks) (mediaStream, error) {
			return pipewire.NewAudioStream(callbacks)
		},
	}
}

// Authorize runs the portal handshake, prompting the user unless a restore
// token is accepted. It must succeed before ShareableContent reports
// anything and is a no-op once it has. A refusal wraps
// capture.ErrPermissionDenied; an unreachable portal wraps
// capture.ErrDirectoryUnavailable.
func (b *Backend) Authorize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: backend closed", capture.ErrDirectoryUnavailable)
	}
	if b.authorized {
		return nil
	}

	granted, token, err := b.portal.connect(ctx, b.opts)
	if err != nil {
		logger.Printf("authorize_failed err=%v", err)
		return accessError(err)
	}
	granted = slices.DeleteFunc(granted, func(s xdgportal.Stream) bool {
		return s.Size[0] <= 0 || s.Size[1] <= 0
	})
	if len(granted) == 0 {
		_ = b.portal.close(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: %w: no monitor granted", capture.ErrDirectoryUnavailable, capture.ErrPermissionDenied)
	}

	b.authorized = true
	b.granted = granted
	b.restoreToken = token
	logger.Printf("authorized streams=%d restore_token=%t", len(granted), token != "")
	return nil
}

// RestoreToken returns the token the portal issued for this grant, if any.
func (b *Backend) RestoreToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restoreToken
}

// ShareableContent lists the granted monitors. Applications and windows are
// not enumerable through the portal.
func (b *Backend) ShareableContent(ctx context.Context) (*capture.ContentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: backend closed", capture.ErrDirectoryUnavailable)
	}
	if !b.authorized {
		return nil, fmt.Errorf("%w: %w: screen cast not authorized", capture.ErrDirectoryUnavailable, capture.ErrPermissionDenied)
	}

	displays := make([]capture.Display, 0, len(b.granted))
	for _, s := range b.granted {
		displays = append(displays, capture.Display{ID: s.NodeID, Bounds: streamBounds(s)})
	}
	return capture.NewContentSnapshot(displays, nil, nil), nil
}

func streamBounds(s xdgportal.Stream) image.Rectangle {
	origin := image.Pt(int(s.Position[0]), int(s.Position[1]))
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(int(s.Size[0]), int(s.Size[1])))}
}

// lookup returns the granted stream for node while the portal session is
// open.
func (b *Backend) lookup(node uint32) (xdgportal.Stream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xdgportal.Stream{}, false
	}
	i := slices.IndexFunc(b.granted, func(s xdgportal.Stream) bool { return s.NodeID == node })
	if i < 0 {
		return xdgportal.Stream{}, false
	}
	return b.granted[i], true
}

// Close ends the portal session. Streams already running lose their source
// and report a fatal error.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	authorized := b.authorized
	b.mu.Unlock()

	if !authorized {
		return nil
	}
	logger.Printf("portal_close")
	return b.portal.close(ctx)
}

func (b *Backend) NewStream(filter capture.Filter, config capture.StreamConfig, handler capture.StreamHandler) (capture.Stream, error) {
	if handler == nil {
		return nil, errors.New("portalcast: nil stream handler")
	}
	display := filter.Display()
	size := display.Bounds.Size()
	region, err := cropRegion(size, config.SourceRect())
	if err != nil {
		return nil, err
	}

	id := int(b.nextID.Add(1))
	if config.ShowCursor() != b.opts.ShowCursor {
		logger.Printf("stream=%d show_cursor=%t ignored portal_cursor=%t", id, config.ShowCursor(), b.opts.ShowCursor)
	}
	return &stream{
		id:      id,
		backend: b,
		display: display,
		region:  region,
		rate:    frameRate(config.MinFrameInterval()),
		handler: handler,
	}, nil
}

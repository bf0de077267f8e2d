// Package screengrab is a capture backend that polls displays through
// github.com/kbinani/screenshot. It works wherever that library does
// (Windows GDI, macOS CoreGraphics, X11) and needs no portal or cgo stream
// plumbing. Applications and windows are not enumerable with it, so
// snapshots list displays only.
package screengrab

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/internal/debuglog"
)

const defaultMaxConsecutiveErrors = 3

var logger = debuglog.New("capturekit/screengrab")

// Options configures a Backend.
type Options struct {
	// MaxConsecutiveErrors is how many captures in a row may fail before
	// the stream reports a fatal error. Default is 3.
	MaxConsecutiveErrors int
}

// Backend implements capture.Backend on top of screen polling.
type Backend struct {
	maxErrors int

	available     func() error
	numDisplays   func() int
	displayBounds func(int) image.Rectangle
	captureRect   func(image.Rectangle) (*image.RGBA, error)

	nextID atomic.Int64
}

// New returns a backend that talks to the real display server.
func New(options *Options) *Backend {
	opts := Options{}
	if options != nil {
		opts = *options
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	return &Backend{
		maxErrors:     opts.MaxConsecutiveErrors,
		available:     x11Available,
		numDisplays:   screenshot.NumActiveDisplays,
		displayBounds: screenshot.GetDisplayBounds,
		captureRect:   screenshot.CaptureRect,
	}
}

// x11Available reports whether an X server can be reached where the library
// needs one. The library itself reports zero displays when it cannot connect,
// which would look like a valid empty snapshot.
func x11Available() error {
	switch runtime.GOOS {
	case "windows", "darwin":
		return nil
	}
	if os.Getenv("DISPLAY") == "" {
		return fmt.Errorf("%w: DISPLAY is not set", capture.ErrDirectoryUnavailable)
	}
	return nil
}

// ShareableContent lists active displays in OS order. A display's ID is its
// index, which is how the underlying library addresses it.
func (b *Backend) ShareableContent(ctx context.Context) (*capture.ContentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.available(); err != nil {
		return nil, err
	}

	n := b.numDisplays()
	displays := make([]capture.Display, 0, n)
	for i := 0; i < n; i++ {
		displays = append(displays, capture.Display{
			ID:     uint32(i),
			Bounds: b.displayBounds(i),
		})
	}
	logger.Printf("content displays=%d", n)
	return capture.NewContentSnapshot(displays, nil, nil), nil
}

// Close releases nothing; polling holds no session-wide resources.
func (b *Backend) Close(context.Context) error {
	return nil
}

func (b *Backend) NewStream(filter capture.Filter, config capture.StreamConfig, handler capture.StreamHandler) (capture.Stream, error) {
	if handler == nil {
		return nil, fmt.Errorf("screengrab: nil stream handler")
	}
	interval := config.MinFrameInterval().Duration()
	if interval <= 0 {
		return nil, fmt.Errorf("%w: frame interval %s", capture.ErrInvalidConfig, config.MinFrameInterval())
	}

	display := filter.Display()
	region, err := captureRegion(display.Bounds, config.SourceRect())
	if err != nil {
		return nil, err
	}

	id := int(b.nextID.Add(1))
	if config.ShowCursor() {
		logger.Printf("stream=%d show_cursor_unsupported", id)
	}
	return &stream{
		id:       id,
		backend:  b,
		display:  display,
		region:   region,
		interval: interval,
		handler:  handler,
		done:     make(chan struct{}),
	}, nil
}

// captureRegion maps a display-relative source rect into global
// coordinates. The empty rect selects the whole display.
func captureRegion(display, source image.Rectangle) (image.Rectangle, error) {
	if source.Empty() {
		return display, nil
	}
	r := source.Add(display.Min).Intersect(display)
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: source rect %v lies outside display %v", capture.ErrInvalidConfig, source, display)
	}
	return r, nil
}

type stream struct {
	id       int
	backend  *Backend
	display  capture.Display
	region   image.Rectangle
	interval time.Duration
	handler  capture.StreamHandler

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup

	sequence atomic.Uint64
}

// Start checks that the filtered display still exists with the same bounds
// and launches the polling loop.
func (s *stream) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return capture.ErrStopped
	}
	if s.started {
		return capture.ErrInvalidState
	}

	idx := int(s.display.ID)
	if n := s.backend.numDisplays(); idx >= n {
		return fmt.Errorf("%w: display %d (active=%d)", capture.ErrDisplayNotFound, s.display.ID, n)
	}
	if bounds := s.backend.displayBounds(idx); bounds != s.display.Bounds {
		return fmt.Errorf("%w: display %d bounds changed from %v to %v", capture.ErrDisplayNotFound, s.display.ID, s.display.Bounds, bounds)
	}

	s.started = true
	s.wg.Add(1)
	go s.loop()
	logger.Printf("stream=%d started display=%d region=%v interval=%s", s.id, s.display.ID, s.region, s.interval)
	return nil
}

func (s *stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		logger.Printf("stream=%d stopped frames=%d", s.id, s.sequence.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		img, err := s.backend.captureRect(s.region)
		if err != nil || img == nil {
			failures++
			if err == nil {
				err = fmt.Errorf("capture returned no image")
			}
			logger.Printf("stream=%d capture_err consecutive=%d err=%v", s.id, failures, err)
			if failures >= s.backend.maxErrors {
				s.handler.HandleError(fmt.Errorf("screengrab: %d consecutive capture failures: %w", failures, err))
				return
			}
			continue
		}
		failures = 0

		frame := frameFromRGBA(img)
		frame.Sequence = s.sequence.Add(1)
		frame.CapturedAt = time.Now()
		s.handler.HandleSample(frame, capture.FrameKindScreen)
	}
}

// frameFromRGBA converts a captured image into a tightly packed BGRA frame.
func frameFromRGBA(img *image.RGBA) capture.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := w * 4
	out := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+stride]
		dst := out[y*stride : (y+1)*stride]
		for x := 0; x < stride; x += 4 {
			dst[x+0] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x+0]
			dst[x+3] = src[x+3]
		}
	}
	return capture.Frame{
		Data:        out,
		Width:       uint32(w),
		Height:      uint32(h),
		Stride:      uint32(stride),
		PixelFormat: capture.PixelFormatBGRA,
	}
}

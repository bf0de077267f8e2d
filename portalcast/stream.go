package portalcast

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/internal/debuglog"
	"go2tv.app/capturekit/internal/pipewire"
)

// PipeWire rejects rates above this in the format it is offered.
const maxFrameRate = 1000

type stream struct {
	id      int
	backend *Backend
	display capture.Display
	region  image.Rectangle
	rate    pipewire.Fraction
	handler capture.StreamHandler

	mu      sync.Mutex
	started bool
	stopped bool
	video   mediaStream
	audio   mediaStream

	videoSeq   atomic.Uint64
	audioSeq   atomic.Uint64
	badFrames  atomic.Uint64
	lastBadLog atomic.Int64
}

// Start connects to the display's PipeWire node over a fresh remote from
// the portal session.
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

	granted, ok := s.backend.lookup(s.display.ID)
	if !ok {
		return fmt.Errorf("%w: node %d is not granted by the portal session", capture.ErrDisplayNotFound, s.display.ID)
	}
	if size := streamBounds(granted).Size(); size != s.display.Bounds.Size() {
		return fmt.Errorf("%w: node %d size changed from %v to %v", capture.ErrDisplayNotFound, s.display.ID, s.display.Bounds.Size(), size)
	}

	remote, err := s.backend.portal.openRemote(ctx)
	if err != nil {
		return fmt.Errorf("open pipewire remote: %w", err)
	}
	fd := -1
	if remote != nil {
		defer remote.Close()
		fd = int(remote.Fd())
	}

	size := s.display.Bounds.Size()
	video, err := s.backend.openVideo(fd, pipewire.VideoParams{
		NodeID:    s.display.ID,
		Width:     uint32(size.X),
		Height:    uint32(size.Y),
		FrameRate: s.rate,
	}, pipewire.Callbacks{OnFrame: s.onVideo, OnError: s.onError})
	if err != nil {
		return err
	}

	var audio mediaStream
	if s.backend.opts.Audio {
		audio, err = s.backend.openAudio(pipewire.Callbacks{OnFrame: s.onAudio, OnError: s.onError})
		if err != nil {
			_ = video.Close()
			return fmt.Errorf("audio: %w", err)
		}
	}

	s.video = video
	s.audio = audio
	s.started = true
	video.Start()
	if audio != nil {
		audio.Start()
	}
	logger.Printf("stream=%d started node=%d region=%v rate=%d/%d audio=%t", s.id, s.display.ID, s.region, s.rate.Num, s.rate.Den, audio != nil)
	return nil
}

func (s *stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	video, audio := s.video, s.audio
	s.mu.Unlock()

	closed := make(chan error, 1)
	go func() {
		var errs []error
		if video != nil {
			errs = append(errs, video.Close())
		}
		if audio != nil {
			errs = append(errs, audio.Close())
		}
		closed <- errors.Join(errs...)
	}()
	select {
	case err := <-closed:
		logger.Printf("stream=%d stopped frames=%d bad_frames=%d err=%v", s.id, s.videoSeq.Load(), s.badFrames.Load(), err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) onError(err error) {
	s.handler.HandleError(err)
}

func (s *stream) onVideo(data []byte, stride int) {
	frame, ok := videoFrame(data, stride, s.display.Bounds.Size(), s.region)
	if !ok {
		total := s.badFrames.Add(1)
		if debuglog.ShouldLog(&s.lastBadLog, time.Second) {
			logger.Printf("stream=%d short_buffer bytes=%d stride=%d total=%d", s.id, len(data), stride, total)
		}
		return
	}
	frame.Sequence = s.videoSeq.Add(1)
	frame.CapturedAt = time.Now()
	s.handler.HandleSample(frame, capture.FrameKindScreen)
}

func (s *stream) onAudio(data []byte, _ int) {
	s.handler.HandleSample(capture.Frame{
		Data:        data,
		Stride:      4,
		PixelFormat: capture.PixelFormatPCMS16,
		Sequence:    s.audioSeq.Add(1),
		CapturedAt:  time.Now(),
	}, capture.FrameKindAudio)
}

// videoFrame crops a BGRx buffer of the given size to region and packs it
// tightly. It reports false when the buffer holds no complete row.
func videoFrame(data []byte, stride int, size image.Point, region image.Rectangle) (capture.Frame, bool) {
	w, h := size.X, size.Y
	if stride <= 0 {
		stride = w * 4
	}
	if stride < w*4 {
		w = stride / 4
	}
	if w <= 0 || len(data) < w*4 {
		return capture.Frame{}, false
	}
	if rows := (len(data)-w*4)/stride + 1; rows < h {
		h = rows
	}
	r := region.Intersect(image.Rect(0, 0, w, h))
	if r.Empty() {
		return capture.Frame{}, false
	}

	rw, rh := r.Dx(), r.Dy()
	out := data
	if r.Min != (image.Point{}) || rw != w || stride != w*4 || rh != h {
		out = make([]byte, rw*4*rh)
		for y := 0; y < rh; y++ {
			start := (r.Min.Y+y)*stride + r.Min.X*4
			copy(out[y*rw*4:(y+1)*rw*4], data[start:start+rw*4])
		}
	}
	return capture.Frame{
		Data:        out[:rw*4*rh],
		Width:       uint32(rw),
		Height:      uint32(rh),
		Stride:      uint32(rw * 4),
		PixelFormat: capture.PixelFormatBGRA,
	}, true
}

// cropRegion resolves a display-relative source rect against a stream of
// the given size. The empty rect selects everything.
func cropRegion(size image.Point, source image.Rectangle) (image.Rectangle, error) {
	full := image.Rectangle{Max: size}
	if source.Empty() {
		return full, nil
	}
	r := source.Intersect(full)
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: source rect %v lies outside stream %v", capture.ErrInvalidConfig, source, full)
	}
	return r, nil
}

// frameRate turns a minimum frame interval into the maximum rate PipeWire
// is offered.
func frameRate(interval capture.Rational) pipewire.Fraction {
	num, den := interval.Den, interval.Num
	if num <= 0 || den <= 0 {
		return pipewire.Fraction{Num: 60, Den: 1}
	}
	for num > math.MaxUint32 || den > math.MaxUint32 {
		num >>= 1
		den >>= 1
	}
	if num == 0 {
		num = 1
	}
	if den == 0 {
		den = 1
	}
	if num > maxFrameRate*den {
		return pipewire.Fraction{Num: maxFrameRate, Den: 1}
	}
	return pipewire.Fraction{Num: uint32(num), Den: uint32(den)}
}

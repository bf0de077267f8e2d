// Package capturetest provides an in-memory capture backend for tests. It
// plays the role of the OS subsystem: tests decide what the directory
// returns, when starts resolve, and which samples and errors a stream emits.
package capturetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/capturekit/capture"
)

// Backend is a scriptable capture.Backend. The zero value is not usable;
// call NewBackend.
type Backend struct {
	mu         sync.Mutex
	displays   []capture.Display
	apps       []capture.Application
	windows    []capture.Window
	contentErr error
	createErr  error
	startErr   error
	stopErr    error
	startGate  chan struct{}
	streams    []*Stream
}

// NewBackend returns a backend whose directory lists displays.
func NewBackend(displays ...capture.Display) *Backend {
	return &Backend{displays: slices.Clone(displays)}
}

// SetContent replaces everything the directory reports.
func (b *Backend) SetContent(displays []capture.Display, apps []capture.Application, windows []capture.Window) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.displays = slices.Clone(displays)
	b.apps = slices.Clone(apps)
	b.windows = slices.Clone(windows)
}

// RemoveDisplay makes later starts targeting id fail.
func (b *Backend) RemoveDisplay(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.displays = slices.DeleteFunc(b.displays, func(d capture.Display) bool { return d.ID == id })
}

func (b *Backend) SetContentError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contentErr = err
}

func (b *Backend) SetCreateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

func (b *Backend) SetStartError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

func (b *Backend) SetStopError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopErr = err
}

// HoldStarts makes every later Start block until the returned function is
// called or the start context ends.
func (b *Backend) HoldStarts() (release func()) {
	gate := make(chan struct{})
	var once sync.Once

	b.mu.Lock()
	b.startGate = gate
	b.mu.Unlock()

	return func() {
		once.Do(func() { close(gate) })
	}
}

func (b *Backend) ShareableContent(ctx context.Context) (*capture.ContentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contentErr != nil {
		return nil, b.contentErr
	}
	return capture.NewContentSnapshot(b.displays, b.apps, b.windows), nil
}

func (b *Backend) NewStream(filter capture.Filter, config capture.StreamConfig, handler capture.StreamHandler) (capture.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	s := &Stream{
		backend: b,
		filter:  filter,
		config:  config,
		handler: handler,
	}
	b.streams = append(b.streams, s)
	return s, nil
}

// Streams returns every stream created so far, oldest first.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.streams)
}

// LastStream returns the most recently created stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

func (b *Backend) hasDisplay(id uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.ContainsFunc(b.displays, func(d capture.Display) bool { return d.ID == id })
}

// Stream is a capture.Stream driven by the test.
type Stream struct {
	backend *Backend
	filter  capture.Filter
	config  capture.StreamConfig
	handler capture.StreamHandler

	sequence   atomic.Uint64
	startCalls atomic.Int32
	stopCalls  atomic.Int32
	running    atomic.Bool
}

func (s *Stream) Filter() capture.Filter { return s.filter }
func (s *Stream) Config() capture.StreamConfig { return s.config }
func (s *Stream) StartCalls() int { return int(s.startCalls.Load()) }
func (s *Stream) StopCalls() int { return int(s.stopCalls.Load()) }
func (s *Stream) Running() bool { return s.running.Load() }

func (s *Stream) Start(ctx context.Context) error {
	s.startCalls.Add(1)

	s.backend.mu.Lock()
	gate := s.backend.startGate
	startErr := s.backend.startErr
	s.backend.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if startErr != nil {
		return startErr
	}
	if !s.backend.hasDisplay(s.filter.Display().ID) {
		return fmt.Errorf("%w: display %d", capture.ErrDisplayNotFound, s.filter.Display().ID)
	}
	s.running.Store(true)
	return nil
}

func (s *Stream) Stop(ctx context.Context) error {
	_ = ctx
	s.stopCalls.Add(1)
	s.running.Store(false)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.backend.stopErr
}

// Emit hands one sample of kind to the session, the way an OS worker
// thread would. It stamps Sequence and CapturedAt when they are unset.
func (s *Stream) Emit(frame capture.Frame, kind capture.FrameKind) {
	if frame.Sequence == 0 {
		frame.Sequence = s.sequence.Add(1)
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	s.handler.HandleSample(frame, kind)
}

// EmitScreen emits n screen frames with one-byte payloads.
func (s *Stream) EmitScreen(n int) {
	for i := 0; i < n; i++ {
		s.Emit(capture.Frame{Data: []byte{byte(i)}, Width: 1, Height: 1, Stride: 4, PixelFormat: capture.PixelFormatBGRA}, capture.FrameKindScreen)
	}
}

// Fail reports an asynchronous stream error.
func (s *Stream) Fail(err error) {
	s.handler.HandleError(err)
}

// Sink records every frame it receives. It is safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	frames []capture.Frame
	kinds  []capture.FrameKind
	notify chan struct{}

	// OnFrameHook, when set, runs inside OnFrame before recording.
	OnFrameHook func(frame capture.Frame, kind capture.FrameKind)
}

func NewSink() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

func (s *Sink) OnFrame(frame capture.Frame, kind capture.FrameKind) {
	if s.OnFrameHook != nil {
		s.OnFrameHook(frame, kind)
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame.Clone())
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Sink) Frames() []capture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *Sink) Kinds() []capture.FrameKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.kinds)
}

// WaitCount blocks until at least n frames arrived or timeout passes, and
// reports whether the count was reached.
func (s *Sink) WaitCount(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if s.Count() >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return s.Count() >= n
		}
	}
}

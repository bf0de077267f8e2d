package portalcast

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/capture/capturetest"
	"go2tv.app/capturekit/internal/pipewire"
	"go2tv.app/capturekit/internal/xdgportal"
)

const testTimeout = 2 * time.Second

type fakePortal struct {
	mu       sync.Mutex
	granted  []xdgportal.Stream
	token    string
	err      error
	opts     Options
	connects int
	remotes  int
	closes   int
}

func (p *fakePortal) connect(_ context.Context, opts Options) ([]xdgportal.Stream, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	p.opts = opts
	if p.err != nil {
		return nil, "", p.err
	}
	return slices.Clone(p.granted), p.token, nil
}

func (p *fakePortal) openRemote(context.Context) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remotes++
	return nil, nil
}

func (p *fakePortal) close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

type fakeMedia struct {
	params    pipewire.VideoParams
	callbacks pipewire.Callbacks
	started   atomic.Bool
	closed    atomic.Bool
}

func (m *fakeMedia) Start() { m.started.Store(true) }

func (m *fakeMedia) Close() error {
	m.closed.Store(true)
	return nil
}

type harness struct {
	backend *Backend
	portal  *fakePortal

	mu    sync.Mutex
	video []*fakeMedia
	audio []*fakeMedia
}

func newHarness(opts *Options, granted ...xdgportal.Stream) *harness {
	h := &harness{portal: &fakePortal{granted: granted}}
	h.backend = New(opts)
	h.backend.portal = h.portal
	h.backend.openVideo = func(fd int, params pipewire.VideoParams, callbacks pipewire.Callbacks) (mediaStream, error) {
		m := &fakeMedia{params: params, callbacks: callbacks}
		h.mu.Lock()
		h.video = append(h.video, m)
		h.mu.Unlock()
		return m, nil
	}
	h.backend.openAudio = func(callbacks pipewire.Callbacks) (mediaStream, error) {
		m := &fakeMedia{callbacks: callbacks}
		h.mu.Lock()
		h.audio = append(h.audio, m)
		h.mu.Unlock()
		return m, nil
	}
	return h
}

func (h *harness) lastVideo(t *testing.T) *fakeMedia {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.video) == 0 {
		t.Fatalf("no video stream opened")
	}
	return h.video[len(h.video)-1]
}

func monitor(node uint32, x, y, w, h int32) xdgportal.Stream {
	return xdgportal.Stream{
		NodeID:     node,
		Position:   [2]int32{x, y},
		Size:       [2]int32{w, h},
		SourceType: xdgportal.SourceTypeMonitor,
	}
}

func startSession(t *testing.T, h *harness, cfg capture.StreamConfig, sink capture.FrameSink) *capture.Session {
	t.Helper()
	if err := h.backend.Authorize(context.Background()); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	snapshot, err := capture.QueryShareableContent(context.Background(), h.backend)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	filter, err := capture.BuildFilter(snapshot, 0, nil, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	s, err := capture.NewSession(h.backend, filter, cfg, sink)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := <-s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestShareableContentRequiresAuthorize(t *testing.T) {
	h := newHarness(nil, monitor(40, 0, 0, 4, 3))
	_, err := capture.QueryShareableContent(context.Background(), h.backend)
	if !errors.Is(err, capture.ErrDirectoryUnavailable) || !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("query before Authorize: got %v", err)
	}
	if h.portal.connects != 0 {
		t.Fatalf("query must not prompt the user")
	}
}

func TestAuthorizeListsGrantedMonitors(t *testing.T) {
	h := newHarness(&Options{ShowCursor: true, Persist: true},
		monitor(40, 0, 0, 1920, 1080),
		monitor(41, 1920, 0, 1280, 1024),
		monitor(42, 0, 0, 0, 0),
	)
	h.portal.token = "restore-me"

	for i := 0; i < 2; i++ {
		if err := h.backend.Authorize(context.Background()); err != nil {
			t.Fatalf("Authorize: %v", err)
		}
	}
	if h.portal.connects != 1 {
		t.Fatalf("portal handshake ran %d times", h.portal.connects)
	}
	if !h.portal.opts.ShowCursor || !h.portal.opts.Persist {
		t.Fatalf("options not passed to portal: %+v", h.portal.opts)
	}
	if got := h.backend.RestoreToken(); got != "restore-me" {
		t.Fatalf("RestoreToken = %q", got)
	}

	snapshot, err := capture.QueryShareableContent(context.Background(), h.backend)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []capture.Display{
		{ID: 40, Bounds: image.Rect(0, 0, 1920, 1080)},
		{ID: 41, Bounds: image.Rect(1920, 0, 3200, 1024)},
	}
	if got := snapshot.Displays(); !slices.Equal(got, want) {
		t.Fatalf("displays = %v, want %v", got, want)
	}
}

func TestAuthorizeDenied(t *testing.T) {
	h := newHarness(nil, monitor(40, 0, 0, 4, 3))
	h.portal.err = xdgportal.ErrCancelled

	err := h.backend.Authorize(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) || !errors.Is(err, capture.ErrDirectoryUnavailable) {
		t.Fatalf("denial mapped to %v", err)
	}
	if _, err := capture.QueryShareableContent(context.Background(), h.backend); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("query after denial: %v", err)
	}
}

func TestAuthorizeNothingGranted(t *testing.T) {
	h := newHarness(nil)
	err := h.backend.Authorize(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("empty grant mapped to %v", err)
	}
	if h.portal.closes != 1 {
		t.Fatalf("portal session left open after empty grant")
	}
}

func TestSessionDeliversCroppedFrames(t *testing.T) {
	h := newHarness(nil, monitor(40, 100, 0, 4, 3))
	cfg, err := capture.NewStreamConfig(capture.ConfigOptions{
		MinFrameInterval: capture.Rational{Num: 1, Den: 30},
		QueueDepth:       2,
		SourceRect:       image.Rect(1, 1, 3, 2),
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	sink := capturetest.NewSink()
	startSession(t, h, cfg, sink)

	video := h.lastVideo(t)
	if !video.started.Load() {
		t.Fatalf("video stream not started")
	}
	wantParams := pipewire.VideoParams{NodeID: 40, Width: 4, Height: 3, FrameRate: pipewire.Fraction{Num: 30, Den: 1}}
	if video.params != wantParams {
		t.Fatalf("params = %+v, want %+v", video.params, wantParams)
	}
	if h.portal.remotes != 1 {
		t.Fatalf("pipewire remote opened %d times", h.portal.remotes)
	}

	// 4x3 pixels with a stride of 20 bytes; each byte is its own offset.
	const stride = 20
	buf := make([]byte, stride*2+16)
	for i := range buf {
		buf[i] = byte(i)
	}
	video.callbacks.OnFrame(buf, stride)

	if !sink.WaitCount(1, testTimeout) {
		t.Fatalf("no frame delivered")
	}
	got := sink.Frames()[0]
	if got.Width != 2 || got.Height != 1 || got.Stride != 8 || got.PixelFormat != capture.PixelFormatBGRA {
		t.Fatalf("unexpected frame geometry %+v", got)
	}
	if want := buf[stride+4 : stride+12]; !bytes.Equal(got.Data, want) {
		t.Fatalf("data = %v, want %v", got.Data, want)
	}
	if got.Sequence != 1 {
		t.Fatalf("sequence = %d", got.Sequence)
	}
}

func TestPipewireErrorIsFatal(t *testing.T) {
	h := newHarness(nil, monitor(40, 0, 0, 4, 3))
	s := startSession(t, h, capture.DefaultStreamConfig(), capturetest.NewSink())

	nodeGone := errors.New("node removed")
	h.lastVideo(t).callbacks.OnError(nodeGone)

	select {
	case err := <-s.Errors():
		if !errors.Is(err, capture.ErrStreamFatal) || !errors.Is(err, nodeGone) {
			t.Fatalf("fatal error = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no fatal error reported")
	}
	if err := <-s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !h.lastVideo(t).closed.Load() {
		t.Fatalf("video stream not released")
	}
}

func TestStartAfterPortalClosed(t *testing.T) {
	h := newHarness(nil, monitor(40, 0, 0, 4, 3))
	if err := h.backend.Authorize(context.Background()); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	snapshot, _ := capture.QueryShareableContent(context.Background(), h.backend)
	filter, err := capture.BuildFilter(snapshot, 0, nil, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	s, err := capture.NewSession(h.backend, filter, capture.DefaultStreamConfig(), capturetest.NewSink())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := h.backend.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err = <-s.Start(context.Background())
	if !errors.Is(err, capture.ErrStartFailed) || !errors.Is(err, capture.ErrDisplayNotFound) {
		t.Fatalf("start after close: %v", err)
	}
	if h.portal.closes != 1 || h.portal.remotes != 0 {
		t.Fatalf("closes=%d remotes=%d", h.portal.closes, h.portal.remotes)
	}
}

func TestAudioSamples(t *testing.T) {
	h := newHarness(&Options{Audio: true}, monitor(40, 0, 0, 4, 3))
	sink := capturetest.NewSink()
	s := startSession(t, h, capture.DefaultStreamConfig(), sink)

	h.mu.Lock()
	if len(h.audio) != 1 {
		h.mu.Unlock()
		t.Fatalf("audio streams = %d", len(h.audio))
	}
	audio := h.audio[0]
	h.mu.Unlock()

	audio.callbacks.OnFrame([]byte{1, 0, 2, 0}, 0)
	if !sink.WaitCount(1, testTimeout) {
		t.Fatalf("no audio delivered")
	}
	if k := sink.Kinds()[0]; k != capture.FrameKindAudio {
		t.Fatalf("kind = %s", k)
	}
	if f := sink.Frames()[0]; f.PixelFormat != capture.PixelFormatPCMS16 {
		t.Fatalf("format = %s", f.PixelFormat)
	}

	if err := <-s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !audio.closed.Load() || !h.lastVideo(t).closed.Load() {
		t.Fatalf("streams not released")
	}
}

func TestVideoFrame(t *testing.T) {
	size := image.Pt(2, 2)
	full := image.Rect(0, 0, 2, 2)

	tight := make([]byte, 16)
	f, ok := videoFrame(tight, 0, size, full)
	if !ok || f.Width != 2 || f.Height != 2 || len(f.Data) != 16 {
		t.Fatalf("tight frame = %+v, %t", f, ok)
	}

	// One complete row only: height shrinks to what arrived.
	f, ok = videoFrame(make([]byte, 12), 12, size, full)
	if !ok || f.Height != 1 || len(f.Data) != 8 {
		t.Fatalf("short frame = %+v, %t", f, ok)
	}

	if _, ok := videoFrame(make([]byte, 4), 8, size, full); ok {
		t.Fatalf("partial row must be rejected")
	}
}

func TestFrameRate(t *testing.T) {
	cases := []struct {
		in   capture.Rational
		want pipewire.Fraction
	}{
		{capture.Rational{Num: 1, Den: 60}, pipewire.Fraction{Num: 60, Den: 1}},
		{capture.Rational{Num: 1001, Den: 30000}, pipewire.Fraction{Num: 30000, Den: 1001}},
		{capture.Rational{Num: 1, Den: 5000}, pipewire.Fraction{Num: maxFrameRate, Den: 1}},
		{capture.Rational{Num: 1 << 40, Den: 1 << 41}, pipewire.Fraction{Num: 1 << 31, Den: 1 << 30}},
	}
	for _, tc := range cases {
		if got := frameRate(tc.in); got != tc.want {
			t.Fatalf("frameRate(%s) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestSelectOptions(t *testing.T) {
	opts := Options{ShowCursor: true, RestoreToken: "tok", Persist: true}
	modes := xdgportal.CursorModeHidden | xdgportal.CursorModeEmbedded

	old := selectOptions(opts, xdgportal.MinPersistVersion-1, modes)
	if old.RestoreToken != "" || old.PersistMode != xdgportal.PersistModeNone {
		t.Fatalf("persistence sent to an old portal: %+v", old)
	}
	cur := selectOptions(opts, xdgportal.MinPersistVersion, modes)
	if cur.RestoreToken != "tok" || cur.PersistMode != xdgportal.PersistModePersistent {
		t.Fatalf("persistence missing: %+v", cur)
	}
	if cur.Types != xdgportal.SourceTypeMonitor || cur.CursorMode != xdgportal.CursorModeEmbedded {
		t.Fatalf("unexpected selection %+v", cur)
	}
}

func TestCursorMode(t *testing.T) {
	all := xdgportal.CursorModeHidden | xdgportal.CursorModeEmbedded
	cases := []struct {
		name      string
		available uint32
		show      bool
		want      uint32
	}{
		{"show embedded", all, true, xdgportal.CursorModeEmbedded},
		{"hide", all, false, xdgportal.CursorModeHidden},
		{"show unsupported", xdgportal.CursorModeHidden, true, xdgportal.CursorModeHidden},
		{"nothing", 0, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cursorMode(tc.available, tc.show); got != tc.want {
				t.Fatalf("cursorMode(%d, %t) = %d, want %d", tc.available, tc.show, got, tc.want)
			}
		})
	}
}

func TestAccessError(t *testing.T) {
	missing := accessError(errors.New("org.freedesktop.DBus.Error.ServiceUnknown"))
	if !errors.Is(missing, capture.ErrDirectoryUnavailable) || errors.Is(missing, capture.ErrPermissionDenied) {
		t.Fatalf("missing portal mapped to %v", missing)
	}
	if err := accessError(context.Canceled); err != context.Canceled {
		t.Fatalf("cancellation mapped to %v", err)
	}
}

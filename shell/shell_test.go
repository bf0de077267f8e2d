package shell

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/capture/capturetest"
)

const testTimeout = 2 * time.Second

func newSession(t *testing.T, b *capturetest.Backend) *capture.Session {
	t.Helper()
	snapshot, err := capture.QueryShareableContent(context.Background(), b)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	filter, err := capture.BuildFilter(snapshot, 0, nil, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	s, err := capture.NewSession(b, filter, capture.DefaultStreamConfig(), capturetest.NewSink())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newBackend() *capturetest.Backend {
	return capturetest.NewBackend(capture.Display{ID: 1, Bounds: image.Rect(0, 0, 640, 480)})
}

func waitTracked(t *testing.T, sh *Shell, want int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for sh.Tracked() != want {
		if time.Now().After(deadline) {
			t.Fatalf("tracked = %d, want %d", sh.Tracked(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShutdownStopsTrackedSessions(t *testing.T) {
	b := newBackend()
	sh := New(nil)

	active := newSession(t, b)
	if err := <-active.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	idle := newSession(t, b)

	for _, s := range []*capture.Session{active, idle} {
		if err := sh.Track(s); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}
	if got := sh.Tracked(); got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	if err := sh.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range []*capture.Session{active, idle} {
		if st := s.State(); st != capture.StateStopped {
			t.Fatalf("session %d state = %s, want stopped", s.ID(), st)
		}
	}
	for _, stream := range b.Streams() {
		if stream.StopCalls() != 1 {
			t.Fatalf("stream stopped %d times, want 1", stream.StopCalls())
		}
	}
	waitTracked(t, sh, 0)
}

func TestShutdownJoinsStopErrors(t *testing.T) {
	b := newBackend()
	stopErr := errors.New("release failed")
	b.SetStopError(stopErr)

	sh := New(nil)
	s := newSession(t, b)
	if err := <-s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sh.Track(s); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := sh.Shutdown(context.Background()); !errors.Is(err, stopErr) {
		t.Fatalf("Shutdown error = %v, want %v", err, stopErr)
	}
}

func TestTrackForgetsFinishedSessions(t *testing.T) {
	b := newBackend()
	sh := New(nil)
	s := newSession(t, b)
	if err := <-s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sh.Track(s); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := <-s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTracked(t, sh, 0)
}

func TestTrackAfterShutdown(t *testing.T) {
	b := newBackend()
	sh := New(nil)
	if err := sh.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s := newSession(t, b)
	if err := sh.Track(s); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Track error = %v, want ErrShutdown", err)
	}
	if st := s.State(); st != capture.StateStopped {
		t.Fatalf("state = %s, want stopped", st)
	}
}

func TestShutdownRespectsContext(t *testing.T) {
	b := newBackend()
	release := b.HoldStarts()
	defer release()

	sh := New(nil)
	s := newSession(t, b)
	start := s.Start(context.Background())
	if err := sh.Track(s); err != nil {
		t.Fatalf("Track: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sh.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown error = %v, want deadline exceeded", err)
	}

	release()
	if err := <-start; !errors.Is(err, capture.ErrStartFailed) || !errors.Is(err, capture.ErrStopped) {
		t.Fatalf("start resolved with %v", err)
	}
}

func TestRunShutsDownAfterFn(t *testing.T) {
	b := newBackend()
	sh := New(&Options{ShutdownTimeout: time.Second})

	var s *capture.Session
	err := sh.Run(context.Background(), func(ctx context.Context) error {
		s = newSession(t, b)
		if err := <-s.Start(ctx); err != nil {
			return err
		}
		return sh.Track(s)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := s.State(); st != capture.StateStopped {
		t.Fatalf("state after Run = %s", st)
	}
}

func TestRunSwallowsOwnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sh := New(nil)

	err := sh.Run(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunReportsFnError(t *testing.T) {
	want := errors.New("boom")
	err := New(nil).Run(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("Run error = %v, want %v", err, want)
	}
}

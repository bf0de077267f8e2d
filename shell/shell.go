// Package shell owns process-level concerns around capture sessions:
// choosing the platform capture backend and obtaining screen-recording
// consent before the first query, tracking what is running, and stopping it
// all on shutdown or a signal.
package shell

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/internal/debuglog"
)

const defaultShutdownTimeout = 2 * time.Second

var logger = debuglog.New("capturekit/shell")

// ErrShutdown is returned by Track once Shutdown has begun.
var ErrShutdown = errors.New("shell: shutting down")

type Options struct {
	// ShutdownTimeout bounds how long Run waits for sessions to stop.
	// Default is 2s.
	ShutdownTimeout time.Duration
	// Signals end Run's context. Default is SIGINT, SIGTERM and SIGHUP
	// on unix, os.Interrupt elsewhere.
	Signals []os.Signal
}

type Shell struct {
	shutdownTimeout time.Duration
	signals         []os.Signal

	mu       sync.Mutex
	sessions map[*capture.Session]struct{}
	closed   bool
}

func New(options *Options) *Shell {
	opts := Options{}
	if options != nil {
		opts = *options
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if len(opts.Signals) == 0 {
		opts.Signals = defaultSignals()
	}
	return &Shell{
		shutdownTimeout: opts.ShutdownTimeout,
		signals:         opts.Signals,
		sessions:        make(map[*capture.Session]struct{}),
	}
}

// Track registers s so Shutdown stops it. A session is forgotten once it
// is done. After Shutdown has begun, Track closes s and returns ErrShutdown.
func (sh *Shell) Track(s *capture.Session) error {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		_ = s.Close()
		return ErrShutdown
	}
	sh.sessions[s] = struct{}{}
	sh.mu.Unlock()

	go func() {
		<-s.Done()
		sh.mu.Lock()
		delete(sh.sessions, s)
		sh.mu.Unlock()
	}()
	return nil
}

// Tracked returns how many sessions are still running.
func (sh *Shell) Tracked() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.sessions)
}

// Shutdown closes every tracked session concurrently and waits for them or
// for ctx. Errors from individual sessions are joined.
func (sh *Shell) Shutdown(ctx context.Context) error {
	sh.mu.Lock()
	sh.closed = true
	sessions := make([]*capture.Session, 0, len(sh.sessions))
	for s := range sh.sessions {
		sessions = append(sessions, s)
	}
	sh.mu.Unlock()

	logger.Printf("shutdown sessions=%d", len(sessions))

	errs := make(chan error, len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			errs <- s.Close()
		}()
	}

	var joined []error
	for range sessions {
		select {
		case err := <-errs:
			if err != nil {
				joined = append(joined, err)
			}
		case <-ctx.Done():
			joined = append(joined, ctx.Err())
			return errors.Join(joined...)
		}
	}
	return errors.Join(joined...)
}

// Run calls fn with a context that ends on ctx or on one of the configured
// signals, then shuts down. A context error from fn caused by that
// cancellation is not reported.
func (sh *Shell) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, stop := signal.NotifyContext(ctx, sh.signals...)
	defer stop()

	err := fn(runCtx)
	if runCtx.Err() != nil && errors.Is(err, runCtx.Err()) {
		err = nil
	}
	if runCtx.Err() != nil {
		logger.Printf("run interrupted cause=%v", context.Cause(runCtx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sh.shutdownTimeout)
	defer cancel()
	return errors.Join(err, sh.Shutdown(shutdownCtx))
}

package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/capturekit/internal/debuglog"
)

// State is a Session's lifecycle position.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var nextSessionID atomic.Int64

// Stats are delivery counters for one session.
type Stats struct {
	Delivered  uint64
	Dropped    uint64
	SinkPanics uint64
}

// Session owns one backend capture stream, its delivery queue, and the sink
// the queue feeds. Build one with NewSession.
type Session struct {
	id     int
	filter Filter
	config StreamConfig
	sink   FrameSink
	stream Stream
	queue  *deliveryQueue

	mu    sync.Mutex
	state State

	startDone    chan struct{}
	teardownOnce sync.Once
	done         chan struct{}
	stopErr      error
	errs         chan error
	startErr     error

	delivered   atomic.Uint64
	sinkPanics  atomic.Uint64
	lateErrors  atomic.Uint64
	lastLateLog atomic.Int64
}

// NewSession allocates a backend stream for filter and config and binds sink
// to it. The session starts Unstarted. Every failure wraps
// ErrStreamCreationFailed and leaves nothing allocated.
func NewSession(factory StreamFactory, filter Filter, config StreamConfig, sink FrameSink) (*Session, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: no stream factory", ErrStreamCreationFailed)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: no frame sink", ErrStreamCreationFailed)
	}
	if !config.Valid() {
		return nil, fmt.Errorf("%w: %w: configuration was not built with NewStreamConfig", ErrStreamCreationFailed, ErrInvalidConfig)
	}

	s := &Session{
		id:        int(nextSessionID.Add(1)),
		filter:    filter,
		config:    config,
		sink:      sink,
		state:     StateUnstarted,
		startDone: make(chan struct{}),
		done:      make(chan struct{}),
		errs:      make(chan error, 1),
	}
	logger.Printf("stream=%d create display=%d %s", s.id, filter.display.ID, config)

	s.queue = newDeliveryQueue(s.id, config.queueDepth, config.backpressure, s.dispatch)
	stream, err := factory.NewStream(filter, config, sessionHandler{s})
	if err != nil {
		s.queue.close()
		logger.Printf("stream=%d create_failed err=%v", s.id, err)
		return nil, fmt.Errorf("%w: %w", ErrStreamCreationFailed, err)
	}
	if stream == nil {
		s.queue.close()
		return nil, fmt.Errorf("%w: backend returned no stream", ErrStreamCreationFailed)
	}
	s.stream = stream

	return s, nil
}

func (s *Session) ID() int { return s.id }

func (s *Session) Filter() Filter { return s.filter }

func (s *Session) Config() StreamConfig { return s.config }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	return Stats{
		Delivered:  s.delivered.Load(),
		Dropped:    s.queue.dropped.Load(),
		SinkPanics: s.sinkPanics.Load(),
	}
}

// Errors yields at most one error, wrapping ErrStreamFatal, if the stream
// dies while active. It is closed once the session has been torn down.
func (s *Session) Errors() <-chan error { return s.errs }

// Done is closed once the session has released its stream.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start asks the backend to begin capture. The returned channel receives
// exactly one value: nil once the session is Active, or an error wrapping
// ErrStartFailed. The sink sees no sample before that value is sent.
func (s *Session) Start(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	s.mu.Lock()
	if s.state != StateUnstarted {
		state := s.state
		s.mu.Unlock()
		result <- fmt.Errorf("%w: %w: session is %s", ErrStartFailed, ErrInvalidState, state)
		close(result)
		return result
	}
	s.state = StateStarting
	s.mu.Unlock()

	logger.Printf("stream=%d start_begin", s.id)
	go s.runStart(ctx, result)
	return result
}

func (s *Session) runStart(ctx context.Context, result chan<- error) {
	defer close(s.startDone)

	err := s.stream.Start(ctx)

	s.mu.Lock()
	if err == nil && s.startErr != nil {
		err = s.startErr
	}
	if s.state == StateStopping {
		// Stop arrived mid-start; it owns teardown once startDone closes.
		s.mu.Unlock()
		if err == nil {
			err = ErrStopped
		}
		logger.Printf("stream=%d start_abandoned err=%v", s.id, err)
		result <- fmt.Errorf("%w: %w", ErrStartFailed, err)
		close(result)
		return
	}
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		logger.Printf("stream=%d start_failed err=%v", s.id, err)
		s.teardown(context.WithoutCancel(ctx), StateFailed)
		result <- fmt.Errorf("%w: %w", ErrStartFailed, err)
		close(result)
		return
	}
	s.state = StateActive
	s.mu.Unlock()

	logger.Printf("stream=%d capture_started", s.id)
	result <- nil
	close(result)
	s.queue.open()
}

// Stop ends capture. From Starting or Active the session passes through
// Stopping to Stopped and the returned channel receives the backend's stop
// error once no further sink call can happen. A session that is already
// stopping or has failed resolves once that teardown is done. On an unstarted
// session Stop does nothing and resolves nil. If ctx ends first the channel
// receives ctx.Err() and teardown finishes in the background.
func (s *Session) Stop(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	s.mu.Lock()
	switch s.state {
	case StateUnstarted:
		s.mu.Unlock()
		result <- nil
		close(result)
		return result
	case StateStopping, StateStopped, StateFailed:
		s.mu.Unlock()
		select {
		case <-s.done:
			result <- s.stopErr
			close(result)
		default:
			go s.awaitDone(ctx, result)
		}
		return result
	}
	wasStarting := s.state == StateStarting
	s.state = StateStopping
	s.mu.Unlock()

	logger.Printf("stream=%d stop_begin was_starting=%t", s.id, wasStarting)
	teardownCtx := context.WithoutCancel(ctx)
	go func() {
		if wasStarting {
			<-s.startDone
		}
		s.teardown(teardownCtx, StateStopped)
	}()
	go s.awaitDone(ctx, result)
	return result
}

// Close releases the session from any state and waits for teardown. It is
// safe to call unconditionally during shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateUnstarted {
		s.state = StateStopping
		s.mu.Unlock()
		s.teardown(context.Background(), StateStopped)
		return s.stopErr
	}
	s.mu.Unlock()

	<-s.Stop(context.Background())
	<-s.done
	return s.stopErr
}

func (s *Session) awaitDone(ctx context.Context, result chan<- error) {
	select {
	case <-s.done:
		result <- s.stopErr
	case <-ctx.Done():
		result <- ctx.Err()
	}
	close(result)
}

// teardown runs once per session: no sink call happens after the queue
// closes, then the backend stream is released.
func (s *Session) teardown(ctx context.Context, final State) {
	s.teardownOnce.Do(func() {
		s.queue.close()
		err := s.stream.Stop(ctx)

		s.mu.Lock()
		s.state = final
		s.stopErr = err
		s.mu.Unlock()

		close(s.errs)
		close(s.done)
		stats := s.Stats()
		logger.Printf(
			"stream=%d teardown_done state=%s delivered=%d dropped=%d sink_panics=%d err=%v",
			s.id,
			final,
			stats.Delivered,
			stats.Dropped,
			stats.SinkPanics,
			err,
		)
	})
}

// fail handles an asynchronous backend error. The first error while
// Starting fails the pending start; the first error while Active is reported
// on Errors. The rest are counted and dropped.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateStarting && s.startErr == nil {
		s.startErr = err
		s.mu.Unlock()
		logger.Printf("stream=%d error_while_starting err=%v", s.id, err)
		return
	}
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		total := s.lateErrors.Add(1)
		if debuglog.ShouldLog(&s.lastLateLog, time.Second) {
			logger.Printf("stream=%d ignored_stream_error state=%s total=%d err=%v", s.id, state, total, err)
		}
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	logger.Printf("stream=%d stream_fatal err=%v", s.id, err)
	s.errs <- fmt.Errorf("%w: %w", ErrStreamFatal, err)
	go s.teardown(context.Background(), StateFailed)
}

func (s *Session) dispatch(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			total := s.sinkPanics.Add(1)
			logger.Printf("stream=%d sink_panic kind=%s total=%d value=%v", s.id, d.kind, total, r)
		}
	}()
	s.sink.OnFrame(d.frame, d.kind)
	s.delivered.Add(1)
}

// sessionHandler is the StreamHandler a backend stream reports into.
type sessionHandler struct {
	s *Session
}

func (h sessionHandler) HandleSample(frame Frame, kind FrameKind) {
	h.s.queue.enqueue(delivery{frame: frame, kind: kind})
}

func (h sessionHandler) HandleError(err error) {
	if err == nil {
		return
	}
	h.s.fail(err)
}

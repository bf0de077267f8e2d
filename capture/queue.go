package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/capturekit/internal/debuglog"
)

const slowSinkThreshold = 50 * time.Millisecond

type delivery struct {
	frame Frame
	kind  FrameKind
}

// deliveryQueue is the per-session bounded queue between the backend's
// producer goroutines and the sink. One goroutine drains it, so the sink is
// never entered concurrently. Nothing is delivered until open is called.
type deliveryQueue struct {
	sessionID int
	policy    Backpressure
	deliver   func(delivery)

	queue  chan delivery
	opened chan struct{}
	done   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	lastSlowLog atomic.Int64
	lastDropLog atomic.Int64
	dropped     atomic.Uint64
}

func newDeliveryQueue(sessionID, depth int, policy Backpressure, deliver func(delivery)) *deliveryQueue {
	if depth < 1 {
		depth = 1
	}
	q := &deliveryQueue{
		sessionID: sessionID,
		policy:    policy,
		deliver:   deliver,
		queue:     make(chan delivery, depth),
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *deliveryQueue) open() {
	q.openOnce.Do(func() {
		close(q.opened)
	})
}

// enqueue reports whether d was accepted. With drop-oldest a full queue
// evicts its oldest entry; with block the caller waits for room.
func (q *deliveryQueue) enqueue(d delivery) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	if q.policy == BackpressureBlock {
		select {
		case q.queue <- d:
			return true
		case <-q.done:
			return false
		}
	}

	select {
	case q.queue <- d:
		return true
	default:
	}

	// Queue full: drop oldest to keep the producer non-blocking.
	select {
	case <-q.queue:
		q.noteDrop(d.kind)
	default:
	}

	select {
	case q.queue <- d:
		return true
	default:
		q.noteDrop(d.kind)
		return false
	}
}

func (q *deliveryQueue) noteDrop(kind FrameKind) {
	total := q.dropped.Add(1)
	if debuglog.ShouldLog(&q.lastDropLog, time.Second) {
		logger.Printf("stream=%d dropped_%s_frame total=%d queue=%d", q.sessionID, kind, total, len(q.queue))
	}
}

// close stops delivery and waits for an in-flight sink call to return.
// Buffered samples are discarded.
func (q *deliveryQueue) close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

func (q *deliveryQueue) loop() {
	defer q.wg.Done()

	select {
	case <-q.opened:
	case <-q.done:
		return
	}

	for {
		select {
		case <-q.done:
			return
		case d := <-q.queue:
			select {
			case <-q.done:
				return
			default:
			}
			start := time.Now()
			q.deliver(d)
			if dur := time.Since(start); dur > slowSinkThreshold && debuglog.ShouldLog(&q.lastSlowLog, time.Second) {
				logger.Printf("stream=%d slow_%s_sink duration=%s queue=%d", q.sessionID, d.kind, dur, len(q.queue))
			}
		}
	}
}

package capture

import (
	"fmt"
	"image"
	"math/big"
	"time"
)

const (
	// MaxQueueDepth is the largest number of undelivered samples a stream may
	// buffer.
	MaxQueueDepth = 8

	defaultQueueDepth = 6
)

// Rational is a time value expressed as Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Duration converts r to a time.Duration, truncated to the nanosecond.
// Invalid values and values that do not fit a Duration yield 0.
func (r Rational) Duration() time.Duration {
	if !r.Valid() {
		return 0
	}
	ns := new(big.Int).Mul(big.NewInt(r.Num), big.NewInt(int64(time.Second)))
	ns.Quo(ns, big.NewInt(r.Den))
	if !ns.IsInt64() {
		return 0
	}
	return time.Duration(ns.Int64())
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Backpressure selects what happens when a sink falls behind and the
// delivery queue is full.
type Backpressure int

const (
	// BackpressureDropOldest discards the oldest undelivered sample so the
	// producer never waits.
	BackpressureDropOldest Backpressure = iota
	// BackpressureBlock stalls the producer until the sink catches up or the
	// session stops.
	BackpressureBlock
)

func (b Backpressure) String() string {
	switch b {
	case BackpressureDropOldest:
		return "drop_oldest"
	case BackpressureBlock:
		return "block"
	default:
		return fmt.Sprintf("backpressure(%d)", int(b))
	}
}

// ConfigOptions are the inputs to NewStreamConfig.
type ConfigOptions struct {
	// MinFrameInterval caps the frame rate, e.g. {1, 60} for 60 fps.
	MinFrameInterval Rational
	// QueueDepth bounds buffered undelivered samples, 1..MaxQueueDepth.
	QueueDepth int
	ShowCursor bool
	// SourceRect selects a region relative to the display origin. The empty
	// rectangle means the whole display.
	SourceRect   image.Rectangle
	Backpressure Backpressure
}

// StreamConfig is an immutable, validated set of capture parameters. The
// zero value is not valid; build one with NewStreamConfig or
// DefaultStreamConfig.
type StreamConfig struct {
	minFrameInterval Rational
	queueDepth       int
	showCursor       bool
	sourceRect       image.Rectangle
	backpressure     Backpressure
	valid            bool
}

// NewStreamConfig validates options and returns the configuration.
func NewStreamConfig(options ConfigOptions) (StreamConfig, error) {
	if !options.MinFrameInterval.Valid() {
		return StreamConfig{}, fmt.Errorf("%w: min frame interval %s must have positive terms", ErrInvalidConfig, options.MinFrameInterval)
	}
	if options.MinFrameInterval.Duration() <= 0 {
		return StreamConfig{}, fmt.Errorf("%w: min frame interval %s does not fit a positive duration", ErrInvalidConfig, options.MinFrameInterval)
	}
	if options.QueueDepth < 1 || options.QueueDepth > MaxQueueDepth {
		return StreamConfig{}, fmt.Errorf("%w: queue depth %d must be within 1..%d", ErrInvalidConfig, options.QueueDepth, MaxQueueDepth)
	}
	r := options.SourceRect.Canon()
	if !r.Empty() && (r.Min.X < 0 || r.Min.Y < 0) {
		return StreamConfig{}, fmt.Errorf("%w: source rect %v must not start at a negative offset", ErrInvalidConfig, r)
	}
	switch options.Backpressure {
	case BackpressureDropOldest, BackpressureBlock:
	default:
		return StreamConfig{}, fmt.Errorf("%w: unknown %s", ErrInvalidConfig, options.Backpressure)
	}
	if r.Empty() {
		r = image.Rectangle{}
	}

	return StreamConfig{
		minFrameInterval: options.MinFrameInterval,
		queueDepth:       options.QueueDepth,
		showCursor:       options.ShowCursor,
		sourceRect:       r,
		backpressure:     options.Backpressure,
		valid:            true,
	}, nil
}

// DefaultStreamConfig is 60 fps, six buffered samples, cursor shown, and
// drop-oldest backpressure.
func DefaultStreamConfig() StreamConfig {
	cfg, err := NewStreamConfig(ConfigOptions{
		MinFrameInterval: Rational{Num: 1, Den: 60},
		QueueDepth:       defaultQueueDepth,
		ShowCursor:       true,
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c StreamConfig) MinFrameInterval() Rational { return c.minFrameInterval }
func (c StreamConfig) QueueDepth() int { return c.queueDepth }
func (c StreamConfig) ShowCursor() bool { return c.showCursor }
func (c StreamConfig) SourceRect() image.Rectangle { return c.sourceRect }
func (c StreamConfig) Backpressure() Backpressure { return c.backpressure }
func (c StreamConfig) Valid() bool { return c.valid }

func (c StreamConfig) String() string {
	return fmt.Sprintf(
		"min_frame_interval=%s queue_depth=%d show_cursor=%t source_rect=%v backpressure=%s",
		c.minFrameInterval,
		c.queueDepth,
		c.showCursor,
		c.sourceRect,
		c.backpressure,
	)
}

package capture_test

import (
	"errors"
	"image"
	"testing"
	"time"

	"go2tv.app/capturekit/capture"
)

func TestNewStreamConfigRejectsZeroQueueDepth(t *testing.T) {
	_, err := capture.NewStreamConfig(capture.ConfigOptions{
		MinFrameInterval: capture.Rational{Num: 1, Den: 60},
		QueueDepth:       0,
	})
	if !errors.Is(err, capture.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewStreamConfigValidation(t *testing.T) {
	valid := capture.ConfigOptions{
		MinFrameInterval: capture.Rational{Num: 1, Den: 30},
		QueueDepth:       3,
	}

	tests := []struct {
		name   string
		mutate func(*capture.ConfigOptions)
	}{
		{"zero numerator", func(o *capture.ConfigOptions) { o.MinFrameInterval.Num = 0 }},
		{"negative denominator", func(o *capture.ConfigOptions) { o.MinFrameInterval.Den = -60 }},
		{"negative queue depth", func(o *capture.ConfigOptions) { o.QueueDepth = -1 }},
		{"queue depth above max", func(o *capture.ConfigOptions) { o.QueueDepth = capture.MaxQueueDepth + 1 }},
		{"negative source rect", func(o *capture.ConfigOptions) { o.SourceRect = image.Rect(-10, 0, 100, 100) }},
		{"unknown backpressure", func(o *capture.ConfigOptions) { o.Backpressure = capture.Backpressure(42) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			cfg, err := capture.NewStreamConfig(opts)
			if !errors.Is(err, capture.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if cfg.Valid() {
				t.Fatalf("rejected config must not be valid")
			}
		})
	}

	cfg, err := capture.NewStreamConfig(valid)
	if err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	if !cfg.Valid() || cfg.QueueDepth() != 3 || cfg.MinFrameInterval() != (capture.Rational{Num: 1, Den: 30}) {
		t.Fatalf("unexpected config %s", cfg)
	}
	if cfg.Backpressure() != capture.BackpressureDropOldest {
		t.Fatalf("default backpressure = %s", cfg.Backpressure())
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := capture.DefaultStreamConfig()
	if !cfg.Valid() {
		t.Fatalf("default config must be valid")
	}
	if cfg.MinFrameInterval() != (capture.Rational{Num: 1, Den: 60}) || cfg.QueueDepth() != 6 || !cfg.ShowCursor() {
		t.Fatalf("unexpected default %s", cfg)
	}
	if !cfg.SourceRect().Empty() {
		t.Fatalf("default source rect should be the whole display, got %v", cfg.SourceRect())
	}
}

func TestZeroStreamConfigIsInvalid(t *testing.T) {
	var cfg capture.StreamConfig
	if cfg.Valid() {
		t.Fatalf("zero StreamConfig must be invalid")
	}
}

func TestRationalDuration(t *testing.T) {
	if got := (capture.Rational{Num: 1, Den: 60}).Duration(); got != time.Second/60 {
		t.Fatalf("1/60 = %s", got)
	}
	if got := (capture.Rational{Num: 0, Den: 60}).Duration(); got != 0 {
		t.Fatalf("invalid rational should yield 0, got %s", got)
	}
	if got := (capture.Rational{Num: 10_000_000_000, Den: 1}).Duration(); got != 0 {
		t.Fatalf("overflowing rational should yield 0, got %s", got)
	}
	if got := (capture.Rational{Num: 9_000_000_000, Den: 1_000_000}).Duration(); got != 9000*time.Second {
		t.Fatalf("large terms = %s", got)
	}
	if s := (capture.Rational{Num: 1, Den: 60}).String(); s != "1/60" {
		t.Fatalf("String() = %q", s)
	}
}

func TestNewStreamConfigRejectsUnrepresentableInterval(t *testing.T) {
	for _, r := range []capture.Rational{
		{Num: 10_000_000_000, Den: 1},
		{Num: 1, Den: 2_000_000_000},
	} {
		_, err := capture.NewStreamConfig(capture.ConfigOptions{MinFrameInterval: r, QueueDepth: 1})
		if !errors.Is(err, capture.ErrInvalidConfig) {
			t.Fatalf("interval %s: got %v, want ErrInvalidConfig", r, err)
		}
	}
}

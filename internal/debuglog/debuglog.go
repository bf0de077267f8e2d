// Package debuglog is the env-gated diagnostic channel shared by the capture
// packages. Output is off unless CAPTUREKIT_DEBUG=1.
package debuglog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EnvDebug     = "CAPTUREKIT_DEBUG"
	EnvDebugFile = "CAPTUREKIT_DEBUG_FILE"
)

var (
	enabledOnce sync.Once
	enabledFlag bool

	outputOnce sync.Once
	output     io.Writer = os.Stderr
)

// Enabled reports whether debug output was requested through the environment.
func Enabled() bool {
	enabledOnce.Do(func() {
		enabledFlag = strings.TrimSpace(os.Getenv(EnvDebug)) == "1"
	})
	return enabledFlag
}

func writer() io.Writer {
	outputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv(EnvDebugFile))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "capturekit debug log open failed: %v\n", err)
			return
		}
		output = f
	})
	return output
}

// Logger writes prefixed debug lines. The zero value and a nil *Logger are
// silent.
type Logger struct {
	prefix  string
	enabled bool

	once sync.Once
	l    *log.Logger
	out  io.Writer
}

// New returns a logger for one package, e.g. New("capturekit/capture").
func New(prefix string) *Logger {
	return &Logger{prefix: prefix, enabled: Enabled()}
}

// NewWriter returns an always-enabled logger writing to w. Tests use it to
// capture output.
func NewWriter(prefix string, w io.Writer) *Logger {
	return &Logger{prefix: prefix, enabled: true, out: w}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || !l.enabled {
		return
	}
	l.once.Do(func() {
		out := l.out
		if out == nil {
			out = writer()
		}
		l.l = log.New(out, l.prefix+" ", log.LstdFlags|log.Lmicroseconds)
	})
	l.l.Printf(format, args...)
}

// ShouldLog reports whether at least period has passed since the last time
// it returned true for last. It keeps hot paths from flooding the log.
func ShouldLog(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}

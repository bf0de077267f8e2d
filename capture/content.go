package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"time"
)

// Display is one capturable screen.
type Display struct {
	ID     uint32
	Bounds image.Rectangle
}

// Application is a running application that owns capturable windows.
type Application struct {
	PID      int
	BundleID string
	Name     string
}

// Window is a capturable on-screen window.
type Window struct {
	ID       uint32
	Title    string
	OwnerPID int
	Bounds   image.Rectangle
}

// ContentSnapshot is the immutable result of one directory query. It is safe
// to share between goroutines.
type ContentSnapshot struct {
	displays     []Display
	applications []Application
	windows      []Window
	takenAt      time.Time
}

// NewContentSnapshot copies its arguments into a new snapshot.
func NewContentSnapshot(displays []Display, applications []Application, windows []Window) *ContentSnapshot {
	return &ContentSnapshot{
		displays:     slices.Clone(displays),
		applications: slices.Clone(applications),
		windows:      slices.Clone(windows),
		takenAt:      time.Now(),
	}
}

func (s *ContentSnapshot) Displays() []Display {
	if s == nil {
		return nil
	}
	return slices.Clone(s.displays)
}

func (s *ContentSnapshot) Applications() []Application {
	if s == nil {
		return nil
	}
	return slices.Clone(s.applications)
}

func (s *ContentSnapshot) Windows() []Window {
	if s == nil {
		return nil
	}
	return slices.Clone(s.windows)
}

func (s *ContentSnapshot) NumDisplays() int {
	if s == nil {
		return 0
	}
	return len(s.displays)
}

// Display looks up a display by identifier.
func (s *ContentSnapshot) Display(id uint32) (Display, bool) {
	if s == nil {
		return Display{}, false
	}
	for _, d := range s.displays {
		if d.ID == id {
			return d, true
		}
	}
	return Display{}, false
}

func (s *ContentSnapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// Directory is the OS inventory of capturable content.
type Directory interface {
	ShareableContent(ctx context.Context) (*ContentSnapshot, error)
}

// QueryShareableContent asks d for the current set of capturable content.
// The calling goroutine is suspended until the backend answers or ctx ends.
// An empty display list is a valid answer; failures are reported wrapped in
// ErrDirectoryUnavailable and are never retried here.
func QueryShareableContent(ctx context.Context, d Directory) (*ContentSnapshot, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: no directory backend", ErrDirectoryUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshot, err := d.ShareableContent(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Printf("directory_query_failed err=%v", err)
		if errors.Is(err, ErrDirectoryUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%w: backend returned no snapshot", ErrDirectoryUnavailable)
	}

	logger.Printf(
		"directory_query_done displays=%d applications=%d windows=%d",
		len(snapshot.displays),
		len(snapshot.applications),
		len(snapshot.windows),
	)
	return snapshot, nil
}

package shell

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/portalcast"
	"go2tv.app/capturekit/screengrab"
)

// Backend is a capture backend that holds process-wide resources until
// closed.
type Backend interface {
	capture.Backend
	Close(ctx context.Context) error
}

type BackendKind int

const (
	// BackendAuto uses the portal on Linux Wayland sessions where PipeWire
	// loads, and screen polling elsewhere.
	BackendAuto BackendKind = iota
	BackendPortal
	BackendScreengrab
)

func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendPortal:
		return "portal"
	case BackendScreengrab:
		return "screengrab"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// ParseBackendKind maps "auto", "portal" and "screengrab" to a kind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch s {
	case "", "auto":
		return BackendAuto, nil
	case "portal":
		return BackendPortal, nil
	case "screengrab":
		return BackendScreengrab, nil
	default:
		return BackendAuto, fmt.Errorf("unknown backend %q", s)
	}
}

type BackendOptions struct {
	Kind BackendKind
	// ShowCursor, Multiple, Audio, RestoreToken and Persist configure the
	// portal grant.
	ShowCursor   bool
	Multiple     bool
	Audio        bool
	RestoreToken string
	Persist      bool
	// MaxConsecutiveErrors configures screen polling.
	MaxConsecutiveErrors int
}

var (
	goos            = runtime.GOOS
	getenv          = os.Getenv
	pipewireUsable  = portalcast.Available
	authorizePortal = func(ctx context.Context, b *portalcast.Backend) error { return b.Authorize(ctx) }
)

func selectBackend(kind BackendKind) (BackendKind, error) {
	switch goos {
	case "linux":
	case "windows", "darwin", "freebsd", "openbsd", "netbsd":
		if kind == BackendPortal {
			return 0, fmt.Errorf("%w: the screen-cast portal backend needs linux", capture.ErrNotImplemented)
		}
		return BackendScreengrab, nil
	default:
		return 0, fmt.Errorf("%w: %s", capture.ErrNotImplemented, goos)
	}

	if kind != BackendAuto {
		return kind, nil
	}
	if getenv("WAYLAND_DISPLAY") != "" && pipewireUsable() {
		return BackendPortal, nil
	}
	return BackendScreengrab, nil
}

// OpenBackend picks the capture backend for this platform and obtains the
// user's consent where the OS gates screen recording. On the portal backend
// that is the ScreenCast dialog, and a refusal wraps
// capture.ErrPermissionDenied. Unsupported platforms get
// capture.ErrNotImplemented.
func OpenBackend(ctx context.Context, options *BackendOptions) (Backend, error) {
	opts := BackendOptions{}
	if options != nil {
		opts = *options
	}

	kind, err := selectBackend(opts.Kind)
	if err != nil {
		return nil, err
	}
	logger.Printf("backend requested=%s selected=%s", opts.Kind, kind)

	if kind == BackendScreengrab {
		return screengrab.New(&screengrab.Options{MaxConsecutiveErrors: opts.MaxConsecutiveErrors}), nil
	}

	b := portalcast.New(&portalcast.Options{
		ShowCursor:   opts.ShowCursor,
		Multiple:     opts.Multiple,
		Audio:        opts.Audio,
		RestoreToken: opts.RestoreToken,
		Persist:      opts.Persist,
	})
	if err := authorizePortal(ctx, b); err != nil {
		_ = b.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return b, nil
}

package portalcast

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go2tv.app/capturekit/capture"
	"go2tv.app/capturekit/internal/xdgportal"
)

// xdgPortal talks to the running xdg-desktop-portal.
type xdgPortal struct {
	sess *xdgportal.Session
}

func (p *xdgPortal) connect(ctx context.Context, opts Options) ([]xdgportal.Stream, string, error) {
	types, err := xdgportal.GetAvailableSourceTypes(ctx)
	if err != nil {
		return nil, "", err
	}
	if types&xdgportal.SourceTypeMonitor == 0 {
		return nil, "", fmt.Errorf("portal cannot share monitors (types=%d)", types)
	}
	modes, err := xdgportal.GetAvailableCursorModes(ctx)
	if err != nil {
		return nil, "", err
	}
	version, err := xdgportal.GetVersion(ctx)
	if err != nil {
		return nil, "", err
	}

	sess, err := xdgportal.CreateSession(ctx)
	if err != nil {
		return nil, "", err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = sess.Close(context.WithoutCancel(ctx))
		}
	}()

	err = sess.SelectSources(ctx, selectOptions(opts, version, modes))
	if err != nil {
		return nil, "", err
	}
	streams, err := sess.Start(ctx, "")
	if err != nil {
		return nil, "", err
	}

	cleanup = false
	p.sess = sess
	return streams, sess.RestoreToken, nil
}

func (p *xdgPortal) openRemote(ctx context.Context) (*os.File, error) {
	if p.sess == nil {
		return nil, errors.New("portal session not started")
	}
	return p.sess.OpenPipeWireRemote(ctx)
}

func (p *xdgPortal) close(ctx context.Context) error {
	if p.sess == nil {
		return nil
	}
	return p.sess.Close(ctx)
}

func selectOptions(opts Options, version, cursorModes uint32) *xdgportal.SelectSourcesOptions {
	sel := &xdgportal.SelectSourcesOptions{
		Types:      xdgportal.SourceTypeMonitor,
		Multiple:   opts.Multiple,
		CursorMode: cursorMode(cursorModes, opts.ShowCursor),
	}
	if version >= xdgportal.MinPersistVersion {
		sel.RestoreToken = opts.RestoreToken
		if opts.Persist {
			sel.PersistMode = xdgportal.PersistModePersistent
		}
	}
	return sel
}

func cursorMode(available uint32, show bool) uint32 {
	if show && available&xdgportal.CursorModeEmbedded != 0 {
		return xdgportal.CursorModeEmbedded
	}
	if available&xdgportal.CursorModeHidden != 0 {
		return xdgportal.CursorModeHidden
	}
	return 0
}

func accessError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, xdgportal.ErrCancelled):
		return fmt.Errorf("%w: %w: %w", capture.ErrDirectoryUnavailable, capture.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", capture.ErrDirectoryUnavailable, err)
	}
}

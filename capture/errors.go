package capture

import "errors"

var (
	ErrDirectoryUnavailable = errors.New("shareable content directory is unavailable")
	ErrPermissionDenied     = errors.New("screen recording permission was denied")
	ErrIndexOutOfRange      = errors.New("display index out of range")
	ErrStreamCreationFailed = errors.New("capture stream creation failed")
	ErrStartFailed          = errors.New("capture start failed")
	ErrStreamFatal          = errors.New("capture stream failed")
	ErrInvalidConfig        = errors.New("invalid stream configuration")
	ErrInvalidState         = errors.New("operation not valid in current session state")
	ErrStopped              = errors.New("capture session was stopped")
	ErrDisplayNotFound      = errors.New("display is no longer available")
	ErrNotImplemented       = errors.New("screen capture backend is not implemented on this platform")
)

// Started reports whether err describes a session that was running and then
// died, as opposed to one that never started. The two call for different
// recovery: a dead stream needs a fresh snapshot and filter before retrying.
func Started(err error) bool {
	return errors.Is(err, ErrStreamFatal)
}

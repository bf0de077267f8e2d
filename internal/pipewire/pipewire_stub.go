//go:build !linux || !cgo

package pipewire

import "errors"

var (
	ErrLibraryNotLoaded = errors.New("pipewire capture backend needs linux and cgo")
	ErrStreamFailed     = errors.New("pipewire stream entered error state")
)

type Stream struct{}

func IsAvailable() bool {
	return false
}

func NewVideoStream(fd int, params VideoParams, callbacks Callbacks) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func NewAudioStream(callbacks Callbacks) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Start() {}

func (s *Stream) Close() error {
	return nil
}

package capture

import (
	"fmt"
	"slices"
)

// Filter selects one target display plus the applications to include and
// the windows to leave out. It is derived from a single snapshot and is not
// re-checked against later ones; a backend reports a vanished display when
// the stream starts.
type Filter struct {
	display  Display
	included []Application
	excluded []Window
}

// BuildFilter selects snapshot's display at displayIndex.
func BuildFilter(snapshot *ContentSnapshot, displayIndex int, included []Application, excluded []Window) (Filter, error) {
	n := snapshot.NumDisplays()
	if displayIndex < 0 || displayIndex >= n {
		return Filter{}, fmt.Errorf("%w: index %d (displays=%d)", ErrIndexOutOfRange, displayIndex, n)
	}

	return Filter{
		display:  snapshot.displays[displayIndex],
		included: slices.Clone(included),
		excluded: slices.Clone(excluded),
	}, nil
}

func (f Filter) Display() Display { return f.display }

func (f Filter) IncludedApplications() []Application { return slices.Clone(f.included) }

func (f Filter) ExcludedWindows() []Window { return slices.Clone(f.excluded) }

// Excludes reports whether the window with the given id is excepted.
func (f Filter) Excludes(windowID uint32) bool {
	for _, w := range f.excluded {
		if w.ID == windowID {
			return true
		}
	}
	return false
}

// Includes reports whether the application with the given pid is captured.
// An empty inclusion list includes nothing beyond the display itself.
func (f Filter) Includes(pid int) bool {
	for _, a := range f.included {
		if a.PID == pid {
			return true
		}
	}
	return false
}

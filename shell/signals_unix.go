//go:build unix

package shell

import (
	"os"

	"golang.org/x/sys/unix"
)

// A closed terminal sends SIGHUP; treat it like Ctrl+C.
func defaultSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}
}

//go:build !unix

package shell

import "os"

func defaultSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

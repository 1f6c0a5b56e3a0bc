// Package kfmt provides formatted output for kernel subsystems. It fills the
// role of the early console printf: subsystems tag their lines with the
// module name and the output sink is swappable so that boot code can point it
// at a real console while tests keep it silent.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	outMutex sync.Mutex
	out      io.Writer = io.Discard
)

// SetOutput redirects kernel log output to the supplied writer.
func SetOutput(w io.Writer) {
	outMutex.Lock()
	if w == nil {
		w = io.Discard
	}
	out = w
	outMutex.Unlock()
}

// Printf writes a formatted message to the active kernel log sink.
func Printf(format string, args ...interface{}) {
	outMutex.Lock()
	fmt.Fprintf(out, format, args...)
	outMutex.Unlock()
}

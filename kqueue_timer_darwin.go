//go:build darwin

package threadpool

import (
	"golang.org/x/sys/unix"
)

// timerNote maps timer filter flags to EVFILT_TIMER fflags. Milliseconds
// are the default unit, and have no flag.
func timerNote(ff FilterFlags) (note uint32) {
	switch ff.Unit() {
	case FFSeconds:
		note = unix.NOTE_SECONDS
	case FFMicroseconds:
		note = unix.NOTE_USECONDS
	case FFNanoseconds:
		note = unix.NOTE_NSECONDS
	}
	if ff&FFAbsTime != 0 {
		note |= unix.NOTE_ABSOLUTE
	}
	return note
}

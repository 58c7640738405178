//go:build freebsd

package threadpool

import (
	"golang.org/x/sys/unix"
)

// timerNote maps timer filter flags to EVFILT_TIMER fflags.
func timerNote(ff FilterFlags) (note uint32) {
	switch ff.Unit() {
	case FFSeconds:
		note = unix.NOTE_SECONDS
	case FFMilliseconds:
		note = unix.NOTE_MSECONDS
	case FFMicroseconds:
		note = unix.NOTE_USECONDS
	case FFNanoseconds:
		note = unix.NOTE_NSECONDS
	}
	if ff&FFAbsTime != 0 {
		note |= unix.NOTE_ABSTIME
	}
	return note
}

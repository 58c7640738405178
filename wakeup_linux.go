//go:build linux

package threadpool

import (
	"golang.org/x/sys/unix"
)

// createWakeFD creates an eventfd for wake-up notifications (Linux).
// Returns the single eventfd as both read and write ends.
func createWakeFD(cloexec bool) (int, int, error) {
	flags := unix.EFD_NONBLOCK
	if cloexec {
		flags |= unix.EFD_CLOEXEC
	}
	fd, err := unix.Eventfd(0, flags)
	if err != nil {
		return -1, -1, platformError("eventfd", err)
	}
	return fd, fd, nil
}

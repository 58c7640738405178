//go:build darwin || freebsd

package threadpool

import (
	"syscall"
)

// createWakeFD creates a self-pipe for wake-up notifications (BSD).
// Returns the read end and the write end of the pipe.
func createWakeFD(cloexec bool) (int, int, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return -1, -1, platformError("pipe", err)
	}

	cleanup := func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	}

	if cloexec {
		syscall.CloseOnExec(fds[0])
		syscall.CloseOnExec(fds[1])
	}

	if err := syscall.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return -1, -1, platformError("fcntl", err)
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return -1, -1, platformError("fcntl", err)
	}

	return fds[0], fds[1], nil
}

//go:build linux || darwin || freebsd

package threadpool

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// signalFD writes an eventfd compatible increment to fd. A full pipe already
// guarantees a pending wake, so EAGAIN is not an error.
func signalFD(fd int) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		err = nil
	}
	return err
}

// drainFD reads fd until it would block.
func drainFD(fd int) {
	var b [64]byte
	for {
		n, err := unix.Read(fd, b[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

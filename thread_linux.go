//go:build linux

package threadpool

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setThreadAffinity binds the calling OS thread to cpu.
func setThreadAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return platformError("sched_setaffinity", unix.SchedSetaffinity(0, &set))
}

// setThreadName names the calling OS thread, as shown by ps and top.
func setThreadName(name string) error {
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return invalidArgument("thread name %q", name)
	}
	return platformError("prctl", unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0))
}

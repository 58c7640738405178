package threadpool

import (
	"time"
)

// readyEvent is a single delivery produced by eventQueue.wait.
type readyEvent struct {
	uc *UserContext
	ev Event
	// wake is set for the message queue's wake descriptor, uc is nil.
	wake bool
	// consumed indicates the registration was removed (OneShot) before wait
	// returned, so it cannot be re-validated.
	consumed bool
	// dispatched indicates the registration was disabled (Dispatch) before
	// wait returned.
	dispatched bool
}

// eventQueue is the per-worker kernel multiplexer.
//
// Every method is safe for concurrent use, except wait, which is only called
// by the goroutine driving the owning worker. Implementations keep the
// registry in sync while holding their own lock, such that bindings and
// backend registrations cannot diverge.
type eventQueue interface {
	// open creates the kernel polling handle.
	open(cloexec bool) error
	// close releases the polling handle and every registration. It is
	// idempotent.
	close() error
	// watchWake registers fd as a standing read source, delivered with
	// readyEvent.wake set.
	watchWake(fd int) error
	add(ev *Event, uc *UserContext) error
	// del removes the registration, returning nil if it does not exist.
	del(kind Kind, uc *UserContext) error
	// enable toggles the registration. A non-nil ev also replaces the stored
	// fflags and data.
	enable(enable bool, ev *Event, kind Kind, uc *UserContext) error
	// wait blocks for up to timeout (forever if negative), filling out.
	wait(timeout time.Duration, out []readyEvent) (int, error)
	// live reports whether a delivery obtained from wait should still run
	// its callback.
	live(re *readyEvent) bool
	registered(kind Kind, uc *UserContext) bool
	len() int
}

// timeoutMillis converts a wait timeout to the poll(2) convention, rounding
// up so short timeouts do not spin.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}

// bindLocked is called by backends, with their lock held, before mutating
// kernel state for (uc, kind). The returned rollback must be called if the
// kernel operation fails.
func bindLocked(owner *Worker, uc *UserContext, kind Kind) (rollback func(), err error) {
	added, err := registrations.bind(uc, owner, kind)
	if err != nil {
		return nil, err
	}
	return func() {
		if added {
			registrations.unbind(uc, kind)
		}
	}, nil
}

package threadpool

import (
	"errors"
	"fmt"
	"syscall"
)

// Error categories. Errors returned by this package match (via [errors.Is])
// one of these, or are a [*PlatformError], which may itself match
// ErrResourceExhausted.
var (
	// ErrInvalidArgument indicates a malformed event, an out of range worker
	// index, or bad settings.
	ErrInvalidArgument = errors.New("threadpool: invalid argument")

	// ErrResourceExhausted indicates thread or file descriptor creation
	// failed due to resource limits.
	ErrResourceExhausted = errors.New("threadpool: resource exhausted")

	// ErrNotFound indicates the registration does not exist. It is only
	// returned by the enable operations, deletes of unknown registrations
	// succeed.
	ErrNotFound = errors.New("threadpool: registration not found")

	// ErrStateViolation indicates an operation was invalid for the current
	// pool or worker state.
	ErrStateViolation = errors.New("threadpool: state violation")

	// ErrUnsupported indicates a flag or platform that is not implemented.
	ErrUnsupported = fmt.Errorf("threadpool: %w", errors.ErrUnsupported)
)

// State violations.
var (
	// ErrPoolDestroyed is returned by operations on a destroyed pool, or a
	// worker whose resources were released.
	ErrPoolDestroyed = &stateError{msg: "pool destroyed"}

	// ErrPoolRunning is returned by Destroy while workers are still looping.
	ErrPoolRunning = &stateError{msg: "pool has running workers"}

	// ErrPoolStarted is returned by Start if it was already called.
	ErrPoolStarted = &stateError{msg: "pool already started"}

	// ErrWorkerRunning is returned when an operation requires the worker's
	// loop to be stopped, or driven by the caller.
	ErrWorkerRunning = &stateError{msg: "worker is running"}

	// ErrWorkerNotStarted is returned when registering on a worker whose
	// event queue has not been opened (see Pool.Start).
	ErrWorkerNotStarted = &stateError{msg: "worker not started"}

	// ErrWorkerStopped is returned when messaging or driving a worker that
	// has stopped, or will never loop.
	ErrWorkerStopped = &stateError{msg: "worker stopped"}

	// ErrSelfJoin is returned by Pool.ShutdownWait when called from one of
	// the pool's own worker threads, which would otherwise deadlock.
	ErrSelfJoin = &stateError{msg: "shutdown wait called from a pool thread"}

	// ErrContextBound is returned when registering a UserContext that has
	// active registrations on a different worker.
	ErrContextBound = &stateError{msg: "user context bound to another worker"}
)

type stateError struct {
	msg string
}

func (e *stateError) Error() string { return "threadpool: " + e.msg }

func (e *stateError) Unwrap() error { return ErrStateViolation }

// PlatformError wraps an error returned by the operating system.
type PlatformError struct {
	Err error
	Op  string
}

// Error implements the error interface.
func (e *PlatformError) Error() string {
	return "threadpool: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying OS error, typically a [syscall.Errno].
func (e *PlatformError) Unwrap() error { return e.Err }

// Is reports ErrResourceExhausted for errors caused by descriptor, memory,
// or thread limits.
func (e *PlatformError) Is(target error) bool {
	if target != ErrResourceExhausted {
		return false
	}
	var errno syscall.Errno
	if !errors.As(e.Err, &errno) {
		return false
	}
	switch errno {
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN:
		return true
	default:
		return false
	}
}

func platformError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PlatformError{Op: op, Err: err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsupported}, args...)...)
}

// PanicError is a recovered panic from a callback or message.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("threadpool: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

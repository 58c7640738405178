//go:build linux || darwin || freebsd

package threadpool

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, threads int, opts ...Option) *Pool {
	t.Helper()
	p, err := New(Settings{Name: "test", MaxThreads: threads}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.ShutdownWait(ctx)
		_ = p.Destroy()
	})
	return p
}

func newStartedPool(t *testing.T, threads int, opts ...Option) *Pool {
	t.Helper()
	p := newTestPool(t, threads, opts...)
	require.NoError(t, p.Start(false))
	require.Eventually(t, func() bool { return p.ThreadCount() == threads }, 5*time.Second, time.Millisecond)
	return p
}

// newPipe returns a pipe closed on cleanup. Create it before the pool, so
// the pool is shut down (cleanups run in reverse) before the pipe closes
// under a registered callback.
func newPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func readByte(f *os.File) {
	var b [1]byte
	_, _ = syscall.Read(int(f.Fd()), b[:])
}

// recorder collects deliveries.
type recorder struct {
	ch     chan Event
	events []Event
	mu     sync.Mutex
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) record(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()
	select {
	case r.ch <- *ev:
	default:
	}
}

// context returns a user context recording into r, then calling fn if
// non-nil.
func (r *recorder) context(ident uintptr, fn func(ev *Event, uc *UserContext)) *UserContext {
	return &UserContext{
		Ident: ident,
		Callback: func(ev *Event, uc *UserContext) {
			r.record(ev)
			if fn != nil {
				fn(ev, uc)
			}
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) next(t *testing.T, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// pollUntil drives w until cond holds, or the deadline passes.
func pollUntil(t *testing.T, w *Worker, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met before deadline")
		require.NoError(t, w.Poll(10*time.Millisecond))
	}
}

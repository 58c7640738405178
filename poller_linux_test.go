//go:build linux

package threadpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// rawPipe is a pipe by descriptor number, so a test may close it and have
// the number reused.
type rawPipe struct{ r, w int }

func (p *rawPipe) close() {
	// read end first, so no hangup is raised on a registered read
	if p.r >= 0 {
		_ = unix.Close(p.r)
	}
	if p.w >= 0 {
		_ = unix.Close(p.w)
	}
	p.r, p.w = -1, -1
}

func (p *rawPipe) open(t *testing.T) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	p.r, p.w = fds[0], fds[1]
}

// reopen closes p then opens a new pipe, skipping the test if the read end
// did not land on the same number.
func (p *rawPipe) reopen(t *testing.T) {
	t.Helper()
	old := p.r
	p.close()
	p.open(t)
	if p.r != old {
		t.Skipf("descriptor %d not reused, got %d", old, p.r)
	}
}

// readingContext reads the descriptor before recording, so nothing is left
// pending once the delivery is seen.
func readingContext(rec *recorder, fd int) *UserContext {
	return &UserContext{
		Ident: uintptr(fd),
		Callback: func(ev *Event, uc *UserContext) {
			var b [64]byte
			_, _ = unix.Read(int(uc.Ident), b[:])
			rec.record(ev)
		},
	}
}

// TestEpoll_descriptorReuse closes a registered descriptor without deleting
// it, then registers the reused number again.
func TestEpoll_descriptorReuse(t *testing.T) {
	var pipe rawPipe
	pipe.open(t)
	t.Cleanup(pipe.close)
	p := newStartedPool(t, 1)
	w, _ := p.Worker(0)

	first := newRecorder()
	uc := readingContext(first, pipe.r)
	require.NoError(t, w.AddArgs2(KindRead, 0, uc))

	// same user context, must be armed against the new file
	pipe.reopen(t)
	require.NoError(t, w.AddArgs2(KindRead, 0, uc))
	assert.True(t, uc.Registered(KindRead))
	_, err := unix.Write(pipe.w, []byte{'x'})
	require.NoError(t, err)
	ev := first.next(t, 5*time.Second)
	assert.Equal(t, KindRead, ev.Kind)

	// another user context replaces the stale one
	pipe.reopen(t)
	second := newRecorder()
	uc2 := readingContext(second, pipe.r)
	require.NoError(t, w.AddArgs2(KindRead, 0, uc2))
	assert.False(t, uc.Registered(KindRead))
	assert.True(t, uc2.Registered(KindRead))
	assert.Equal(t, 1, w.Registrations())
	_, err = unix.Write(pipe.w, []byte{'y'})
	require.NoError(t, err)
	second.next(t, 5*time.Second)

	require.NoError(t, DeleteKind(KindRead, uc2))
	assert.Equal(t, 0, w.Registrations())
	assert.Equal(t, 1, first.count())
}

// TestEpoll_liveDescriptorConflict checks an open descriptor cannot be taken
// over by another user context.
func TestEpoll_liveDescriptorConflict(t *testing.T) {
	var pipe rawPipe
	pipe.open(t)
	t.Cleanup(pipe.close)
	p := newStartedPool(t, 1)
	w, _ := p.Worker(0)

	uc := newRecorder().context(uintptr(pipe.r), nil)
	require.NoError(t, w.AddArgs2(KindRead, 0, uc))
	other := newRecorder().context(uintptr(pipe.r), nil)
	assert.ErrorIs(t, w.AddArgs2(KindRead, 0, other), ErrInvalidArgument)
	assert.True(t, uc.Registered(KindRead))
	require.NoError(t, DeleteKind(KindRead, uc))
}

// TestWorker_fatalWaitError breaks the epoll descriptor of one worker: only
// that worker stops, and the failure surfaces from ShutdownWait.
func TestWorker_fatalWaitError(t *testing.T) {
	p := newStartedPool(t, 2)
	w0, _ := p.Worker(0)
	w1, _ := p.Worker(1)

	q := w0.queue.(*epollQueue)
	q.mu.Lock()
	epfd := q.epfd
	q.mu.Unlock()

	null, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Dup3(null, epfd, unix.O_CLOEXEC))
	require.NoError(t, unix.Close(null))

	// the blocked wait holds the old instance, wake it into the next one
	require.NoError(t, w0.MsgQueue().Send(func(*Worker) {}))
	require.Eventually(t, func() bool { return !w0.IsRunning() && p.ThreadCount() == 1 }, 5*time.Second, time.Millisecond)

	var perr *PlatformError
	require.ErrorAs(t, w0.Err(), &perr)
	assert.Equal(t, "epoll_wait", perr.Op)
	assert.ErrorIs(t, w0.Err(), unix.EINVAL)
	assert.True(t, w1.IsRunning())

	ran := make(chan struct{})
	require.NoError(t, w1.MsgQueue().Send(func(*Worker) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving worker did not run its message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, p.ShutdownWait(ctx), unix.EINVAL)
	assert.Equal(t, 0, p.ThreadCount())
}

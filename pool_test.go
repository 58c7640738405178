//go:build linux || darwin || freebsd

package threadpool

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_invalid(t *testing.T) {
	_, err := New(Settings{MaxThreads: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(Settings{Name: "this name is too long"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(DefaultSettings(), WithEventBufferSize(-1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(DefaultSettings(), WithPanicLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5}))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInit(t *testing.T) {
	require.NoError(t, Init())
	require.NoError(t, Init())
}

func TestPool_lifecycle(t *testing.T) {
	for _, threads := range []int{0, 1, 4} {
		t.Run(strconv.Itoa(threads), func(t *testing.T) {
			p, err := New(Settings{Name: "life", MaxThreads: threads})
			require.NoError(t, err)
			assert.Equal(t, threads, p.MaxThreads())
			assert.Equal(t, StateIdle, p.State())

			require.NoError(t, p.Start(false))
			assert.ErrorIs(t, p.Start(false), ErrPoolStarted)
			assert.Equal(t, StateRunning, p.State())
			require.Eventually(t, func() bool { return p.ThreadCount() == threads }, 5*time.Second, time.Millisecond)

			if threads != 0 {
				assert.ErrorIs(t, p.Destroy(), ErrPoolRunning)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, p.ShutdownWait(ctx))
			assert.Equal(t, 0, p.ThreadCount())
			assert.Equal(t, StateStopped, p.State())
			for _, w := range p.all() {
				assert.False(t, w.IsRunning())
				assert.Equal(t, StateStopped, w.State())
			}

			// idempotent
			p.Shutdown()
			require.NoError(t, p.ShutdownWait(ctx))

			require.NoError(t, p.Destroy())
			assert.Equal(t, StateDestroyed, p.State())
			assert.ErrorIs(t, p.Destroy(), ErrPoolDestroyed)
			assert.ErrorIs(t, p.Start(false), ErrPoolDestroyed)
			assert.ErrorIs(t, p.AttachFirst(), ErrPoolDestroyed)

			rec := newRecorder()
			err = p.RoundRobin().AddArgs(KindTimer, 0, FFSeconds, 1, rec.context(1, nil))
			assert.ErrorIs(t, err, ErrPoolDestroyed)
			assert.ErrorIs(t, p.RoundRobin().MsgQueue().Send(func(*Worker) {}), ErrPoolDestroyed)
		})
	}
}

func TestPool_shutdownBeforeStart(t *testing.T) {
	p, err := New(Settings{MaxThreads: 2})
	require.NoError(t, err)
	require.NoError(t, p.ShutdownWait(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.ErrorIs(t, p.AttachFirst(), ErrWorkerStopped)
	assert.ErrorIs(t, p.Start(false), ErrPoolStarted)
	require.NoError(t, p.Destroy())
}

func TestPool_notStarted(t *testing.T) {
	p := newTestPool(t, 2)
	w, err := p.Worker(1)
	require.NoError(t, err)
	rec := newRecorder()
	assert.ErrorIs(t, w.AddArgs(KindTimer, 0, FFSeconds, 1, rec.context(1, nil)), ErrWorkerNotStarted)
	assert.ErrorIs(t, p.AttachFirst(), ErrWorkerNotStarted)
}

// TestScenario_virtualOneShot drives the virtual worker of a pool without
// threads through a one shot 50ms timer.
func TestScenario_virtualOneShot(t *testing.T) {
	p := newTestPool(t, 0)
	v := p.Shared()
	require.NotNil(t, v)
	assert.True(t, v.IsVirtual())
	assert.Same(t, v, p.RoundRobin())
	assert.Equal(t, -1, v.CPU())

	rec := newRecorder()
	var current *Worker
	uc := rec.context(1, func(*Event, *UserContext) { current = CurrentWorker() })
	require.NoError(t, v.AddArgs(KindTimer, FlagOneShot, FFMilliseconds, 50, uc))

	pollUntil(t, v, 5*time.Second, func() bool { return rec.count() != 0 })
	require.NoError(t, v.Poll(100*time.Millisecond))

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, v.Registrations())
	assert.Nil(t, uc.Worker())
	assert.Same(t, v, current)
	assert.Nil(t, CurrentWorker())
}

// TestScenario_virtualShutdownWakesPoll checks Shutdown interrupts a caller
// blocked in an unbounded Poll of the virtual worker.
func TestScenario_virtualShutdownWakesPoll(t *testing.T) {
	p := newTestPool(t, 0)
	v := p.Shared()

	errCh := make(chan error, 1)
	go func() { errCh <- v.Poll(-1) }()
	require.Eventually(t, v.driving.Load, 5*time.Second, time.Millisecond)

	p.Shutdown()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Poll was not interrupted by Shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ShutdownWait(ctx))
	assert.False(t, v.driving.Load())
	assert.ErrorIs(t, v.Poll(0), ErrWorkerStopped)
	require.NoError(t, p.Destroy())
}

func TestPool_virtualAttach(t *testing.T) {
	p := newTestPool(t, 0)
	v := p.Shared()

	errCh := make(chan error, 1)
	go func() { errCh <- p.AttachFirst() }()
	require.Eventually(t, v.IsRunning, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.ThreadCount())
	assert.ErrorIs(t, v.Poll(0), ErrWorkerRunning)

	var ran atomic.Bool
	require.NoError(t, v.MsgQueue().SendWait(context.Background(), func(w *Worker) {
		ran.Store(p.IsPoolThread(w))
	}))
	assert.True(t, ran.Load())

	p.Shutdown()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AttachFirst did not return")
	}
	assert.Equal(t, 0, p.ThreadCount())
}

// TestScenario_selfShutdown shuts the pool down from a timer callback on
// one of its own workers, then joins from outside.
func TestScenario_selfShutdown(t *testing.T) {
	p := newStartedPool(t, 2)
	w, err := p.Worker(1)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	uc := &UserContext{Ident: 1, Callback: func(*Event, *UserContext) {
		p.Shutdown()
		errCh <- p.ShutdownWait(context.Background())
	}}
	require.NoError(t, w.AddArgs(KindTimer, FlagOneShot, FFMilliseconds, 1, uc))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSelfJoin)
	case <-time.After(5 * time.Second):
		t.Fatal("timer callback never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ShutdownWait(ctx))
	assert.Equal(t, 0, p.ThreadCount())
}

func TestPool_skipFirst(t *testing.T) {
	p := newTestPool(t, 3)
	require.NoError(t, p.Start(true))
	require.Eventually(t, func() bool { return p.ThreadCount() == 2 }, 5*time.Second, time.Millisecond)

	w0, err := p.Worker(0)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, w0.State())

	// registrations may be made before the thread attaches
	rec := newRecorder()
	require.NoError(t, w0.AddArgs(KindTimer, FlagOneShot, FFMilliseconds, 1, rec.context(1, nil)))

	errCh := make(chan error, 1)
	go func() { errCh <- p.AttachFirst() }()

	rec.next(t, 5*time.Second)
	require.Eventually(t, func() bool { return p.ThreadCount() == 3 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ShutdownWait(ctx))
	assert.NoError(t, <-errCh)
}

func TestPool_selection(t *testing.T) {
	p := newStartedPool(t, 3)

	for i := range 3 {
		w, err := p.Worker(i)
		require.NoError(t, err)
		assert.Equal(t, i, w.Index())
		assert.Same(t, p, w.Pool())
		assert.False(t, w.IsVirtual())
		assert.Equal(t, "test-"+strconv.Itoa(i), w.Name())
	}
	_, err := p.Worker(3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.Worker(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	first := p.RoundRobin().Index()
	for i := 1; i <= 6; i++ {
		assert.Equal(t, (first+i)%3, p.RoundRobin().Index())
	}

	assert.Nil(t, p.CurrentWorker())
	assert.False(t, p.IsPoolThread(nil))

	w2, _ := p.Worker(2)
	require.NoError(t, w2.MsgQueue().SendWait(context.Background(), func(w *Worker) {
		assert.Same(t, w2, w)
		assert.Same(t, w2, CurrentWorker())
		assert.Same(t, w2, p.CurrentWorker())
		assert.Same(t, w2, p.Shared())
		assert.True(t, p.IsPoolThread(nil))
		assert.True(t, p.IsPoolThread(w2))
		assert.False(t, p.IsPoolThread(p.workers[0]))
		assert.ErrorIs(t, w.Poll(0), ErrWorkerRunning)
	}))

	// another pool's worker is not this pool's thread
	other := newStartedPool(t, 1)
	require.NoError(t, other.RoundRobin().MsgQueue().SendWait(context.Background(), func(*Worker) {
		assert.Nil(t, p.CurrentWorker())
		assert.False(t, p.IsPoolThread(nil))
	}))
}

func TestPool_bindToCPU(t *testing.T) {
	p, err := New(Settings{Name: "cpu", MaxThreads: 3, Flags: BindToCPU}, WithCPUCount(2))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.ShutdownWait(context.Background())
		_ = p.Destroy()
	})
	require.NoError(t, p.Start(false))
	for i, want := range []int{0, 1, 0} {
		w, _ := p.Worker(i)
		assert.Equal(t, want, w.CPU())
	}
	require.Eventually(t, func() bool { return p.ThreadCount() == 3 }, 5*time.Second, time.Millisecond)
}

func TestWorker_Detach(t *testing.T) {
	p := newStartedPool(t, 2)
	w, _ := p.Worker(0)

	assert.ErrorIs(t, w.Detach(), ErrWorkerRunning)

	require.NoError(t, w.MsgQueue().SendWait(context.Background(), func(w *Worker) {
		assert.NoError(t, w.Detach())
		assert.NoError(t, w.Detach())
	}))
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Eventually(t, func() bool { return w.State() == StateDestroyed }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.ThreadCount())
	assert.False(t, w.IsRunning())

	rec := newRecorder()
	assert.ErrorIs(t, w.AddArgs(KindTimer, 0, FFSeconds, 1, rec.context(1, nil)), ErrPoolDestroyed)
	assert.NoError(t, w.Detach())
}

// TestPool_destroyFromDetachedWorker destroys the pool from a worker that
// has detached itself, after every other worker was joined.
func TestPool_destroyFromDetachedWorker(t *testing.T) {
	p, err := New(Settings{MaxThreads: 1})
	require.NoError(t, err)
	require.NoError(t, p.Start(true))

	rec := newRecorder()
	uc := rec.context(1, nil)
	w, _ := p.Worker(0)
	require.NoError(t, w.AddArgs(KindTimer, 0, FFSeconds, 60, uc))

	var destroyErr, earlyErr error
	require.NoError(t, w.MsgQueue().Send(func(w *Worker) {
		earlyErr = p.Destroy()
		_ = w.Detach()
		destroyErr = p.Destroy()
	}))
	require.NoError(t, p.AttachFirst())

	assert.ErrorIs(t, earlyErr, ErrPoolRunning)
	assert.NoError(t, destroyErr)
	assert.Equal(t, StateDestroyed, p.State())
	assert.Equal(t, StateDestroyed, w.State())
	assert.Nil(t, uc.Worker())
	assert.Equal(t, 0, p.ThreadCount())
}

func TestPool_shutdownWaitContext(t *testing.T) {
	p := newStartedPool(t, 1)
	w, _ := p.Worker(0)

	release := make(chan struct{})
	require.NoError(t, w.MsgQueue().Send(func(*Worker) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.ShutdownWait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.ShutdownWait(context.Background()))
}

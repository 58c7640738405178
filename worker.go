package threadpool

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Worker is a single thread of a [Pool], owning one kernel event queue and
// one message queue.
//
// Registrations may be made from any goroutine. Callbacks and messages only
// ever run on the goroutine driving the worker: its spawned loop, the
// goroutine blocked in [Pool.AttachFirst], or a caller of [Worker.Poll].
type Worker struct { // betteralign:ignore
	state    fastState
	pool     *Pool
	queue    eventQueue
	msgs     *MsgQueue
	done     chan struct{}
	err      error
	out      []readyEvent
	errMu    sync.Mutex
	doneOnce sync.Once
	index    int
	cpu      int
	driving  atomic.Bool
	detach   atomic.Bool
	released atomic.Bool
	virtual  bool
}

func newWorker(p *Pool, index int, virtual bool) *Worker {
	w := &Worker{
		pool:    p,
		done:    make(chan struct{}),
		out:     make([]readyEvent, 2*p.opts.eventBufferSize),
		index:   index,
		cpu:     -1,
		virtual: virtual,
	}
	w.queue = newEventQueue(w, p.opts.eventBufferSize)
	w.msgs = newMsgQueue(w)
	return w
}

// open creates the kernel resources of the worker.
func (w *Worker) open() error {
	cloexec := w.pool.settings.Flags&CloseOnExec != 0
	if err := w.queue.open(cloexec); err != nil {
		return err
	}
	if err := w.msgs.open(cloexec); err != nil {
		_ = w.queue.close()
		return err
	}
	return nil
}

// release closes the kernel resources of the worker, dropping every
// registration. It is idempotent.
func (w *Worker) release() error {
	if !w.released.CompareAndSwap(false, true) {
		return nil
	}
	err := w.queue.close()
	w.msgs.close()
	w.state.Store(StateDestroyed)
	w.closeDone()
	return err
}

func (w *Worker) closeDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

// stop requests the worker stop, waking it if it is blocked in a wait.
func (w *Worker) stop() {
	if w.state.TryTransition(StateIdle, StateStopped) {
		// a caller may be blocked in Poll, which closes done on return
		w.msgs.wake()
		if !w.driving.Load() {
			w.closeDone()
		}
		return
	}
	if w.state.TryTransition(StateRunning, StateStopping) {
		w.msgs.wake()
	}
}

// run is the wait/dispatch loop, it returns once the worker stops. The
// caller must have locked the goroutine to its OS thread.
func (w *Worker) run() error {
	if !w.driving.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	if !w.state.TryTransition(StateIdle, StateRunning) {
		w.driving.Store(false)
		switch w.state.Load() {
		case StateRunning, StateStopping:
			return ErrWorkerRunning
		case StateDestroyed:
			return ErrPoolDestroyed
		default:
			return ErrWorkerStopped
		}
	}
	restore := tagCurrent(w)
	w.pool.live.Add(1)

	w.pool.logger.Debug().
		Str("pool", w.pool.settings.Name).
		Int("worker", w.index).
		Int("cpu", w.cpu).
		Log("threadpool: worker started")

	var err error
	for w.state.Load() == StateRunning {
		if err = w.pollOnce(-1); err != nil {
			w.setErr(err)
			w.pool.logger.Err().
				Str("pool", w.pool.settings.Name).
				Int("worker", w.index).
				Err(err).
				Log("threadpool: worker wait failed")
			break
		}
	}

	w.state.Store(StateStopped)
	w.msgs.drain()
	w.pool.live.Add(-1)
	restore()
	w.driving.Store(false)
	if w.detach.Load() {
		if rerr := w.release(); rerr != nil && err == nil {
			w.setErr(rerr)
		}
	}
	w.closeDone()

	w.pool.logger.Debug().
		Str("pool", w.pool.settings.Name).
		Int("worker", w.index).
		Log("threadpool: worker stopped")

	return err
}

// pollOnce performs a single wait, running any messages then callbacks.
func (w *Worker) pollOnce(timeout time.Duration) error {
	n, err := w.queue.wait(timeout, w.out)
	if err != nil {
		return err
	}
	batch := w.out[:n]
	defer clear(batch)

	for i := range batch {
		if batch[i].wake {
			w.msgs.drain()
			break
		}
	}
	for i := range batch {
		re := &batch[i]
		if re.wake || !w.queue.live(re) {
			continue
		}
		w.dispatch(re)
	}
	return nil
}

func (w *Worker) dispatch(re *readyEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logPanic(w, re.uc, r)
		}
	}()
	ev := re.ev
	re.uc.Callback(&ev, re.uc)
}

func (w *Worker) runMessage(fn MsgFunc) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logPanic(w, w.msgs, r)
		}
	}()
	fn(w)
}

// Poll performs a single wait of up to timeout (forever if negative) on
// the calling goroutine, running any ready messages and callbacks. It is
// how a worker that is not looping, in particular the virtual worker of a
// pool without threads, is driven.
//
// ErrWorkerRunning is returned if another goroutine is driving the worker.
func (w *Worker) Poll(timeout time.Duration) error {
	switch w.state.Load() {
	case StateStopped:
		return ErrWorkerStopped
	case StateDestroyed:
		return ErrPoolDestroyed
	}
	if currentWorker() == w {
		// re-entrant call from a callback
		return ErrWorkerRunning
	}
	if !w.driving.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	if s := w.state.Load(); s == StateStopped || s == StateDestroyed {
		// raced with stop, which may have seen driving unset
		w.driving.Store(false)
		w.closeDone()
		if s == StateDestroyed {
			return ErrPoolDestroyed
		}
		return ErrWorkerStopped
	}
	restore := tagCurrent(w)
	err := w.pollOnce(timeout)
	restore()
	w.driving.Store(false)
	if w.detach.Load() {
		if rerr := w.release(); err == nil {
			err = rerr
		}
	}
	if w.state.Load() == StateStopped {
		w.closeDone()
	}
	return err
}

// Detach stops the worker and releases its event queue.
//
// Called from the worker's own thread it takes effect once the current
// batch of callbacks completes. Otherwise the worker must not be looping,
// or ErrWorkerRunning is returned. Detach is idempotent.
func (w *Worker) Detach() error {
	if currentWorker() == w {
		w.detach.Store(true)
		if !w.state.TryTransition(StateRunning, StateStopping) {
			// driven by Poll, released once it returns
			w.state.TryTransition(StateIdle, StateStopped)
		}
		return nil
	}
	if w.state.IsLooping() || w.driving.Load() {
		return ErrWorkerRunning
	}
	w.detach.Store(true)
	w.stop()
	return w.release()
}

// Add registers interest in ev for uc, replacing any registration of the
// same kind for uc.
//
// A context may only hold registrations on one worker at a time, see
// [ErrContextBound].
func (w *Worker) Add(ev *Event, uc *UserContext) error {
	if err := uc.validate(); err != nil {
		return err
	}
	if err := ev.validate(); err != nil {
		return err
	}
	return w.queue.add(ev, uc)
}

// AddArgs is [Worker.Add] with the event fields as arguments.
func (w *Worker) AddArgs(kind Kind, flags Flags, fflags FilterFlags, data uint64, uc *UserContext) error {
	return w.Add(&Event{Kind: kind, Flags: flags, FFlags: fflags, Data: data}, uc)
}

// AddArgs2 is [Worker.AddArgs] with zero filter flags and data, for reads
// and writes.
func (w *Worker) AddArgs2(kind Kind, flags Flags, uc *UserContext) error {
	return w.AddArgs(kind, flags, 0, 0, uc)
}

// Registered reports whether uc holds a registration of kind on w.
func (w *Worker) Registered(kind Kind, uc *UserContext) bool {
	return uc != nil && kind <= kindLast && w.queue.registered(kind, uc)
}

// Registrations returns the number of registrations held by w.
func (w *Worker) Registrations() int { return w.queue.len() }

// MsgQueue returns the worker's message queue.
func (w *Worker) MsgQueue() *MsgQueue { return w.msgs }

// Pool returns the pool the worker belongs to.
func (w *Worker) Pool() *Pool { return w.pool }

// Index returns the worker's index within its pool.
func (w *Worker) Index() int { return w.index }

// CPU returns the CPU the worker's thread is bound to, or -1.
func (w *Worker) CPU() int { return w.cpu }

// IsVirtual reports whether w is the shared virtual worker of a pool
// without threads.
func (w *Worker) IsVirtual() bool { return w.virtual }

// IsRunning reports whether the worker's loop is active.
func (w *Worker) IsRunning() bool { return w.state.Load() == StateRunning }

// State returns the worker's lifecycle state.
func (w *Worker) State() State { return w.state.Load() }

// Done is closed once the worker has stopped, or can never run.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that terminated the worker's loop, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Name returns the thread name of the worker.
func (w *Worker) Name() string {
	name := w.pool.settings.Name
	if name == "" {
		name = "threadpool"
	}
	suffix := "-" + strconv.Itoa(w.index)
	if w.virtual {
		suffix = "-v"
	}
	if len(name)+len(suffix) >= NameSize {
		name = name[:NameSize-1-len(suffix)]
	}
	return name + suffix
}

// spawned is the body of a started worker's goroutine.
func (w *Worker) spawned() error {
	// never unlocked, so a renamed or bound thread exits with the goroutine
	runtime.LockOSThread()

	if w.cpu >= 0 {
		if err := setThreadAffinity(w.cpu); err != nil {
			w.pool.logger.Warning().
				Int("worker", w.index).
				Int("cpu", w.cpu).
				Err(err).
				Log("threadpool: cpu binding failed")
		}
	}
	if err := setThreadName(w.Name()); err != nil {
		w.pool.logger.Debug().
			Int("worker", w.index).
			Err(err).
			Log("threadpool: thread naming failed")
	}

	err := w.run()
	switch err {
	case ErrWorkerStopped, ErrPoolDestroyed:
		// shut down before the loop ran
		return nil
	}
	return err
}

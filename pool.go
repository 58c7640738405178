package threadpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init checks the platform's event queue is usable. It is idempotent, and
// called by New.
func Init() error {
	initOnce.Do(func() {
		initErr = probeBackend()
	})
	return initErr
}

// Pool is a fixed set of workers, each an OS thread running its own kernel
// event queue.
//
// A pool with zero MaxThreads has no threads, instead a single virtual
// worker (see [Pool.Shared]) is driven by its caller, via [Worker.Poll] or
// [Pool.AttachFirst].
type Pool struct { // betteralign:ignore
	state        fastState
	logger       *logiface.Logger[logiface.Event]
	panicLimiter *catrate.Limiter
	opts         *poolOptions
	virtual      *Worker
	workers      []*Worker
	group        errgroup.Group
	settings     Settings
	mu           sync.Mutex
	live         atomic.Int32
	rr           atomic.Uint32
}

// New creates a pool. Worker threads are not started until [Pool.Start].
func New(settings Settings, opts ...Option) (*Pool, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}
	limiter, err := newPanicLimiter(cfg.panicLogRates)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		settings:     settings,
		opts:         cfg,
		logger:       cfg.logger,
		panicLimiter: limiter,
	}

	if settings.MaxThreads == 0 {
		p.virtual = newWorker(p, 0, true)
		if err := p.virtual.open(); err != nil {
			_ = p.virtual.release()
			return nil, err
		}
	} else {
		p.workers = make([]*Worker, settings.MaxThreads)
		for i := range p.workers {
			p.workers[i] = newWorker(p, i, false)
		}
	}

	p.logger.Debug().
		Str("pool", settings.Name).
		Int("threads", settings.MaxThreads).
		Log("threadpool: pool created")

	return p, nil
}

// all returns every worker, including the virtual worker.
func (p *Pool) all() []*Worker {
	if p.virtual != nil {
		return []*Worker{p.virtual}
	}
	return p.workers
}

// Start opens the event queue of every worker, then spawns a thread for
// each. If skipFirst is set, worker 0 is opened but not spawned, leaving it
// for [Pool.AttachFirst].
//
// Start on a pool without threads only marks it started.
func (p *Pool) Start(skipFirst bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state.Load() {
	case StateIdle:
	case StateDestroyed:
		return ErrPoolDestroyed
	default:
		return ErrPoolStarted
	}

	for i, w := range p.workers {
		if err := w.open(); err != nil {
			for _, w := range p.workers[:i+1] {
				_ = w.release()
			}
			p.logger.Err().
				Str("pool", p.settings.Name).
				Int("worker", i).
				Err(err).
				Log("threadpool: worker open failed")
			return err
		}
	}

	p.state.Store(StateRunning)

	for i, w := range p.workers {
		if i == 0 && skipFirst {
			continue
		}
		if p.settings.Flags&BindToCPU != 0 {
			w.cpu = i % p.opts.cpuCount
		}
		p.group.Go(w.spawned)
	}

	p.logger.Info().
		Str("pool", p.settings.Name).
		Int("threads", len(p.workers)).
		Bool("skip_first", skipFirst).
		Log("threadpool: pool started")

	return nil
}

// AttachFirst runs worker 0's loop (or the virtual worker's, for a pool
// without threads) on the calling goroutine, returning once it stops.
func (p *Pool) AttachFirst() error {
	switch p.state.Load() {
	case StateDestroyed:
		return ErrPoolDestroyed
	case StateIdle:
		if p.virtual == nil {
			return ErrWorkerNotStarted
		}
	}
	w := p.virtual
	if w == nil {
		w = p.workers[0]
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return w.run()
}

// Shutdown requests every worker stop, without waiting. It is idempotent,
// and safe to call from a worker.
func (p *Pool) Shutdown() {
	for {
		s := p.state.Load()
		if s == StateStopping || s == StateStopped || s == StateDestroyed {
			break
		}
		if p.state.TryTransition(s, StateStopping) {
			p.logger.Info().
				Str("pool", p.settings.Name).
				Log("threadpool: pool shutting down")
			break
		}
	}
	for _, w := range p.all() {
		w.stop()
	}
}

// ShutdownWait calls Shutdown then waits until every worker has stopped and
// every spawned thread has exited, returning the first error that
// terminated a worker loop.
//
// Calling it from one of the pool's own workers would deadlock, so
// ErrSelfJoin is returned instead.
func (p *Pool) ShutdownWait(ctx context.Context) error {
	if w := currentWorker(); w != nil && w.pool == p {
		return ErrSelfJoin
	}
	p.Shutdown()
	for _, w := range p.all() {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := p.group.Wait()
	p.state.TryTransition(StateStopping, StateStopped)
	if err == nil {
		for _, w := range p.all() {
			if err = w.Err(); err != nil {
				break
			}
		}
	}
	return err
}

// Destroy releases every worker's resources. All workers must have
// stopped, except that a worker may destroy its own pool after calling
// [Worker.Detach], in which case its resources are released as its loop
// exits. After Destroy every operation fails with ErrPoolDestroyed.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Load() == StateDestroyed {
		return ErrPoolDestroyed
	}

	self := currentWorker()
	deferred := func(w *Worker) bool {
		return w == self && w.detach.Load()
	}
	for _, w := range p.all() {
		if (w.state.IsLooping() || w.driving.Load()) && !deferred(w) {
			return ErrPoolRunning
		}
	}

	p.state.Store(StateDestroyed)

	var errs []error
	for _, w := range p.all() {
		if deferred(w) {
			continue
		}
		w.stop()
		if err := w.release(); err != nil {
			errs = append(errs, err)
		}
	}
	registrations.purge(p)
	clearSignalPool(p)

	p.logger.Debug().
		Str("pool", p.settings.Name).
		Log("threadpool: pool destroyed")

	return errors.Join(errs...)
}

// Settings returns the settings the pool was created with.
func (p *Pool) Settings() Settings { return p.settings }

// MaxThreads returns the configured number of threads.
func (p *Pool) MaxThreads() int { return p.settings.MaxThreads }

// ThreadCount returns the number of workers currently looping.
func (p *Pool) ThreadCount() int { return int(p.live.Load()) }

// State returns the pool's lifecycle state.
func (p *Pool) State() State { return p.state.Load() }

// Worker returns the worker at index i.
func (p *Pool) Worker(i int) (*Worker, error) {
	if i < 0 || i >= len(p.workers) {
		return nil, invalidArgument("worker index %d out of range [0, %d)", i, len(p.workers))
	}
	return p.workers[i], nil
}

// RoundRobin returns the pool's workers cyclically, or the virtual worker
// for a pool without threads.
func (p *Pool) RoundRobin() *Worker {
	if p.virtual != nil {
		return p.virtual
	}
	n := p.rr.Add(1) - 1
	return p.workers[int(n%uint32(len(p.workers)))]
}

// CurrentWorker returns the calling goroutine's worker if it belongs to p,
// otherwise nil.
func (p *Pool) CurrentWorker() *Worker {
	if w := currentWorker(); w != nil && w.pool == p {
		return w
	}
	return nil
}

// Shared returns the virtual worker of a pool without threads. Otherwise it
// prefers the calling goroutine's own worker, falling back to RoundRobin.
func (p *Pool) Shared() *Worker {
	if p.virtual != nil {
		return p.virtual
	}
	if w := p.CurrentWorker(); w != nil {
		return w
	}
	return p.RoundRobin()
}

// IsPoolThread reports whether the calling goroutine is driving w, or, if w
// is nil, any worker of p.
func (p *Pool) IsPoolThread(w *Worker) bool {
	cur := p.CurrentWorker()
	if w == nil {
		return cur != nil
	}
	return cur == w
}

// Broadcast sends fn to every worker.
func (p *Pool) Broadcast(fn MsgFunc) error {
	var errs []error
	for _, w := range p.all() {
		if err := w.msgs.Send(fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastWait sends fn to every worker, then waits until each has run it.
// The calling goroutine's own worker, if any, runs fn inline.
func (p *Pool) BroadcastWait(ctx context.Context, fn MsgFunc) error {
	if fn == nil {
		return invalidArgument("nil message")
	}
	self := currentWorker()
	var (
		waits []func(context.Context) error
		errs  []error
	)
	for _, w := range p.all() {
		if w == self {
			continue
		}
		wait, err := w.msgs.post(fn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		waits = append(waits, wait)
	}
	if self != nil && self.pool == p {
		fn(self)
	}
	for _, wait := range waits {
		if err := wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentWorker returns the worker driven by the calling goroutine, of any
// pool, or nil.
func CurrentWorker() *Worker { return currentWorker() }

// Delete removes the registration of ev.Kind for uc. Unknown registrations
// are ignored.
func Delete(ev *Event, uc *UserContext) error {
	if ev == nil {
		return invalidArgument("nil event")
	}
	return DeleteKind(ev.Kind, uc)
}

// DeleteKind removes the registration of kind for uc. Unknown
// registrations are ignored.
func DeleteKind(kind Kind, uc *UserContext) error {
	if uc == nil {
		return invalidArgument("nil user context")
	}
	if kind > kindLast {
		return invalidArgument("unknown event kind %d", kind)
	}
	w := registrations.lookup(uc)
	if w == nil {
		return nil
	}
	return w.queue.del(kind, uc)
}

// Enable enables or disables the registration of ev.Kind for uc, also
// replacing its filter flags and data with those of ev.
func Enable(enable bool, ev *Event, uc *UserContext) error {
	if err := uc.validate(); err != nil {
		return err
	}
	if err := ev.validate(); err != nil {
		return err
	}
	w := registrations.lookup(uc)
	if w == nil {
		return ErrNotFound
	}
	return w.queue.enable(enable, ev, ev.Kind, uc)
}

// EnableArgs is [Enable] with the event fields as arguments.
func EnableArgs(enable bool, kind Kind, flags Flags, fflags FilterFlags, data uint64, uc *UserContext) error {
	return Enable(enable, &Event{Kind: kind, Flags: flags, FFlags: fflags, Data: data}, uc)
}

// EnableKind enables or disables the registration of kind for uc, keeping
// its configuration.
func EnableKind(enable bool, kind Kind, uc *UserContext) error {
	if uc == nil {
		return invalidArgument("nil user context")
	}
	if kind > kindLast {
		return invalidArgument("unknown event kind %d", kind)
	}
	w := registrations.lookup(uc)
	if w == nil {
		return ErrNotFound
	}
	return w.queue.enable(enable, nil, kind, uc)
}

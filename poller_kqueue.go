//go:build darwin || freebsd

package threadpool

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqKey identifies a kqueue registration.
type kqKey struct {
	ident  uint64
	filter int16
}

type kqEntry struct {
	uc      *UserContext
	ev      Event
	enabled bool
}

// kqueueQueue implements eventQueue using kqueue. The kernel natively
// provides OneShot, Dispatch, low water marks and timers, the entries table
// only exists to map deliveries back to their user context.
type kqueueQueue struct { // betteralign:ignore
	owner   *Worker
	entries map[kqKey]*kqEntry
	buf     []unix.Kevent_t
	mu      sync.Mutex
	kq      int
	wakeFD  int
	opened  bool
	closed  bool
}

func newEventQueue(owner *Worker, bufSize int) eventQueue {
	return &kqueueQueue{
		owner:   owner,
		entries: make(map[kqKey]*kqEntry),
		buf:     make([]unix.Kevent_t, bufSize),
		kq:      -1,
		wakeFD:  -1,
	}
}

// probeBackend checks kqueue is usable.
func probeBackend() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return platformError("kqueue", err)
	}
	return unix.Close(kq)
}

func filterOf(kind Kind) int16 {
	switch kind {
	case KindRead:
		return unix.EVFILT_READ
	case KindWrite:
		return unix.EVFILT_WRITE
	default:
		return unix.EVFILT_TIMER
	}
}

func kindOf(filter int16) Kind {
	switch filter {
	case unix.EVFILT_READ:
		return KindRead
	case unix.EVFILT_WRITE:
		return KindWrite
	default:
		return KindTimer
	}
}

func keyOf(kind Kind, uc *UserContext) kqKey {
	return kqKey{ident: uint64(uc.Ident), filter: filterOf(kind)}
}

func (q *kqueueQueue) open(cloexec bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrPoolDestroyed
	}
	if q.opened {
		return nil
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return platformError("kqueue", err)
	}
	if cloexec {
		unix.CloseOnExec(kq)
	}
	q.kq = kq
	q.opened = true
	return nil
}

func (q *kqueueQueue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for key, e := range q.entries {
		registrations.unbind(e.uc, kindOf(key.filter))
		delete(q.entries, key)
	}
	if !q.opened {
		return nil
	}
	err := unix.Close(q.kq)
	q.kq = -1
	return platformError("close", err)
}

func (q *kqueueQueue) usable() error {
	switch {
	case q.closed:
		return ErrPoolDestroyed
	case !q.opened:
		return ErrWorkerNotStarted
	default:
		return nil
	}
}

// change applies a single kevent change, with q.mu held.
func (q *kqueueQueue) change(key kqKey, flags int, ev *Event) error {
	var kev unix.Kevent_t
	unix.SetKevent(&kev, int(key.ident), int(key.filter), flags)
	if ev != nil {
		if ev.Kind == KindTimer {
			kev.Fflags = timerNote(ev.FFlags)
			kev.Data = int64(ev.Data)
		} else if ev.FFlags&FFLowWater != 0 {
			kev.Fflags = unix.NOTE_LOWAT
			kev.Data = int64(ev.Data)
		}
	}
	changes := []unix.Kevent_t{kev}
	for {
		_, err := unix.Kevent(q.kq, changes, nil, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return platformError("kevent", err)
	}
}

func actionFlags(flags Flags) (v int) {
	if flags&FlagOneShot != 0 {
		v |= unix.EV_ONESHOT
	}
	if flags&FlagDispatch != 0 {
		v |= unix.EV_DISPATCH
	}
	return v
}

func (q *kqueueQueue) watchWake(fd int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	if err := q.change(kqKey{ident: uint64(fd), filter: unix.EVFILT_READ}, unix.EV_ADD|unix.EV_ENABLE, nil); err != nil {
		return err
	}
	q.wakeFD = fd
	return nil
}

func (q *kqueueQueue) add(ev *Event, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	if ev.Kind != KindTimer {
		if fd := int(uc.Ident); fd < 0 || uintptr(fd) != uc.Ident || fd == q.wakeFD {
			return invalidArgument("descriptor %d", uc.Ident)
		}
	}
	key := keyOf(ev.Kind, uc)
	e := q.entries[key]
	if e != nil && e.uc != uc {
		return invalidArgument("%s ident %d registered with another user context", ev.Kind, uc.Ident)
	}

	rollback, err := bindLocked(q.owner, uc, ev.Kind)
	if err != nil {
		return err
	}
	// EV_ADD on an existing knote keeps its EV_ONESHOT / EV_DISPATCH
	replaced := e != nil && actionFlags(e.ev.Flags) != actionFlags(ev.Flags)
	if replaced {
		if err := q.change(key, unix.EV_DELETE, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			rollback()
			return err
		}
	}
	if err := q.change(key, unix.EV_ADD|unix.EV_ENABLE|actionFlags(ev.Flags), ev); err != nil {
		if replaced {
			delete(q.entries, key)
			registrations.unbind(uc, ev.Kind)
		} else {
			rollback()
		}
		return err
	}
	if e == nil {
		e = &kqEntry{uc: uc}
		q.entries[key] = e
	}
	e.ev = *ev
	e.ev.Flags &= flagsSetMask
	e.enabled = true
	return nil
}

func (q *kqueueQueue) del(kind Kind, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || !q.opened {
		return nil
	}
	key := keyOf(kind, uc)
	e := q.entries[key]
	if e == nil || e.uc != uc {
		return nil
	}
	delete(q.entries, key)
	registrations.unbind(uc, kind)
	err := q.change(key, unix.EV_DELETE, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		// closed descriptors are removed by the kernel
		err = nil
	}
	return err
}

func (q *kqueueQueue) enable(enable bool, ev *Event, kind Kind, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	key := keyOf(kind, uc)
	e := q.entries[key]
	if e == nil || e.uc != uc {
		return ErrNotFound
	}
	flags := unix.EV_DISABLE
	if enable {
		flags = unix.EV_ENABLE
	}
	cfg := e.ev
	if ev != nil {
		if kind == KindTimer && (ev.FFlags^cfg.FFlags)&FFAbsTime != 0 {
			return invalidArgument("enable cannot change the timer clock")
		}
		// EV_ADD applies the new filter configuration
		cfg.FFlags, cfg.Data = ev.FFlags, ev.Data
		flags |= unix.EV_ADD | actionFlags(cfg.Flags)
	}
	if err := q.change(key, flags, &cfg); err != nil {
		return err
	}
	e.ev = cfg
	e.enabled = enable
	return nil
}

func (q *kqueueQueue) wait(timeout time.Duration, out []readyEvent) (int, error) {
	q.mu.Lock()
	if err := q.usable(); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	kq := q.kq
	q.mu.Unlock()

	buf := q.buf
	if len(out) < len(buf) {
		buf = buf[:len(out)]
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		v := unix.NsecToTimespec(int64(timeout))
		ts = &v
	}
	n, err := unix.Kevent(kq, nil, buf, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, platformError("kevent", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrPoolDestroyed
	}

	var count int
	for i := range n {
		kev := &buf[i]
		if kev.Filter == unix.EVFILT_READ && int(kev.Ident) == q.wakeFD {
			out[count] = readyEvent{wake: true}
			count++
			continue
		}
		key := kqKey{ident: uint64(kev.Ident), filter: kev.Filter}
		e := q.entries[key]
		if e == nil || !e.enabled {
			continue
		}
		re := readyEvent{
			uc: e.uc,
			ev: Event{
				Kind:   e.ev.Kind,
				Flags:  e.ev.Flags,
				FFlags: e.ev.FFlags,
				Data:   uint64(kev.Data),
			},
		}
		switch {
		case kev.Flags&unix.EV_ERROR != 0:
			re.ev.Flags |= FlagError
			re.ev.FFlags = FilterFlags(kev.Data)
			re.ev.Data = 0
		case kev.Flags&unix.EV_EOF != 0:
			re.ev.Flags |= FlagEOF
			if kev.Fflags != 0 {
				// pending socket error
				re.ev.Flags |= FlagError
				re.ev.FFlags = FilterFlags(kev.Fflags)
			}
		}
		switch {
		case e.ev.Flags&FlagOneShot != 0:
			delete(q.entries, key)
			registrations.unbind(e.uc, e.ev.Kind)
			re.consumed = true
		case e.ev.Flags&FlagDispatch != 0:
			e.enabled = false
			re.dispatched = true
		}
		out[count] = re
		count++
	}
	return count, nil
}

func (q *kqueueQueue) live(re *readyEvent) bool {
	if re.consumed {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	e := q.entries[keyOf(re.ev.Kind, re.uc)]
	return e != nil && e.uc == re.uc && (e.enabled || re.dispatched)
}

func (q *kqueueQueue) registered(kind Kind, uc *UserContext) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[keyOf(kind, uc)]
	return e != nil && e.uc == uc
}

func (q *kqueueQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

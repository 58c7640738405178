//go:build linux

package threadpool

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// rwState is the configuration of a read or write registration.
type rwState struct {
	data    uint64
	fflags  FilterFlags
	flags   Flags
	active  bool
	enabled bool
}

// fdEntry merges the read and write registrations of one descriptor, since
// epoll allows a single registration per descriptor.
type fdEntry struct {
	uc    *UserContext
	rw    [2]rwState
	armed uint32 // events currently registered with epoll
}

func (e *fdEntry) want() (events uint32) {
	if s := &e.rw[KindRead]; s.active && s.enabled {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if s := &e.rw[KindWrite]; s.active && s.enabled {
		events |= unix.EPOLLOUT
	}
	return events
}

func (e *fdEntry) empty() bool {
	return !e.rw[KindRead].active && !e.rw[KindWrite].active
}

// timerEntry is a timer registration, backed by its own timerfd.
type timerEntry struct {
	uc      *UserContext
	ev      Event
	fd      int
	clock   int
	enabled bool
}

// epollQueue implements eventQueue using epoll and timerfd.
type epollQueue struct { // betteralign:ignore
	owner    *Worker
	fds      map[int]*fdEntry
	timers   map[*UserContext]*timerEntry
	timerFDs map[int]*timerEntry
	buf      []unix.EpollEvent
	mu       sync.Mutex
	epfd     int
	wakeFD   int
	cloexec  bool
	opened   bool
	closed   bool
}

func newEventQueue(owner *Worker, bufSize int) eventQueue {
	return &epollQueue{
		owner:    owner,
		fds:      make(map[int]*fdEntry),
		timers:   make(map[*UserContext]*timerEntry),
		timerFDs: make(map[int]*timerEntry),
		buf:      make([]unix.EpollEvent, bufSize),
		epfd:     -1,
		wakeFD:   -1,
	}
}

// probeBackend checks epoll is usable.
func probeBackend() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return platformError("epoll_create1", err)
	}
	return unix.Close(fd)
}

func (q *epollQueue) open(cloexec bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrPoolDestroyed
	}
	if q.opened {
		return nil
	}
	var flags int
	if cloexec {
		flags = unix.EPOLL_CLOEXEC
	}
	epfd, err := unix.EpollCreate1(flags)
	if err != nil {
		return platformError("epoll_create1", err)
	}
	q.epfd = epfd
	q.cloexec = cloexec
	q.opened = true
	return nil
}

func (q *epollQueue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for fd, e := range q.fds {
		for kind := range e.rw {
			if e.rw[kind].active {
				registrations.unbind(e.uc, Kind(kind))
			}
		}
		delete(q.fds, fd)
	}
	for uc, t := range q.timers {
		_ = unix.Close(t.fd)
		registrations.unbind(uc, KindTimer)
		delete(q.timers, uc)
	}
	clear(q.timerFDs)
	if !q.opened {
		return nil
	}
	err := unix.Close(q.epfd)
	q.epfd = -1
	return platformError("close", err)
}

// usable returns the state error for a queue that cannot take
// registrations. Must be called with q.mu held.
func (q *epollQueue) usable() error {
	switch {
	case q.closed:
		return ErrPoolDestroyed
	case !q.opened:
		return ErrWorkerNotStarted
	default:
		return nil
	}
}

func (q *epollQueue) watchWake(fd int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		return platformError("epoll_ctl", err)
	}
	q.wakeFD = fd
	return nil
}

func (q *epollQueue) add(ev *Event, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	if ev.Kind == KindTimer {
		return q.addTimer(ev, uc)
	}

	fd := int(uc.Ident)
	if fd < 0 || uintptr(fd) != uc.Ident || fd == q.wakeFD {
		return invalidArgument("descriptor %d", uc.Ident)
	}
	e := q.fds[fd]
	if e != nil && e.uc != uc {
		if !q.stale(fd, e) {
			return invalidArgument("descriptor %d registered with another user context", fd)
		}
		q.evict(fd, e)
		e = nil
	}

	rollback, err := bindLocked(q.owner, uc, ev.Kind)
	if err != nil {
		return err
	}

	if ev.FFlags&FFLowWater != 0 {
		if err := setLowWater(fd, ev.Kind, ev.Data); err != nil {
			rollback()
			return err
		}
	}

	created := e == nil
	if created {
		e = &fdEntry{uc: uc}
	}
	prev := e.rw[ev.Kind]
	e.rw[ev.Kind] = rwState{
		flags:   ev.Flags & flagsSetMask,
		fflags:  ev.FFlags,
		data:    ev.Data,
		active:  true,
		enabled: true,
	}
	if err := q.rearm(fd, e); err != nil {
		e.rw[ev.Kind] = prev
		rollback()
		return err
	}
	if created {
		q.fds[fd] = e
	}
	return nil
}

// stale reports whether the kernel dropped the registration of e, which
// happens once the descriptor is closed without a delete, leaving the
// number free for reuse. A fully disabled entry has nothing armed to
// check, and is assumed live.
func (q *epollQueue) stale(fd int, e *fdEntry) bool {
	if e.armed == 0 {
		return false
	}
	err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: e.armed, Fd: int32(fd)})
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF)
}

// evict forgets e, unbinding its registrations.
func (q *epollQueue) evict(fd int, e *fdEntry) {
	for kind := range e.rw {
		if e.rw[kind].active {
			registrations.unbind(e.uc, Kind(kind))
		}
	}
	delete(q.fds, fd)
}

// rearm is sync, except the registration is always re-asserted with the
// kernel, as the descriptor may have been closed and reused since it was
// armed.
func (q *epollQueue) rearm(fd int, e *fdEntry) error {
	want := e.want()
	if want == 0 {
		return q.sync(fd, e)
	}
	op := unix.EPOLL_CTL_MOD
	if e.armed == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
	err := unix.EpollCtl(q.epfd, op, fd, &ev)
	switch {
	case op == unix.EPOLL_CTL_MOD && errors.Is(err, unix.ENOENT):
		err = unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST):
		err = unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return platformError("epoll_ctl", err)
	}
	e.armed = want
	return nil
}

// sync reconciles the epoll registration of fd with e.
func (q *epollQueue) sync(fd int, e *fdEntry) error {
	want := e.want()
	var op int
	switch {
	case want == e.armed:
		return nil
	case e.armed == 0:
		op = unix.EPOLL_CTL_ADD
	case want == 0:
		op = unix.EPOLL_CTL_DEL
	default:
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(q.epfd, op, fd, &unix.EpollEvent{Events: want, Fd: int32(fd)})
	if op == unix.EPOLL_CTL_DEL && (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF)) {
		// already closed by the caller, which implicitly removes it
		err = nil
	}
	if err != nil {
		return platformError("epoll_ctl", err)
	}
	e.armed = want
	return nil
}

func setLowWater(fd int, kind Kind, data uint64) error {
	opt := unix.SO_RCVLOWAT
	if kind == KindWrite {
		opt = unix.SO_SNDLOWAT
	}
	if data > 1<<31-1 {
		return invalidArgument("low water mark %d", data)
	}
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, int(data))
	if errors.Is(err, unix.ENOPROTOOPT) || errors.Is(err, unix.ENOTSOCK) {
		// SO_SNDLOWAT is read-only on Linux, and non-sockets have no mark
		err = nil
	}
	return platformError("setsockopt", err)
}

func (q *epollQueue) addTimer(ev *Event, uc *UserContext) error {
	rollback, err := bindLocked(q.owner, uc, KindTimer)
	if err != nil {
		return err
	}

	clock := unix.CLOCK_MONOTONIC
	if ev.FFlags&FFAbsTime != 0 {
		clock = unix.CLOCK_REALTIME
	}

	t := q.timers[uc]
	replaced := t != nil && t.clock != clock
	if replaced {
		q.dropTimer(t)
		t = nil
	}
	fail := func(err error) error {
		if replaced {
			registrations.unbind(uc, KindTimer)
		} else {
			rollback()
		}
		return err
	}

	created := t == nil
	if created {
		flags := unix.TFD_NONBLOCK
		if q.cloexec {
			flags |= unix.TFD_CLOEXEC
		}
		fd, err := unix.TimerfdCreate(clock, flags)
		if err != nil {
			return fail(platformError("timerfd_create", err))
		}
		if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
			_ = unix.Close(fd)
			return fail(platformError("epoll_ctl", err))
		}
		t = &timerEntry{uc: uc, fd: fd, clock: clock}
		q.timers[uc] = t
		q.timerFDs[fd] = t
	}

	t.ev = *ev
	t.ev.Flags &= flagsSetMask
	t.enabled = true
	if err := q.armTimer(t); err != nil {
		if created {
			q.dropTimer(t)
			return fail(err)
		}
		return err
	}
	return nil
}

// armTimer starts (or restarts) t from its stored configuration.
func (q *epollQueue) armTimer(t *timerEntry) error {
	ns, _ := t.ev.nanos()
	var (
		spec  unix.ItimerSpec
		flags int
	)
	if t.ev.FFlags&FFAbsTime != 0 {
		flags = unix.TFD_TIMER_ABSTIME
		if ns == 0 {
			// a zero value would disarm, the epoch has passed regardless
			ns = 1
		}
		spec.Value = unix.NsecToTimespec(ns)
	} else {
		spec.Value = unix.NsecToTimespec(ns)
		if t.ev.Flags&(FlagOneShot|FlagDispatch) == 0 {
			spec.Interval = spec.Value
		}
	}
	return platformError("timerfd_settime", unix.TimerfdSettime(t.fd, flags, &spec, nil))
}

func (q *epollQueue) disarmTimer(t *timerEntry) error {
	return platformError("timerfd_settime", unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil))
}

// dropTimer closes t, without touching the registry.
func (q *epollQueue) dropTimer(t *timerEntry) {
	_ = unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, t.fd, nil)
	_ = unix.Close(t.fd)
	delete(q.timerFDs, t.fd)
	delete(q.timers, t.uc)
}

func (q *epollQueue) del(kind Kind, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || !q.opened {
		return nil
	}
	if kind == KindTimer {
		if t := q.timers[uc]; t != nil {
			q.dropTimer(t)
			registrations.unbind(uc, KindTimer)
		}
		return nil
	}

	fd := int(uc.Ident)
	e := q.fds[fd]
	if e == nil || e.uc != uc || !e.rw[kind].active {
		return nil
	}
	e.rw[kind] = rwState{}
	registrations.unbind(uc, kind)
	err := q.sync(fd, e)
	if e.empty() {
		delete(q.fds, fd)
	}
	return err
}

func (q *epollQueue) enable(enable bool, ev *Event, kind Kind, uc *UserContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usable(); err != nil {
		return err
	}
	if kind == KindTimer {
		t := q.timers[uc]
		if t == nil {
			return ErrNotFound
		}
		if ev != nil {
			if (ev.FFlags^t.ev.FFlags)&FFAbsTime != 0 {
				return invalidArgument("enable cannot change the timer clock")
			}
			t.ev.FFlags, t.ev.Data = ev.FFlags, ev.Data
		}
		t.enabled = enable
		if enable {
			return q.armTimer(t)
		}
		return q.disarmTimer(t)
	}

	fd := int(uc.Ident)
	e := q.fds[fd]
	if e == nil || e.uc != uc || !e.rw[kind].active {
		return ErrNotFound
	}
	s := &e.rw[kind]
	if ev != nil {
		if ev.FFlags&FFLowWater != 0 {
			if err := setLowWater(fd, kind, ev.Data); err != nil {
				return err
			}
		}
		s.fflags, s.data = ev.FFlags, ev.Data
	}
	prev := s.enabled
	s.enabled = enable
	if err := q.sync(fd, e); err != nil {
		s.enabled = prev
		return err
	}
	return nil
}

func (q *epollQueue) wait(timeout time.Duration, out []readyEvent) (int, error) {
	q.mu.Lock()
	if err := q.usable(); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	epfd := q.epfd
	q.mu.Unlock()

	buf := q.buf
	if limit := len(out) / 2; limit < len(buf) {
		buf = buf[:limit]
	}
	n, err := unix.EpollWait(epfd, buf, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, platformError("epoll_wait", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrPoolDestroyed
	}

	var count int
	for i := range n {
		events := buf[i].Events
		fd := int(buf[i].Fd)

		if fd == q.wakeFD {
			out[count] = readyEvent{wake: true}
			count++
			continue
		}

		if t := q.timerFDs[fd]; t != nil {
			if q.fireTimer(t, &out[count]) {
				count++
			}
			continue
		}

		e := q.fds[fd]
		if e == nil {
			continue
		}
		var errno FilterFlags
		if events&unix.EPOLLERR != 0 {
			errno = socketError(fd)
		}
		for _, kind := range [...]Kind{KindRead, KindWrite} {
			s := &e.rw[kind]
			if !s.active || !s.enabled {
				continue
			}
			var hit bool
			re := readyEvent{uc: e.uc, ev: Event{Kind: kind, Flags: s.flags, FFlags: s.fflags}}
			if kind == KindRead {
				hit = events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
				if events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
					re.ev.Flags |= FlagEOF
				}
				if hit {
					if avail, err := unix.IoctlGetInt(fd, unix.TIOCINQ); err == nil && avail > 0 {
						re.ev.Data = uint64(avail)
					}
				}
			} else {
				hit = events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0
				if events&unix.EPOLLHUP != 0 {
					re.ev.Flags |= FlagEOF
				}
			}
			if !hit {
				continue
			}
			if events&unix.EPOLLERR != 0 {
				if errno != 0 {
					re.ev.Flags |= FlagError
					re.ev.FFlags = errno
				} else {
					re.ev.Flags |= FlagEOF
				}
			}
			switch {
			case s.flags&FlagOneShot != 0:
				*s = rwState{}
				registrations.unbind(e.uc, kind)
				re.consumed = true
			case s.flags&FlagDispatch != 0:
				s.enabled = false
				re.dispatched = true
			}
			out[count] = re
			count++
		}
		_ = q.sync(fd, e)
		if e.empty() {
			delete(q.fds, fd)
		}
	}
	return count, nil
}

// fireTimer reads the expiration count of t, applying OneShot / Dispatch.
// Must be called with q.mu held.
func (q *epollQueue) fireTimer(t *timerEntry, out *readyEvent) bool {
	var b [8]byte
	if n, err := unix.Read(t.fd, b[:]); err != nil || n != len(b) {
		// spurious, or raced with a rearm
		return false
	}
	if !t.enabled {
		return false
	}
	*out = readyEvent{
		uc: t.uc,
		ev: Event{
			Kind:   KindTimer,
			Flags:  t.ev.Flags,
			FFlags: t.ev.FFlags,
			Data:   binary.NativeEndian.Uint64(b[:]),
		},
	}
	switch {
	case t.ev.Flags&FlagOneShot != 0:
		q.dropTimer(t)
		registrations.unbind(t.uc, KindTimer)
		out.consumed = true
	case t.ev.Flags&FlagDispatch != 0:
		t.enabled = false
		_ = q.disarmTimer(t)
		out.dispatched = true
	}
	return true
}

// socketError fetches (and clears) the pending error of a socket, returning
// zero for non-sockets.
func socketError(fd int) FilterFlags {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v == 0 {
		return 0
	}
	return FilterFlags(v)
}

func (q *epollQueue) live(re *readyEvent) bool {
	if re.consumed {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if re.ev.Kind == KindTimer {
		t := q.timers[re.uc]
		return t != nil && (t.enabled || re.dispatched)
	}
	e := q.fds[int(re.uc.Ident)]
	if e == nil || e.uc != re.uc {
		return false
	}
	s := &e.rw[re.ev.Kind]
	return s.active && (s.enabled || re.dispatched)
}

func (q *epollQueue) registered(kind Kind, uc *UserContext) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if kind == KindTimer {
		return q.timers[uc] != nil
	}
	e := q.fds[int(uc.Ident)]
	return e != nil && e.uc == uc && e.rw[kind].active
}

func (q *epollQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.timers)
	for _, e := range q.fds {
		for kind := range e.rw {
			if e.rw[kind].active {
				n++
			}
		}
	}
	return n
}

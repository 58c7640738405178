package threadpool

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind selects the condition an [Event] describes.
type Kind uint16

const (
	// KindRead fires when the identifier is readable (EVFILT_READ, or
	// EPOLLIN|EPOLLRDHUP).
	KindRead Kind = 0
	// KindWrite fires when the identifier is writable (EVFILT_WRITE, or
	// EPOLLOUT).
	KindWrite Kind = 1
	// KindTimer fires on timer expiry (EVFILT_TIMER, or a timerfd watched
	// for reads on Linux). The identifier is an opaque unique token.
	KindTimer Kind = 2

	kindLast Kind = KindTimer
	kindMask Kind = 0x0003
	numKinds      = int(kindLast) + 1
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindTimer:
		return "timer"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Flags are the action flags of an [Event].
type Flags uint16

const (
	// FlagOneShot deletes the registration before its first delivery.
	FlagOneShot Flags = 1 << 0
	// FlagDispatch disables the registration before each delivery, it must
	// be re-enabled (see [Enable]) for further deliveries.
	FlagDispatch Flags = 1 << 1
	// FlagEdge is reserved, and rejected with [ErrUnsupported].
	FlagEdge Flags = 1 << 2
	// FlagExclusive is reserved, and rejected with [ErrUnsupported].
	FlagExclusive Flags = 1 << 3

	flagsSetMask Flags = 0x000f

	// FlagEOF is set on delivery when the peer closed, or the descriptor
	// hung up.
	FlagEOF Flags = 1 << 8
	// FlagError is set on delivery when the descriptor reported an error,
	// in which case the FFlags of the delivered event hold the error number.
	FlagError Flags = 1 << 9

	flagsRetMask = FlagEOF | FlagError
)

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, v := range [...]struct {
		flag Flags
		name string
	}{
		{FlagOneShot, "oneshot"},
		{FlagDispatch, "dispatch"},
		{FlagEdge, "edge"},
		{FlagExclusive, "exclusive"},
		{FlagEOF, "eof"},
		{FlagError, "error"},
	} {
		if f&v.flag != 0 {
			parts = append(parts, v.name)
			f &^= v.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(f)))
	}
	return strings.Join(parts, "|")
}

// FilterFlags hold kind specific options of an [Event].
type FilterFlags uint32

// Read / write filter flags.
const (
	// FFLowWater sets the low water mark (SO_RCVLOWAT / SO_SNDLOWAT, or
	// NOTE_LOWAT) to the event's Data.
	FFLowWater FilterFlags = 1 << 0

	ffRWMask FilterFlags = 0x00000001
)

// Timer filter flags. The unit values are an enum, not bits: exactly one is
// always selected, the zero value being seconds.
const (
	FFSeconds      FilterFlags = 0x00000000
	FFMilliseconds FilterFlags = 0x00000001
	FFMicroseconds FilterFlags = 0x00000002
	FFNanoseconds  FilterFlags = 0x00000003

	ffTimeUnitMask FilterFlags = 0x00000003

	// FFAbsTime indicates Data is an absolute (wall clock, unix epoch)
	// deadline, rather than an interval. Absolute timers fire once.
	FFAbsTime FilterFlags = 1 << 2

	ffTimerMask FilterFlags = 0x00000007
)

// TimeUnits are the short names of the timer units, indexed by unit.
var TimeUnits = [...]string{"s", "ms", "us", "ns"}

var unitNanos = [...]uint64{uint64(time.Second), uint64(time.Millisecond), uint64(time.Microsecond), 1}

// Unit returns the timer unit selected by f.
func (f FilterFlags) Unit() FilterFlags { return f & ffTimeUnitMask }

// Event describes a registration, and is also the value delivered to
// callbacks.
type Event struct {
	// Data is the filter value: low water mark for reads/writes, or the timer
	// interval/deadline in the selected unit. On delivery it holds the
	// readable byte count (reads) or number of expirations (timers).
	Data   uint64
	FFlags FilterFlags
	Kind   Kind
	Flags  Flags
}

// NewTimerEvent returns a relative timer descriptor firing every d.
func NewTimerEvent(d time.Duration, flags Flags) Event {
	ev := Event{Kind: KindTimer, Flags: flags}
	switch {
	case d%time.Second == 0:
		ev.FFlags, ev.Data = FFSeconds, uint64(d/time.Second)
	case d%time.Millisecond == 0:
		ev.FFlags, ev.Data = FFMilliseconds, uint64(d/time.Millisecond)
	case d%time.Microsecond == 0:
		ev.FFlags, ev.Data = FFMicroseconds, uint64(d/time.Microsecond)
	default:
		ev.FFlags, ev.Data = FFNanoseconds, uint64(d)
	}
	if d < 0 {
		ev.Data = 0
	}
	return ev
}

func (ev Event) String() string {
	return fmt.Sprintf("{kind=%s flags=%s fflags=0x%x data=%d}", ev.Kind, ev.Flags, uint32(ev.FFlags), ev.Data)
}

// validate checks an event supplied for registration.
func (ev *Event) validate() error {
	if ev == nil {
		return invalidArgument("nil event")
	}
	if ev.Kind&^kindMask != 0 || ev.Kind > kindLast {
		return invalidArgument("unknown event kind %d", ev.Kind)
	}
	if ev.Flags&(FlagEdge|FlagExclusive) != 0 {
		return unsupported("flags %s", ev.Flags&(FlagEdge|FlagExclusive))
	}
	if ev.Flags&^flagsSetMask != 0 {
		return invalidArgument("flags %s not settable", ev.Flags&^flagsSetMask)
	}
	switch ev.Kind {
	case KindRead, KindWrite:
		if ev.FFlags&^ffRWMask != 0 {
			return invalidArgument("fflags 0x%x invalid for %s", uint32(ev.FFlags), ev.Kind)
		}
	case KindTimer:
		if ev.FFlags&^ffTimerMask != 0 {
			return invalidArgument("fflags 0x%x invalid for timer", uint32(ev.FFlags))
		}
		if ev.FFlags&FFAbsTime == 0 && ev.Data == 0 {
			return invalidArgument("zero timer interval")
		}
		if _, ok := ev.nanos(); !ok {
			return invalidArgument("timer value %d%s overflows", ev.Data, TimeUnits[ev.FFlags.Unit()])
		}
	}
	return nil
}

// nanos converts a timer event's Data to nanoseconds.
func (ev *Event) nanos() (int64, bool) {
	unit := unitNanos[ev.FFlags.Unit()]
	if ev.Data > math.MaxInt64/unit {
		return 0, false
	}
	return int64(ev.Data * unit), true
}

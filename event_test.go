package threadpool

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_validate(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		ev   Event
		err  error
	}{
		{name: "read", ev: Event{Kind: KindRead}},
		{name: "write low water", ev: Event{Kind: KindWrite, FFlags: FFLowWater, Data: 64}},
		{name: "read oneshot dispatch", ev: Event{Kind: KindRead, Flags: FlagOneShot | FlagDispatch}},
		{name: "timer ms", ev: Event{Kind: KindTimer, FFlags: FFMilliseconds, Data: 50}},
		{name: "timer abs zero", ev: Event{Kind: KindTimer, FFlags: FFAbsTime}},
		{name: "bad kind", ev: Event{Kind: 3}, err: ErrInvalidArgument},
		{name: "kind outside mask", ev: Event{Kind: 0x10}, err: ErrInvalidArgument},
		{name: "edge", ev: Event{Kind: KindRead, Flags: FlagEdge}, err: ErrUnsupported},
		{name: "exclusive", ev: Event{Kind: KindRead, Flags: FlagExclusive}, err: ErrUnsupported},
		{name: "return only flag", ev: Event{Kind: KindRead, Flags: FlagEOF}, err: ErrInvalidArgument},
		{name: "rw timer fflags", ev: Event{Kind: KindRead, FFlags: FFAbsTime}, err: ErrInvalidArgument},
		{name: "timer extra fflags", ev: Event{Kind: KindTimer, FFlags: 1 << 3, Data: 1}, err: ErrInvalidArgument},
		{name: "zero relative timer", ev: Event{Kind: KindTimer, FFlags: FFSeconds}, err: ErrInvalidArgument},
		{name: "timer overflow", ev: Event{Kind: KindTimer, FFlags: FFSeconds, Data: math.MaxInt64}, err: ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
	var nilEvent *Event
	assert.ErrorIs(t, nilEvent.validate(), ErrInvalidArgument)
}

func TestNewTimerEvent(t *testing.T) {
	for _, tc := range [...]struct {
		d      time.Duration
		fflags FilterFlags
		data   uint64
	}{
		{2 * time.Second, FFSeconds, 2},
		{50 * time.Millisecond, FFMilliseconds, 50},
		{1500 * time.Microsecond, FFMicroseconds, 1500},
		{7, FFNanoseconds, 7},
	} {
		ev := NewTimerEvent(tc.d, FlagOneShot)
		assert.Equal(t, KindTimer, ev.Kind)
		assert.Equal(t, FlagOneShot, ev.Flags)
		assert.Equal(t, tc.fflags, ev.FFlags, tc.d.String())
		assert.Equal(t, tc.data, ev.Data, tc.d.String())
		ns, ok := ev.nanos()
		require.True(t, ok)
		assert.Equal(t, int64(tc.d), ns)
	}
	assert.ErrorIs(t, func() error { ev := NewTimerEvent(-time.Second, 0); return ev.validate() }(), ErrInvalidArgument)
}

func TestFlags_String(t *testing.T) {
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "oneshot|eof", (FlagOneShot | FlagEOF).String())
	assert.Equal(t, "dispatch|0x1000", (FlagDispatch | 1<<12).String())
	assert.Equal(t, "timer", KindTimer.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, "ms", TimeUnits[FFMilliseconds.Unit()])
	assert.Equal(t, FFNanoseconds, (FFNanoseconds | FFAbsTime).Unit())
}

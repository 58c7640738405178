package threadpool

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Pool] or [Worker].
//
// State Machine:
//
//	StateIdle → StateRunning        [Start / loop entry]
//	StateIdle → StateStopped        [Shutdown before the loop ran]
//	StateRunning → StateStopping    [Shutdown / Detach]
//	StateStopping → StateStopped    [loop exit]
//	StateStopped → StateDestroyed   [Destroy]
//	StateDestroyed → (terminal)
//
// Use TryTransition (CAS) for every transition out of a state another
// goroutine may also be leaving.
type State uint32

const (
	// StateIdle indicates created but not yet looping.
	StateIdle State = iota
	// StateRunning indicates the loop is active.
	StateRunning
	// StateStopping indicates a stop was requested, and the loop will exit
	// after its current batch.
	StateStopping
	// StateStopped indicates the loop has exited, or never will.
	StateStopped
	// StateDestroyed indicates resources were released.
	StateDestroyed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte     // Cache line padding (before value) //nolint:unused
	v atomic.Uint32             // State value
	_ [sizeOfCacheLine - 4]byte // Pad to complete cache line //nolint:unused
}

// Load returns the current state atomically.
func (s *fastState) Load() State {
	return State(s.v.Load())
}

// Store atomically stores a new state, without transition validation.
func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsLooping returns true if a loop is active, including while stopping.
func (s *fastState) IsLooping() bool {
	state := s.Load()
	return state == StateRunning || state == StateStopping
}

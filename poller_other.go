//go:build !linux && !darwin && !freebsd

package threadpool

import (
	"time"
)

// unsupportedQueue is the eventQueue of platforms without epoll or kqueue.
type unsupportedQueue struct{}

func newEventQueue(*Worker, int) eventQueue { return unsupportedQueue{} }

func probeBackend() error { return unsupported("event queue on this platform") }

func (unsupportedQueue) open(bool) error { return probeBackend() }
func (unsupportedQueue) close() error { return nil }
func (unsupportedQueue) watchWake(int) error { return probeBackend() }
func (unsupportedQueue) add(*Event, *UserContext) error { return probeBackend() }
func (unsupportedQueue) del(Kind, *UserContext) error { return nil }
func (unsupportedQueue) live(*readyEvent) bool { return false }
func (unsupportedQueue) registered(Kind, *UserContext) bool { return false }
func (unsupportedQueue) len() int { return 0 }
func (unsupportedQueue) wait(time.Duration, []readyEvent) (int, error) {
	return 0, probeBackend()
}
func (unsupportedQueue) enable(bool, *Event, Kind, *UserContext) error {
	return probeBackend()
}

func createWakeFD(bool) (int, int, error) { return -1, -1, probeBackend() }
func closeFD(int) error { return nil }
func signalFD(int) error { return nil }
func drainFD(int) {}

package threadpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// MsgFunc is a message, run on the thread of the worker it was sent to.
type MsgFunc func(w *Worker)

// MsgQueue is a worker's inter-thread message channel.
//
// Messages are run in FIFO order by the worker's loop, before any events
// delivered by the same wait. Messages pending when the loop exits are run
// on the way out.
type MsgQueue struct { // betteralign:ignore
	worker      *Worker
	queue       *queue.Queue
	mu          sync.Mutex
	wakePending atomic.Uint32
	readFD      int
	writeFD     int
	opened      bool
	closed      bool
}

func newMsgQueue(w *Worker) *MsgQueue {
	return &MsgQueue{
		worker:  w,
		queue:   queue.New(),
		readFD:  -1,
		writeFD: -1,
	}
}

// Worker returns the worker the queue delivers to.
func (m *MsgQueue) Worker() *Worker { return m.worker }

// open creates the wake descriptor(s), and registers the read end with the
// worker's event queue, which must already be open.
func (m *MsgQueue) open(cloexec bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrPoolDestroyed
	}
	if m.opened {
		return nil
	}
	r, w, err := createWakeFD(cloexec)
	if err != nil {
		return err
	}
	if err := m.worker.queue.watchWake(r); err != nil {
		_ = closeFD(r)
		if w != r {
			_ = closeFD(w)
		}
		return err
	}
	m.readFD, m.writeFD = r, w
	m.opened = true
	if m.queue.Length() != 0 {
		m.wakeLocked()
	}
	return nil
}

// close releases the wake descriptor(s), discarding pending messages.
func (m *MsgQueue) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for m.queue.Length() != 0 {
		m.queue.Remove()
	}
	if !m.opened {
		return
	}
	_ = closeFD(m.readFD)
	if m.writeFD != m.readFD {
		_ = closeFD(m.writeFD)
	}
	m.readFD, m.writeFD = -1, -1
}

// Send enqueues fn, waking the worker. It never blocks on the worker.
func (m *MsgQueue) Send(fn MsgFunc) error {
	if fn == nil {
		return invalidArgument("nil message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrPoolDestroyed
	}
	switch m.worker.state.Load() {
	case StateStopped, StateDestroyed:
		return ErrWorkerStopped
	}
	m.queue.Add(fn)
	if m.opened {
		m.wakeLocked()
	}
	return nil
}

// SendWait sends fn and waits until the worker has run it. If called from
// the worker's own thread fn is run immediately.
func (m *MsgQueue) SendWait(ctx context.Context, fn MsgFunc) error {
	if fn == nil {
		return invalidArgument("nil message")
	}
	if currentWorker() == m.worker {
		fn(m.worker)
		return nil
	}
	wait, err := m.post(fn)
	if err != nil {
		return err
	}
	return wait(ctx)
}

// post sends fn, returning a func that waits for it to run.
func (m *MsgQueue) post(fn MsgFunc) (func(ctx context.Context) error, error) {
	ran := make(chan struct{})
	err := m.Send(func(w *Worker) {
		defer close(ran)
		fn(w)
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		select {
		case <-ran:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-m.worker.done:
			// the loop runs pending messages before closing done
			select {
			case <-ran:
				return nil
			default:
				return ErrWorkerStopped
			}
		}
	}, nil
}

// wake interrupts the worker's wait, deduplicated until the next drain.
func (m *MsgQueue) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened && !m.closed {
		m.wakeLocked()
	}
}

func (m *MsgQueue) wakeLocked() {
	if !m.wakePending.CompareAndSwap(0, 1) {
		return
	}
	if err := signalFD(m.writeFD); err != nil {
		m.wakePending.Store(0)
		m.worker.pool.logger.Warning().
			Int("worker", m.worker.index).
			Err(err).
			Log("threadpool: wake failed")
	}
}

// Len returns the number of pending messages.
func (m *MsgQueue) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Length()
}

// drain clears the wake descriptor then runs every message pending at the
// time of the call, returning the number run.
func (m *MsgQueue) drain() int {
	m.mu.Lock()
	if m.opened && !m.closed {
		drainFD(m.readFD)
	}
	m.wakePending.Store(0)
	n := m.queue.Length()
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.mu.Lock()
		if m.queue.Length() == 0 {
			m.mu.Unlock()
			return i
		}
		fn := m.queue.Remove().(MsgFunc)
		m.mu.Unlock()
		m.worker.runMessage(fn)
	}
	return n
}

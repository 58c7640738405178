package threadpool

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// DefaultShutdownSignals are the signals Notify hooks when called without
// arguments.
var DefaultShutdownSignals = []os.Signal{
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGHUP,
}

// SignalBridge funnels OS signals into the shutdown of a [Pool].
type SignalBridge struct {
	pool *Pool
	ch   chan os.Signal
	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewSignalBridge returns a bridge targeting p. No signals are hooked until
// Notify is called, Handle may be called directly by a caller owning its own
// signal handling.
func NewSignalBridge(p *Pool) *SignalBridge {
	return &SignalBridge{pool: p}
}

// Pool returns the bridge's target.
func (b *SignalBridge) Pool() *Pool { return b.pool }

// Handle shuts the target pool down. It never blocks.
func (b *SignalBridge) Handle(sig os.Signal) {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.logger.Notice().
		Str("pool", b.pool.settings.Name).
		Stringer("signal", sig).
		Log("threadpool: signal received, shutting down")
	b.pool.Shutdown()
}

// Notify hooks sigs (DefaultShutdownSignals if none) via os/signal, calling
// Handle for each delivery until Stop. Subsequent calls replace the hooked
// set.
func (b *SignalBridge) Notify(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = DefaultShutdownSignals
	}
	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan os.Signal, 8)
	stop := make(chan struct{})
	signal.Notify(ch, sigs...)
	b.ch, b.stop = ch, stop
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case sig := <-ch:
				b.Handle(sig)
			case <-stop:
				return
			}
		}
	}()
}

// Stop unhooks the signals hooked by Notify. It is idempotent.
func (b *SignalBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		return
	}
	signal.Stop(b.ch)
	close(b.stop)
	b.wg.Wait()
	b.ch, b.stop = nil, nil
}

// signalTarget is the process wide slot used by SignalHandler.
var signalTarget atomic.Pointer[SignalBridge]

// RegisterPoolForSignal makes p the target of SignalHandler, replacing any
// previous registration (the last registration wins). The returned bridge
// may be used to hook signals directly, see [SignalBridge.Notify].
func RegisterPoolForSignal(p *Pool) (*SignalBridge, error) {
	if p == nil {
		return nil, invalidArgument("nil pool")
	}
	if p.State() == StateDestroyed {
		return nil, ErrPoolDestroyed
	}
	b := NewSignalBridge(p)
	signalTarget.Store(b)
	return b, nil
}

// SignalHandler forwards sig to the pool registered by
// RegisterPoolForSignal, if any.
func SignalHandler(sig os.Signal) {
	signalTarget.Load().Handle(sig)
}

// clearSignalPool empties the slot if it targets p.
func clearSignalPool(p *Pool) {
	if b := signalTarget.Load(); b != nil && b.pool == p {
		signalTarget.CompareAndSwap(b, nil)
		b.Stop()
	}
}

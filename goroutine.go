package threadpool

import (
	"runtime"
	"sync"
)

// loopWorkers maps the goroutine ID of every active worker loop (including
// goroutines driving a worker via Poll) to its *Worker.
var loopWorkers sync.Map

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// tagCurrent associates the calling goroutine with w, returning a func that
// restores the previous association.
func tagCurrent(w *Worker) (restore func()) {
	gid := getGoroutineID()
	prev, loaded := loopWorkers.Swap(gid, w)
	return func() {
		if loaded {
			loopWorkers.Store(gid, prev)
		} else {
			loopWorkers.Delete(gid)
		}
	}
}

// currentWorker returns the worker whose loop is running on the calling
// goroutine, or nil.
func currentWorker() *Worker {
	if v, ok := loopWorkers.Load(getGoroutineID()); ok {
		return v.(*Worker)
	}
	return nil
}

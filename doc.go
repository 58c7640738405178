// Package threadpool provides a fixed pool of OS threads, each owning a
// kernel event queue, with one event model over epoll and kqueue.
//
// # Architecture
//
// A [Pool] holds [Settings].MaxThreads workers. Each [Worker] is a goroutine
// locked to its own OS thread (optionally bound to a CPU), blocked in a
// wait on its event queue: epoll on Linux, with a timerfd per timer, or
// kqueue on Darwin and FreeBSD. Callers register interest in readability,
// writability, or timer expiry of an identifier by passing an [Event] and a
// [UserContext] to [Worker.Add]. When the condition fires the context's
// [Callback] runs on that worker's thread.
//
// A pool with zero MaxThreads has a single virtual worker instead, driven by
// the caller via [Worker.Poll] or [Pool.AttachFirst].
//
// # Registrations
//
// Registrations are keyed by (context, kind). Adding an existing
// registration replaces it, [Delete] ignores unknown registrations, and
// [Enable] returns [ErrNotFound] for them. A context holds registrations on
// at most one worker at a time.
//
// [FlagOneShot] registrations are removed, and [FlagDispatch] registrations
// disabled, before their callback runs. Delivered events carry [FlagEOF]
// and [FlagError] (with the error number in FFlags), and in Data the
// readable byte count or the number of timer expirations.
//
// # Messages
//
// Each worker has a [MsgQueue], used to run functions on the worker's
// thread. The loop services messages before any events of the same wait.
//
// # Lifecycle
//
//	p, err := threadpool.New(settings, threadpool.WithLogger(logger))
//	err = p.Start(false)
//	...
//	p.Shutdown()                 // safe from any goroutine, including workers
//	err = p.ShutdownWait(ctx)    // ErrSelfJoin if called from a worker
//	err = p.Destroy()
//
// # Thread Safety
//
// Registration, deletion and enabling are safe from any goroutine,
// including callbacks. Lookups against the worker table never lock.
package threadpool

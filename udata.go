package threadpool

// Callback handles a delivered event. It runs on the worker that owns the
// registration, and must not block for long: the worker services nothing
// else until it returns.
//
// The ev pointer is only valid for the duration of the call.
type Callback func(ev *Event, uc *UserContext)

// UserContext binds a callback to an identifier, and is the token exchanged
// with the pool for every registration.
//
// It is allocated and owned by the caller, and must outlive every
// registration made with it. Caller state belongs in the Callback closure.
// Bookkeeping for registrations (owning worker, timer descriptors, etc) is
// kept by the pool, keyed by the context's address, so the same pointer must
// be used for every operation.
type UserContext struct {
	// Callback is invoked for every delivered event.
	Callback Callback

	// Ident is the file descriptor or socket for reads and writes, or any
	// unique value for timers.
	Ident uintptr
}

// Worker returns the worker holding the context's registrations, or nil.
func (uc *UserContext) Worker() *Worker {
	return registrations.lookup(uc)
}

// Registered reports whether the context holds an active registration of
// kind, on any worker.
func (uc *UserContext) Registered(kind Kind) bool {
	return kind <= kindLast && registrations.has(uc, kind)
}

func (uc *UserContext) validate() error {
	if uc == nil {
		return invalidArgument("nil user context")
	}
	if uc.Callback == nil {
		return invalidArgument("nil callback")
	}
	return nil
}

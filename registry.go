package threadpool

import (
	"sync"
	"weak"
)

// registry is the process wide side table holding the pool private state of
// each UserContext with at least one active registration.
//
// Delete and enable operations take only the context, so the table cannot be
// per pool. The worker reference is weak: the pool owns its workers, and a
// collected worker reads as no binding at all.
//
// Lock order: registry.mu is never held while acquiring an event queue lock,
// the reverse (queue -> registry) happens on OneShot consumption.
type registry struct {
	data map[*UserContext]*binding
	mu   sync.Mutex
}

type binding struct {
	worker weak.Pointer[Worker]
	// kinds is a bitmask of 1<<Kind for each active registration.
	kinds uint8
}

var registrations = newRegistry()

func newRegistry() *registry {
	return &registry{data: make(map[*UserContext]*binding)}
}

// bind records kind as active for uc on w. It reports whether the kind was
// newly added, so failed registrations can roll back.
func (r *registry) bind(uc *UserContext, w *Worker, kind Kind) (added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.data[uc]
	if b != nil {
		if cur := b.worker.Value(); cur != nil && cur != w && b.kinds != 0 {
			return false, ErrContextBound
		}
	} else {
		b = &binding{}
		r.data[uc] = b
	}
	b.worker = weak.Make(w)
	bit := uint8(1) << kind
	added = b.kinds&bit == 0
	b.kinds |= bit
	return added, nil
}

// unbind clears kind for uc, dropping the entry once no kinds remain.
func (r *registry) unbind(uc *UserContext, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.data[uc]
	if b == nil {
		return
	}
	b.kinds &^= uint8(1) << kind
	if b.kinds == 0 {
		delete(r.data, uc)
	}
}

// lookup returns the worker uc is bound to, or nil.
func (r *registry) lookup(uc *UserContext) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.data[uc]
	if b == nil {
		return nil
	}
	w := b.worker.Value()
	if w == nil {
		delete(r.data, uc)
	}
	return w
}

// has reports whether uc has kind active.
func (r *registry) has(uc *UserContext, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.data[uc]
	return b != nil && b.kinds&(uint8(1)<<kind) != 0 && b.worker.Value() != nil
}

// purge drops every binding to a worker of p, used by Pool.Destroy.
func (r *registry) purge(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uc, b := range r.data {
		if w := b.worker.Value(); w == nil || w.pool == p {
			delete(r.data, uc)
		}
	}
}

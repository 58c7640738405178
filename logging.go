package threadpool

import (
	"fmt"
	"runtime/debug"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// newPanicLimiter wraps catrate.NewLimiter, which panics on invalid rates.
func newPanicLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter, err = nil, invalidArgument("panic log rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// logPanic reports a recovered panic, rate limited per category (the user
// context, or the message queue).
func (p *Pool) logPanic(w *Worker, category any, r any) {
	if _, ok := p.panicLimiter.Allow(category); !ok {
		return
	}
	p.logger.Err().
		Str("pool", p.settings.Name).
		Int("worker", w.index).
		Str("category", fmt.Sprintf("%T", category)).
		Err(PanicError{Value: r}).
		Str("stack", string(debug.Stack())).
		Log("threadpool: recovered panic")
}

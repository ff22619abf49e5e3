// Package symlock provides per-symbol single-flight serialization.
//
// Every lifecycle-engine entry point acquires the symbol's lock before
// observing or mutating the stop-limit repository entry, which makes all
// stop-limit decisions for a symbol totally ordered. Locks for different
// symbols are independent, and callers never hold one symbol's lock while
// acquiring another's, so there are no lock-ordering hazards.
package symlock

import "sync"

// Registry is a map of symbol → mutex with reference counting so unused
// entries do not accumulate over the life of the process.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire blocks until the symbol's lock is held and returns the release
// function. Callers MUST call release on every exit path; the usual shape is
//
//	release := locks.Acquire(symbol)
//	defer release()
func (r *Registry) Acquire(symbol string) (release func()) {
	r.mu.Lock()
	e, ok := r.locks[symbol]
	if !ok {
		e = &entry{}
		r.locks[symbol] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			r.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(r.locks, symbol)
			}
			r.mu.Unlock()
		})
	}
}

// Len returns the number of symbols with waiters or holders. For status
// reporting and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Package reclaim coordinates when the engine may reset its arena.
//
// Consumers register by id while they read engine memory. A reclaim action
// scheduled while any consumer is registered is deferred until the last one
// releases, and then runs exactly once, synchronously, inside that Release call.
package reclaim

import "sync"

// Lock is a reference-counted gate over one pending reclaim action.
//
// The action runs with the lock's mutex held, so no consumer can register between
// the holder set becoming empty and the action running. The action must not call
// back into the same Lock. The zero value is an empty lock ready for use.
type Lock struct {
	mu      sync.Mutex
	holders map[string]struct{}
	pending func()
}

// New returns an empty lock.
func New() *Lock {
	return &Lock{holders: make(map[string]struct{})}
}

// Acquire registers id as a holder. Acquiring a held id is a no-op.
func (l *Lock) Acquire(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders == nil {
		l.holders = make(map[string]struct{})
	}
	l.holders[id] = struct{}{}
}

// Release unregisters id. If that empties the holder set and an action is pending,
// the action runs before Release returns. Releasing an id that is not held is a no-op.
func (l *Lock) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holders[id]; !ok {
		return
	}
	delete(l.holders, id)
	if len(l.holders) == 0 && l.pending != nil {
		action := l.pending
		l.pending = nil
		action()
	}
}

// Schedule runs action now if nothing is held. Otherwise it replaces any pending
// action; only the most recently scheduled one runs.
func (l *Lock) Schedule(action func()) {
	if action == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.holders) == 0 {
		action()
		return
	}
	l.pending = action
}

// Hold acquires id and returns a release function for defer. Calling the returned
// function more than once releases only once.
func (l *Lock) Hold(id string) (release func()) {
	l.Acquire(id)
	var once sync.Once
	return func() { once.Do(func() { l.Release(id) }) }
}

// Holders returns the number of registered consumers.
func (l *Lock) Holders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// Held reports whether id is registered.
func (l *Lock) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[id]
	return ok
}

// Pending reports whether a reclaim action is waiting for the holders to drain.
func (l *Lock) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Package sync provides the spinlock used to serialise the few resources the
// bootstrap and secondary processors share before a scheduler exists.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts after which
// the waiting processor calls yieldFn.
const spinsBeforeYield = 64

var (
	// yieldFn is invoked by a processor waiting for a held lock. Tests
	// replace it to observe contention.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each processor trying to acquire it
// busy-waits till the lock becomes available. The zero value is an unlocked
// lock.
type Spinlock struct {
	state atomic.Uint32
}

// Acquire blocks until the lock can be acquired. Any attempt to re-acquire a
// lock already held by the same processor will cause a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 1; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins%spinsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release relinquishes a held lock allowing other processors to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	l.state.Store(0)
}

// Package sync provides synchronization primitives for code that runs
// before (or instead of) goroutine scheduling is available: spinlocks and a
// reader/writer spinlock that busy-waits on its own atomic counters.
package sync

import "sync/atomic"

var (
	// yieldFn is substituted by tests with runtime.Gosched to avoid
	// deadlocking the test goroutine while busy-waiting.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Re-acquiring a lock already held by the current task deadlocks, same as a
// non-reentrant mutex.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

package sync

import "sync/atomic"

// RWSpinlock is a reader/writer spinlock: any number of readers may hold it
// concurrently, but a writer excludes all readers and other writers. Used by
// the process table, which is read far more often than it is mutated; built
// the same busy-wait way as Spinlock since goroutine-blocking primitives are
// not available this early in the kernel.
type RWSpinlock struct {
	// writer is 1 while a writer holds the lock.
	writer uint32
	// readers counts the number of readers currently holding the lock.
	readers int32
}

// RAcquire blocks until a read lock can be acquired. Multiple readers may
// hold the lock simultaneously as long as no writer holds or is waiting for
// it.
func (l *RWSpinlock) RAcquire() {
	for {
		for atomic.LoadUint32(&l.writer) != 0 {
			if yieldFn != nil {
				yieldFn()
			}
		}
		atomic.AddInt32(&l.readers, 1)
		if atomic.LoadUint32(&l.writer) == 0 {
			return
		}
		// A writer snuck in between the check and the increment; back off
		// and retry.
		atomic.AddInt32(&l.readers, -1)
	}
}

// RRelease releases a previously acquired read lock.
func (l *RWSpinlock) RRelease() {
	atomic.AddInt32(&l.readers, -1)
}

// Acquire blocks until the exclusive write lock can be acquired, i.e. until
// there are no readers and no other writer holding the lock.
func (l *RWSpinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.writer, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
	for atomic.LoadInt32(&l.readers) != 0 {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// Release releases a previously acquired write lock.
func (l *RWSpinlock) Release() {
	atomic.StoreUint32(&l.writer, 0)
}

package sync

import (
	"runtime"
	"sync"
	"testing"
)

func TestSpinlock(t *testing.T) {
	defer func() { yieldFn = nil }()
	yieldFn = runtime.Gosched

	var (
		lock    Spinlock
		counter int
		wg      sync.WaitGroup
	)

	const workers = 64
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			lock.Acquire()
			counter++
			lock.Release()
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected counter to reach %d; got %d", workers, counter)
	}
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var lock Spinlock

	if !lock.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on an unlocked spinlock")
	}

	if lock.TryToAcquire() {
		t.Fatal("expected TryToAcquire to fail while the lock is held")
	}

	lock.Release()

	if !lock.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed after Release")
	}
}

func TestRWSpinlockConcurrentReaders(t *testing.T) {
	defer func() { yieldFn = nil }()
	yieldFn = runtime.Gosched

	var (
		lock    RWSpinlock
		counter int64
		wg      sync.WaitGroup
	)

	const readers = 64
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			lock.RAcquire()
			counter++
			lock.RRelease()
		}()
	}
	wg.Wait()

	if counter != readers {
		t.Fatalf("expected counter to reach %d; got %d", readers, counter)
	}
}

func TestRWSpinlockWriterExclusion(t *testing.T) {
	defer func() { yieldFn = nil }()
	yieldFn = runtime.Gosched

	var (
		lock    RWSpinlock
		counter int
		wg      sync.WaitGroup
	)

	const workers = 32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			lock.Acquire()
			counter++
			lock.Release()
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected counter to reach %d; got %d", workers, counter)
	}
}

package sched

import "novakernel/kernel/sync"

// Future is a unit of cooperatively-scheduled work (spec §4.7's "boxed
// futures"): Poll is called with a Waker the future may stash if it is not
// yet ready, and must call exactly once, later, to be polled again. Poll
// returns done=true once the future has completed; the executor never
// polls it again afterward.
type Future interface {
	Poll(w *Waker) (done bool)
}

// FutureFunc adapts a plain poll function to the Future interface, mirroring
// the kernel's other FooFunc adapters (e.g. gate.Handler).
type FutureFunc func(w *Waker) bool

// Poll implements Future.
func (f FutureFunc) Poll(w *Waker) bool { return f(w) }

// Waker lets a pending future re-queue itself on the executor that polled
// it. A future that drops every Waker it is given without calling Wake
// will simply never be polled again; spec §4.7 places that responsibility
// entirely on the spawner (a dying process's outstanding request must be
// cancelled by posting an error response, not by the executor).
type Waker struct {
	executor *Executor
	task     *taskEntry
}

// Wake re-queues the future this Waker belongs to for another Poll call.
// Safe to call from any CPU's interrupt context: it only appends under the
// executor's own lock.
func (w *Waker) Wake() {
	w.executor.requeue(w.task)
}

type taskEntry struct {
	future Future
}

// Executor is the single-threaded cooperative async runtime described in
// spec §4.7's upper layer: a FIFO of ready futures, polled to completion
// or to their first Pending, with no further progress made on a future
// until something calls Wake on the Waker it was last given.
//
// One Executor exists per CPU (see CPU.Exec); it is not safe to share
// across CPUs beyond the Waker.Wake entry point, which pending futures may
// legitimately call from whichever CPU happens to complete their
// condition (e.g. a different CPU servicing a user-filesystem reply).
type Executor struct {
	lock  sync.Spinlock
	ready []*taskEntry

	// Waiting is the register frame saved by the preemptive layer (spec
	// §4.7's "waiting registers" slot) before Run is entered. Restored by
	// CPU.RunExecutor once Run's queue empties; nil means there is nothing to resume, so
	// the CPU should idle in wait_for_interrupt instead.
	Waiting interface{}
}

// Spawn enqueues future to be polled the next time Run executes.
func (e *Executor) Spawn(future Future) {
	e.lock.Acquire()
	e.ready = append(e.ready, &taskEntry{future: future})
	e.lock.Release()
}

// ShouldRun reports whether Run has any work to do; the timer-tick path
// (CPU.TryTick) consults this to decide whether to preempt into the
// executor or rotate the preemptive task queue instead.
func (e *Executor) ShouldRun() bool {
	e.lock.Acquire()
	defer e.lock.Release()
	return len(e.ready) > 0
}

func (e *Executor) requeue(t *taskEntry) {
	e.lock.Acquire()
	e.ready = append(e.ready, t)
	e.lock.Release()
}

// Run polls every ready future once; futures that return done=false are
// expected to have stashed their Waker somewhere and are not re-polled
// until something calls Wake on it. Run returns when the ready queue is
// empty, which is the caller's cue to restore Waiting (or idle, if nil).
func (e *Executor) Run() {
	for {
		e.lock.Acquire()
		if len(e.ready) == 0 {
			e.lock.Release()
			return
		}
		t := e.ready[0]
		e.ready = e.ready[1:]
		e.lock.Release()

		w := &Waker{executor: e, task: t}
		t.future.Poll(w)
	}
}

// Package sched implements the two scheduling layers described in spec
// §4.7: a per-CPU round-robin task queue of process ids for preemptive
// thread dispatch, and a cooperative single-threaded async executor that
// drives page faults and user-filesystem replies to completion between
// preemptions. Neither layer exists in the teacher (gopher-os never grew
// a multi-process scheduler); both are new code grounded on
// original_source/kernel/src/tasks/executor.rs and original_source/src/tasks.rs,
// written in the teacher's package-level-var-for-testability style.
package sched

import (
	"novakernel/kernel/proc"
	"novakernel/kernel/sync"
)

// TaskQueue is a round-robin cursor over the process ids runnable on one
// CPU. Entries carry the priority their Process reports at the time they
// were added; Next gives higher-priority entries proportionally more
// turns by re-visiting them within one pass over the ring.
type TaskQueue struct {
	lock    sync.Spinlock
	entries []queueEntry
	cursor  int
}

type queueEntry struct {
	id       proc.ID
	priority int
	turnsLeft int
}

// Add inserts id into the queue with the given priority (spec §3 Thread).
// priority must be >= 1; turnsLeft is seeded from it so one trip around
// the ring gives a priority-N thread N consecutive turns before moving on.
func (q *TaskQueue) Add(id proc.ID, priority int) {
	if priority < 1 {
		priority = 1
	}
	q.lock.Acquire()
	defer q.lock.Release()
	q.entries = append(q.entries, queueEntry{id: id, priority: priority, turnsLeft: priority})
}

// Remove drops id from the queue, e.g. because its process exited.
func (q *TaskQueue) Remove(id proc.ID) {
	q.lock.Acquire()
	defer q.lock.Release()
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			if len(q.entries) > 0 {
				q.cursor %= len(q.entries)
			} else {
				q.cursor = 0
			}
			return
		}
	}
}

// Next advances the cursor and returns the next runnable process id. A
// priority-N entry is returned from N consecutive calls to Next before the
// cursor moves past it, giving it a proportionally larger share of ticks
// than a priority-1 entry without starving anything else in the ring.
func (q *TaskQueue) Next() (proc.ID, bool) {
	q.lock.Acquire()
	defer q.lock.Release()
	if len(q.entries) == 0 {
		return 0, false
	}
	if q.cursor >= len(q.entries) {
		q.cursor = 0
	}
	e := &q.entries[q.cursor]
	id := e.id
	e.turnsLeft--
	if e.turnsLeft <= 0 {
		e.turnsLeft = e.priority
		q.cursor = (q.cursor + 1) % len(q.entries)
	}
	return id, true
}

// Len reports the number of runnable process ids currently tracked.
func (q *TaskQueue) Len() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return len(q.entries)
}

package sched

import (
	"novakernel/kernel/proc"
	"testing"
)

func TestTaskQueueRoundRobin(t *testing.T) {
	var q TaskQueue
	q.Add(1, 1)
	q.Add(2, 1)
	q.Add(3, 1)

	var seen []proc.ID
	for i := 0; i < 6; i++ {
		id, ok := q.Next()
		if !ok {
			t.Fatal("expected Next to succeed")
		}
		seen = append(seen, id)
	}
	want := []proc.ID{1, 2, 3, 1, 2, 3}
	for i, id := range want {
		if seen[i] != id {
			t.Fatalf("at %d: got %d want %d (seen=%v)", i, seen[i], id, seen)
		}
	}
}

func TestTaskQueuePriorityGetsMoreTurns(t *testing.T) {
	var q TaskQueue
	q.Add(1, 3) // high priority
	q.Add(2, 1)

	var seen []proc.ID
	for i := 0; i < 4; i++ {
		id, _ := q.Next()
		seen = append(seen, id)
	}
	// id 1 should get three consecutive turns before id 2 gets one.
	want := []proc.ID{1, 1, 1, 2}
	for i, id := range want {
		if seen[i] != id {
			t.Fatalf("at %d: got %d want %d (seen=%v)", i, seen[i], id, seen)
		}
	}
}

func TestTaskQueueRemove(t *testing.T) {
	var q TaskQueue
	q.Add(1, 1)
	q.Add(2, 1)
	q.Remove(1)

	if q.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", q.Len())
	}
	id, ok := q.Next()
	if !ok || id != 2 {
		t.Fatalf("expected only id 2 left, got %d ok=%v", id, ok)
	}
}

func TestTaskQueueEmpty(t *testing.T) {
	var q TaskQueue
	if _, ok := q.Next(); ok {
		t.Fatal("expected Next to fail on an empty queue")
	}
}

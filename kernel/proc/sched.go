package proc

// RunnableThread implements sched.ThreadLookup: it resolves a process id
// queued on some CPU's TaskQueue to one of its threads to actually
// schedule. A process with more than one thread runs its first thread
// that is not blocked (spec §3 names no per-thread scheduling unit beyond
// the task queue's process ids); a dead or empty process, or one whose
// threads are all blocked, resolves to nil, which the scheduler treats as
// "nothing to run, move on".
func (t *ProcessTable) RunnableThread(id ID) *Thread {
	p, err := t.Get(id)
	if err != nil || len(p.Threads) == 0 {
		return nil
	}
	for _, th := range p.Threads {
		if !th.Blocked {
			return th
		}
	}
	return nil
}

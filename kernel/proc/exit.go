package proc

// ExitNotifier is implemented by whatever owns cross-CPU bookkeeping (the
// kernel/smp package's CPU set) so proc need not import it directly; Notify
// is called once with the dying process's id, posts the kill request to
// every other running CPU, and returns an acks function that reports true
// once every one of them has acknowledged (its message queue has drained),
// or nil when there is no CPU to wait for. ExitProcess polls acks, per
// spec §4.8's exit_process.
type ExitNotifier interface {
	Notify(dying ID) (acks func() bool)
}

// ExitThread implements spec §4.8's exit_thread: remove thread from its
// process. If it was the last thread, escalate to ExitProcess. Returns true
// if the whole process was torn down.
func (t *ProcessTable) ExitThread(p *Process, thread *Thread, notifier ExitNotifier) bool {
	for i, th := range p.Threads {
		if th == thread {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	if len(p.Threads) > 0 {
		return false
	}
	t.ExitProcess(p, notifier)
	return true
}

// ExitProcess implements spec §4.8's exit_process: broadcast a "kill
// process id P" IPI to every other running CPU, wait for acknowledgement,
// remove the process from the table (dropping the ProcessMap's last strong
// reference, which frees all its frames), and mark the process as exiting
// so any in-flight lookups racing the removal observe a consistent state.
func (t *ProcessTable) ExitProcess(p *Process, notifier ExitNotifier) {
	p.exiting = true

	if notifier != nil {
		acks := notifier.Notify(p.ID)
		for acks != nil && !acks() {
			// Busy-wait for every other CPU's message queue to drain.
			// There is no timeout (spec §5): a CPU that never acknowledges
			// is a bug elsewhere, not a condition this loop handles.
		}
	}

	p.Map.Destroy()
	t.Remove(p.ID)
}

// Exiting reports whether p is in the middle of exit_process, used by code
// racing the teardown (e.g. a late-arriving message) to short-circuit
// rather than act on a process that is going away.
func (p *Process) Exiting() bool { return p.exiting }

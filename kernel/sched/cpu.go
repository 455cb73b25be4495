package sched

import (
	"novakernel/kernel/gate"
	"novakernel/kernel/proc"
)

// ThreadLookup resolves a process/thread pair for the preemptive dispatch
// path. The scheduler only ever stores ids in its task queue (spec §3's
// CpuThread.task_queue: list<ProcessId>); it asks back through this small
// interface rather than importing a concrete process table, so tests can
// substitute a fake roster.
type ThreadLookup interface {
	RunnableThread(id proc.ID) *proc.Thread
}

// CPU is the per-hardware-thread scheduling state named CpuThread in spec
// §3: a preemptive task queue plus the cooperative executor layered on top
// of it (spec §4.7). The ACPI/APIC identity half of CpuThread (apic_id,
// timer_id, message_queue) lives in kernel/smp.CPU, which embeds one of
// these.
type CPU struct {
	Queue TaskQueue
	Exec  Executor

	// current is the process id whose thread is presently installed in the
	// register frame the timer handler was given, or 0 if none.
	current proc.ID
}

// TryTick implements the lower layer of spec §4.7: called from the
// timer-vector handler with the interrupted register frame. If the
// executor has work, the current frame is saved into the executor's
// waiting-registers slot and regs is left as it is, so the caller can go
// on to RunExecutor; otherwise the task queue is rotated and regs is
// overwritten with the next runnable thread's frame.
//
// Interrupts must already be disabled by the handler prologue before
// TryTick runs, and must stay disabled until it returns, per spec §4.7's
// context-switch atomicity requirement (no allocation may happen in this
// window either, which is why this function makes none).
func (c *CPU) TryTick(regs *gate.Registers, lookup ThreadLookup) {
	if c.Exec.ShouldRun() {
		saved := *regs
		c.Exec.Waiting = saved
		return
	}

	id, ok := c.Queue.Next()
	if !ok {
		return
	}
	th := lookup.RunnableThread(id)
	if th == nil || th.Blocked {
		return
	}
	if cur := th.Current(); cur != nil {
		*regs = *cur
	}
	c.current = id
}

// RunExecutor drains the cooperative executor (spec §4.7's run entry
// point). Called by the timer handler after TryTick has saved the
// interrupted frame. When the queue empties, the previously saved register
// frame is restored into regs so the caller can IRET back into whatever
// thread was preempted; if no frame was saved, the CPU should idle
// instead, signalled by the returned ok=false.
func (c *CPU) RunExecutor(regs *gate.Registers) (ok bool) {
	c.Exec.Run()
	saved, ok := c.Exec.Waiting.(gate.Registers)
	if !ok {
		return false
	}
	*regs = saved
	c.Exec.Waiting = nil
	return true
}

// Current reports the process id whose thread is presently scheduled on
// this CPU, or 0 if none.
func (c *CPU) Current() proc.ID { return c.current }

// Yield rotates the task queue and installs the next runnable thread's
// frame into regs, without first consulting the cooperative executor the
// way TryTick does. It is for the one case TryTick does not cover: the
// presently-scheduled thread must stop running this instant for a reason
// other than preemption (spec §4.9: it just suspended itself behind a
// pending user-space filesystem request), so deferring to ShouldRun would
// be wrong -- that future was very likely just spawned by the same thread
// this call is trying to get off the CPU, which would make ShouldRun true
// and send TryTick down the executor-preemption branch instead of actually
// switching threads. Unlike TryTick's single Next() attempt (content to
// leave the previously-running, still-runnable thread in place for one
// more tick if the next candidate is unready), Yield loops until it finds
// an actually runnable thread or exhausts the queue, since the thread it
// is replacing is not an option to fall back to.
func (c *CPU) Yield(regs *gate.Registers, lookup ThreadLookup) {
	for i, n := 0, c.Queue.Len(); i < n; i++ {
		id, ok := c.Queue.Next()
		if !ok {
			return
		}
		th := lookup.RunnableThread(id)
		if th == nil || th.Blocked {
			continue
		}
		if cur := th.Current(); cur != nil {
			*regs = *cur
		}
		c.current = id
		return
	}
}

package kmain

import (
	"novakernel/kernel"
	"novakernel/kernel/cpu"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/smp"
	"novakernel/kernel/syscall"
)

// timerIRQ is the PIT's line on the primary 8259, the source of every
// CPU's preemption tick (spec §4.7).
const timerIRQ = uint8(0)

// pageFaultWriteBit is bit 1 of the CPU-pushed page-fault error code: set
// when the faulting access was a write (Intel SDM vol 3 §4.7).
const pageFaultWriteBit = uint32(1 << 1)

var (
	errNoMoreWork = &kernel.Error{Module: "kmain", Message: "no runnable thread left on this CPU"}
	errStrayIRQ   = &kernel.Error{Module: "kmain", Message: "interrupt on an unidentified CPU"}
)

// rescheduleAfter drops id from cpu's task queue (it either just exited or
// faulted fatally) and asks TryTick to switch regs to whatever the queue
// picks next. If nothing else is runnable on this CPU there is no safe
// frame left to IRET into, so halting here is the only correct choice
// (spec §4.7 never describes an idle-process fallback).
func rescheduleAfter(c *smp.CPU, table *proc.ProcessTable, regs *gate.Registers, id proc.ID) {
	c.Executor.Queue.Remove(id)
	c.Executor.TryTick(regs, table)
	if c.Executor.Current() == id {
		kernel.Panic(errNoMoreWork)
	}
}

// currentThread resolves the thread presently installed on c, per
// sched.CPU.Current (the process id TryTick last switched regs to).
func currentThread(c *smp.CPU, table *proc.ProcessTable) (*proc.Process, *proc.Thread, proc.ID) {
	id := c.Executor.Current()
	p, err := table.Get(id)
	if err != nil {
		return nil, nil, id
	}
	th := table.RunnableThread(id)
	return p, th, id
}

// wireInterrupts installs every vector the running kernel actually uses:
// the timer tick that drives preemption and the cooperative executor (spec
// §4.7), the page fault handler that backs demand paging and CoW (spec
// §4.3), the syscall gate (spec §6), and the three software IPI vectors
// kernel/smp defines for cross-CPU bookkeeping (spec §5, §4.8, §7).
func wireInterrupts(cpuSet *smp.Set, table *proc.ProcessTable, dispatcher *syscall.Dispatcher) {
	gate.HandleIRQ(timerIRQ, func(regs *gate.Registers) {
		c := cpuSet.Current()
		if c == nil {
			gate.AckIRQ(timerIRQ)
			return
		}
		c.Executor.TryTick(regs, table)
		if c.Executor.Exec.ShouldRun() {
			c.Executor.RunExecutor(regs)
		}
		gate.AckIRQ(timerIRQ)
	})

	gate.HandleInterrupt(gate.PageFaultException, func(regs *gate.Registers) {
		c := cpuSet.Current()
		if c == nil {
			kernel.Panic(errStrayIRQ)
		}
		p, th, id := currentThread(c, table)
		if p == nil || th == nil {
			kernel.Panic(errStrayIRQ)
		}

		vaddr := cpu.ReadCR2()
		access := procmap.ProtRead
		if regs.ErrorCode&pageFaultWriteBit != 0 {
			access = procmap.ProtWrite
		}

		if !p.Map.PageFault(vaddr, access) {
			table.ExitThread(p, th, dispatcher.Notifier)
			rescheduleAfter(c, table, regs, id)
		}
	})

	gate.HandleInterrupt(gate.SyscallVector, func(regs *gate.Registers) {
		c := cpuSet.Current()
		if c == nil {
			return
		}
		p, th, id := currentThread(c, table)
		if p == nil || th == nil {
			return
		}
		terminated, blocked := dispatcher.Dispatch(regs, p, th)
		switch {
		case terminated:
			rescheduleAfter(c, table, regs, id)
		case blocked:
			// th suspended itself behind a pending user-space filesystem
			// request (spec §4.9): persist the interrupted frame into its
			// own saved slot so the eventual completion callback resumes it
			// from exactly here, then get something else running this tick
			// -- Yield, not TryTick, since th's own suspend call likely just
			// spawned the very future that would make TryTick's ShouldRun
			// check defer to the executor instead of switching threads.
			*th.Current() = *regs
			c.Executor.Yield(regs, table)
		}
	})

	ipiHandler := func(regs *gate.Registers) {
		if c := cpuSet.Current(); c != nil {
			c.DrainMessages(func(dying proc.ID) {
				if c.Executor.Current() == dying {
					rescheduleAfter(c, table, regs, dying)
					return
				}
				c.Executor.Queue.Remove(dying)
			})
		}
		cpuSet.AckIPI()
	}
	gate.HandleInterrupt(smp.PageRefreshVector, ipiHandler)
	gate.HandleInterrupt(smp.KillProcessVector, ipiHandler)

	gate.HandleInterrupt(smp.PanicHaltVector, func(regs *gate.Registers) {
		for {
			cpu.Halt()
		}
	})
}

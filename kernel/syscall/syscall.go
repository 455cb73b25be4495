package syscall

import (
	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/vfs"
)

// Number identifies one syscall, matching the stable numbering spec §6
// fixes for the ABI.
type Number uint32

const (
	IsComputerOn Number = iota
	Exit
	Fork
	Mmap
	Unmap
	GetProcessId
	ShareMemory
	SendMessage
	MessageHandler
	ExitMessageHandler
	Open
	Close
	Read
	Write
	Seek
	Stat
	Truncate
	Unlink
	Chmod
	Chown
	Dup
	Dup2
	Chroot
	Exec
)

// Dispatcher holds every piece of kernel state a syscall handler needs to
// reach: the process table, the single namespace root new processes start
// with, the cross-CPU exit notifier (spec §4.8), and the LoadImage hook
// spec.md §1/§6 names as the one way this core ever touches an ELF image.
type Dispatcher struct {
	Table     *proc.ProcessTable
	Root      *vfs.Namespace
	Notifier  proc.ExitNotifier
	LoadImage func(into *procmap.ProcessMap, elf []byte) (entry uintptr, err *kernel.Error)

	// Wake, if set, is called after SendMessage delivers to a target
	// process, so a scheduler package can nudge that process's CPU rather
	// than waiting for its next natural tick.
	Wake func(proc.ID)

	// SpawnChild, if set, is called with a freshly forked child's id so a
	// scheduler package can enqueue its thread on some CPU's task queue
	// (spec §4.8: "queues the new thread on some CPU", a decision this
	// package deliberately leaves to the scheduler).
	SpawnChild func(proc.ID)

	// Suspend, if set, parks t behind await: spawn it on the current CPU's
	// cooperative executor (spec §4.7's upper layer) and mark t Blocked so
	// the preemptive task queue skips over it until await's completion
	// writes the real result into t's own saved frame and clears the flag
	// again (spec §4.9's user-space filesystem bridge is the one thing in
	// this kernel that needs this). Left nil, a blocking-capable
	// FileDescriptor's ErrTryAgain surfaces to userspace immediately
	// instead of suspending -- a cooperative executor not being wired up
	// is a valid, if degraded, configuration.
	Suspend func(t *proc.Thread, await sched.Future)
}

func writeResult(regs *gate.Registers, value uint32, e errno.Errno) {
	if e == errno.None {
		regs.EAX = value
		regs.EBX = 0
		return
	}
	regs.EAX = 0
	regs.EBX = uint32(e)
}

// Dispatch decodes regs.EAX as a syscall Number and routes to the matching
// handler, applying the (EAX, EBX) result convention (spec §6) to regs
// before returning. terminated reports whether the calling process just
// exited (syscall Exit), in which case the caller must not resume regs
// into that process -- context_switch_away is the scheduler's job, not
// this package's. blocked reports whether the call instead suspended t
// behind a pending async request (spec §4.9): regs must not be touched
// further and the caller must reschedule something else onto this CPU
// this tick, since t's eventual result lands in t's own saved frame, not
// in regs.
func (d *Dispatcher) Dispatch(regs *gate.Registers, p *proc.Process, t *proc.Thread) (terminated, blocked bool) {
	switch Number(regs.EAX) {
	case IsComputerOn:
		regs.EAX, regs.EBX = 1, 0

	case Exit:
		d.Table.ExitThread(p, t, d.Notifier)
		return true, false

	case Fork:
		child, err := d.Table.Fork(p, t)
		if err != nil {
			writeResult(regs, 0, errnoOf(err))
			return false, false
		}
		if d.SpawnChild != nil {
			d.SpawnChild(child.ID)
		}
		writeResult(regs, uint32(child.ID), errno.None)

	case Mmap:
		v, e := sysMmap(d, p, regs)
		writeResult(regs, v, e)
	case Unmap:
		v, e := sysUnmap(d, p, regs)
		writeResult(regs, v, e)
	case ShareMemory:
		v, e := sysShareMemory(d, p, regs)
		writeResult(regs, v, e)

	case GetProcessId:
		writeResult(regs, uint32(p.ID), errno.None)

	case SendMessage:
		v, e := sysSendMessage(d, p, regs)
		writeResult(regs, v, e)
	case MessageHandler:
		v, e := sysMessageHandler(d, p, regs)
		writeResult(regs, v, e)
	case ExitMessageHandler:
		v, e := sysExitMessageHandler(d, p, t, regs)
		if e != errno.None {
			writeResult(regs, v, e)
		}
		// On success regs has already been fully replaced by the resumed
		// frame; writeResult would clobber it.

	case Open:
		v, e, b := sysOpen(d, p, t, regs)
		blocked = b
		if !b {
			writeResult(regs, v, e)
		}
	case Close:
		v, e := sysClose(d, p, regs)
		writeResult(regs, v, e)
	case Read:
		v, e, b := sysRead(d, p, t, regs)
		blocked = b
		if !b {
			writeResult(regs, v, e)
		}
	case Write:
		v, e, b := sysWrite(d, p, t, regs)
		blocked = b
		if !b {
			writeResult(regs, v, e)
		}
	case Seek:
		v, e := sysSeek(d, p, regs)
		writeResult(regs, v, e)
	case Stat:
		v, e := sysStat(d, p, regs)
		writeResult(regs, v, e)
	case Truncate:
		v, e := sysTruncate(d, p, regs)
		writeResult(regs, v, e)
	case Unlink:
		v, e := sysUnlink(d, p, regs)
		writeResult(regs, v, e)
	case Chmod:
		v, e := sysChmod(d, p, regs)
		writeResult(regs, v, e)
	case Chown:
		v, e := sysChown(d, p, regs)
		writeResult(regs, v, e)
	case Dup:
		v, e := sysDup(d, p, regs)
		writeResult(regs, v, e)
	case Dup2:
		v, e := sysDup2(d, p, regs)
		writeResult(regs, v, e)
	case Chroot:
		v, e := sysChroot(d, p, regs)
		writeResult(regs, v, e)
	case Exec:
		v, e := sysExec(d, p, t, regs)
		writeResult(regs, v, e)

	default:
		writeResult(regs, 0, errno.FuncNotSupported)
	}
	return false, blocked
}

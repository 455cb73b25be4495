package syscall

import (
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/proc"
)

// MessageHandler implements syscall 8: registers EBX as the entry point
// for message id ECX in the calling process's handler table (spec §3's
// Process.message_handlers).
func sysMessageHandler(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	if p.MessageHandlers == nil {
		p.MessageHandlers = make(map[proc.MessageID]uint32)
	}
	p.MessageHandlers[proc.MessageID(regs.ECX)] = regs.EBX
	return 0, errno.None
}

// SendMessage implements syscall 7: looks up the target process's
// registered handler for message id ECX and, if found, pushes a new
// register frame atop its first thread's stack (spec §4.8's re-entrant
// register queue), so that thread resumes at the handler entry point
// instead of wherever it last was. The pushed frame's general-purpose
// registers carry EDX as the message payload so the handler can read it in
// EBX per the kernel's own calling convention (the handler runs in the
// target process, so it sees the sender's payload, not the sender's own
// registers).
//
// Delivery to a process with no thread, or no handler registered for the
// id, is NoSuchProcess / InvalidArgument respectively rather than queued:
// spec §4.7 gives futures no cancellation token, and a message with
// nowhere to go is simpler to reject outright than to buffer.
func sysSendMessage(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	target, terr := d.Table.Get(proc.ID(regs.EBX))
	if terr != nil {
		return 0, errno.NoSuchProcess
	}
	entry, ok := target.MessageHandlers[proc.MessageID(regs.ECX)]
	if !ok {
		return 0, errno.InvalidArgument
	}
	if len(target.Threads) == 0 {
		return 0, errno.NoSuchProcess
	}
	th := target.Threads[0]
	base := *th.Current()
	base.EBX = regs.EDX
	th.PushFrame(entry, base)
	if d.Wake != nil {
		d.Wake(target.ID)
	}
	return 0, errno.None
}

// ExitMessageHandler implements syscall 9: pop the calling thread's top
// register frame (the handler's), resuming whatever computation it
// interrupted from the saved frame beneath (spec §4.8).
func sysExitMessageHandler(d *Dispatcher, p *proc.Process, t *proc.Thread, regs *gate.Registers) (uint32, errno.Errno) {
	if _, ok := t.PopFrame(); !ok {
		return 0, errno.InvalidArgument
	}
	*regs = *t.Current()
	return regs.EAX, errno.None
}

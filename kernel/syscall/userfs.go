package syscall

import (
	"novakernel/kernel/errno"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/vfs"
)

// completeOpen builds the Future that finishes a suspended Open: once pend
// reports done, the resolved file descriptor (or remote error) is
// installed in t's own saved register frame rather than regs, since by the
// time a user-space server answers, t is no longer the thread any CPU
// happens to be running (spec §4.7's upper layer meeting spec §4.9's
// bridge).
func completeOpen(t *proc.Thread, p *proc.Process, pend vfs.Pending, flags vfs.OpenFlags, path []string) sched.Future {
	await := pend.Future()
	return sched.FutureFunc(func(w *sched.Waker) bool {
		if !await.Poll(w) {
			return false
		}
		resp, ok := pend.Response()
		regs := t.Current()
		switch {
		case !ok:
			writeResult(regs, 0, errno.TryAgain)
		case resp.Kind == vfs.RespError:
			writeResult(regs, 0, errno.Errno(resp.Errno))
		default:
			fd := p.AddFile(&proc.OpenFile{Descriptor: pend.Handle(resp.Handle), Path: path, Flags: uint32(flags)})
			writeResult(regs, uint32(fd), errno.None)
		}
		t.Blocked = false
		return true
	})
}

// completeRead builds the Future that finishes a suspended Read: the
// response's Extra bytes are copied into the caller's userPtr buffer the
// same way a synchronous sysRead would, once the server answers.
func completeRead(t *proc.Thread, p *proc.Process, pend vfs.Pending, userPtr uintptr) sched.Future {
	await := pend.Future()
	return sched.FutureFunc(func(w *sched.Waker) bool {
		if !await.Poll(w) {
			return false
		}
		resp, ok := pend.Response()
		regs := t.Current()
		switch {
		case !ok:
			writeResult(regs, 0, errno.TryAgain)
		case resp.Kind == vfs.RespError:
			writeResult(regs, 0, errno.Errno(resp.Errno))
		default:
			n := len(resp.Extra)
			if n > 0 {
				if cerr := CopyOut(p.Map, userPtr, resp.Extra); cerr != nil {
					writeResult(regs, 0, errno.BadAddress)
					t.Blocked = false
					return true
				}
			}
			writeResult(regs, uint32(n), errno.None)
		}
		t.Blocked = false
		return true
	})
}

// completeWrite builds the Future that finishes a suspended Write: a
// successful reply reports the whole buffer written, matching the
// request/response protocol's assumption that a user-space server never
// partially accepts a write (spec §4.9).
func completeWrite(t *proc.Thread, p *proc.Process, pend vfs.Pending, n int) sched.Future {
	await := pend.Future()
	return sched.FutureFunc(func(w *sched.Waker) bool {
		if !await.Poll(w) {
			return false
		}
		resp, ok := pend.Response()
		regs := t.Current()
		switch {
		case !ok:
			writeResult(regs, 0, errno.TryAgain)
		case resp.Kind == vfs.RespError:
			writeResult(regs, 0, errno.Errno(resp.Errno))
		default:
			writeResult(regs, uint32(n), errno.None)
		}
		t.Blocked = false
		return true
	})
}

// suspend asks d.Suspend to park t behind await, returning false (meaning
// "not actually suspended") if no Suspend hook is wired up -- a cooperative
// executor not being configured is a valid, if degraded, configuration in
// which ErrTryAgain simply surfaces to userspace immediately instead.
func (d *Dispatcher) suspend(t *proc.Thread, await sched.Future) bool {
	if d.Suspend == nil {
		return false
	}
	d.Suspend(t, await)
	return true
}

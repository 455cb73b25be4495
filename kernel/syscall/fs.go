package syscall

import (
	"bytes"
	"encoding/binary"
	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/proc"
	"novakernel/kernel/vfs"
)

var errBadFile = &kernel.Error{Module: "syscall", Message: "bad file descriptor"}

// resolveForOpen runs spec §4.9's path resolution for the calling process:
// nsRoot is always this kernel's single namespace root (spec §3's
// Namespace), cwd and an explicit "at" descriptor come from the process
// itself.
func (d *Dispatcher) resolveForOpen(p *proc.Process, path string, flags vfs.OpenFlags, atFd int32) (vfs.ResolveResult, errno.Errno) {
	var at vfs.FileDescriptor
	if !flags.Has(vfs.FlagAtCWD) && atFd >= 0 {
		of, ferr := p.File(int(atFd))
		if ferr != nil {
			return vfs.ResolveResult{}, errno.BadFile
		}
		at = of.Descriptor
	}
	var cwd, root vfs.FileDescriptor
	if p.CWD != nil {
		cwd = p.CWD.Descriptor
	}
	if p.Root != nil {
		root = p.Root.Descriptor
	} else {
		root = d.Root.Root()
	}
	res, err := vfs.ResolveContainer(root, cwd, at, path, flags.Has(vfs.FlagAtCWD), flags.Has(vfs.FlagNoFollow))
	if err != nil {
		return vfs.ResolveResult{}, errnoOf(err)
	}
	return res, errno.None
}

// Open implements syscall 10. EBX=path ptr, ECX=OpenFlags, EDX=at fd
// (ignored when FlagAtCWD is set or the path is absolute). blocked reports
// whether the call suspended the calling thread behind a user-space
// filesystem request (spec §4.9) instead of returning a result directly;
// the caller must not write a syscall result to regs when blocked is true.
func sysOpen(d *Dispatcher, p *proc.Process, t *proc.Thread, regs *gate.Registers) (result uint32, e errno.Errno, blocked bool) {
	path, perr := CopyInString(p.Map, uintptr(regs.EBX))
	if perr != nil {
		return 0, errno.BadAddress, false
	}
	flags := vfs.OpenFlags(regs.ECX)

	res, e := d.resolveForOpen(p, path, flags, int32(regs.EDX))
	if e != errno.None {
		return 0, e, false
	}

	var target vfs.FileDescriptor
	var err *kernel.Error
	if res.Name == "" {
		target = res.Container
	} else {
		target, err = res.Container.Open(res.Name, uint32(flags))
		if err == vfs.ErrTryAgain {
			if awaiter, ok := res.Container.(vfs.OpenAwaiter); ok {
				pend := awaiter.AwaitOpen(res.Name, uint32(flags))
				if d.suspend(t, completeOpen(t, p, pend, flags, splitAbs(res.AbsolutePath))) {
					return 0, errno.None, true
				}
			}
		}
		if err != nil {
			return 0, errnoOf(err), false
		}
	}

	fd := p.AddFile(&proc.OpenFile{Descriptor: target, Path: splitAbs(res.AbsolutePath), Flags: uint32(flags)})
	return uint32(fd), errno.None, false
}

func splitAbs(abs string) []string {
	if abs == "" || abs == "/" {
		return nil
	}
	var comps []string
	start := 0
	for i := 0; i <= len(abs); i++ {
		if i == len(abs) || abs[i] == '/' {
			if i > start {
				comps = append(comps, abs[start:i])
			}
			start = i + 1
		}
	}
	return comps
}

// Close implements syscall 11. EBX=fd.
func sysClose(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	if err := p.CloseFile(int(regs.EBX)); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// Read implements syscall 12. EBX=fd, ECX=user buf ptr, EDX=len. See
// sysOpen's doc comment for the blocked result's meaning.
func sysRead(d *Dispatcher, p *proc.Process, t *proc.Thread, regs *gate.Registers) (uint32, errno.Errno, bool) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile, false
	}
	buf := make([]byte, regs.EDX)
	n, err := of.Descriptor.Read(buf)
	if err == vfs.ErrTryAgain {
		if awaiter, ok := of.Descriptor.(vfs.ReadAwaiter); ok {
			pend := awaiter.AwaitRead(buf)
			if d.suspend(t, completeRead(t, p, pend, uintptr(regs.ECX))) {
				return 0, errno.None, true
			}
		}
	}
	if err != nil {
		return 0, errnoOf(err), false
	}
	if n > 0 {
		if cerr := CopyOut(p.Map, uintptr(regs.ECX), buf[:n]); cerr != nil {
			return 0, errno.BadAddress, false
		}
	}
	return uint32(n), errno.None, false
}

// Write implements syscall 13. EBX=fd, ECX=user buf ptr, EDX=len. See
// sysOpen's doc comment for the blocked result's meaning.
func sysWrite(d *Dispatcher, p *proc.Process, t *proc.Thread, regs *gate.Registers) (uint32, errno.Errno, bool) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile, false
	}
	buf, cerr := CopyIn(p.Map, uintptr(regs.ECX), int(regs.EDX))
	if cerr != nil {
		return 0, errno.BadAddress, false
	}
	n, err := of.Descriptor.Write(buf)
	if err == vfs.ErrTryAgain {
		if awaiter, ok := of.Descriptor.(vfs.WriteAwaiter); ok {
			pend := awaiter.AwaitWrite(buf)
			if d.suspend(t, completeWrite(t, p, pend, len(buf))) {
				return 0, errno.None, true
			}
		}
	}
	if err != nil {
		return 0, errnoOf(err), false
	}
	return uint32(n), errno.None, false
}

// Seek implements syscall 14. EBX=fd, ECX=offset (sign-extended), EDX=kind.
func sysSeek(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	off, err := of.Descriptor.Seek(int64(int32(regs.ECX)), vfs.SeekKind(regs.EDX))
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(off), errno.None
}

// Stat implements syscall 15. EBX=fd, ECX=user ptr to a FileStat record
// (spec §6 layout), written via CopyOut.
func sysStat(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	st, err := of.Descriptor.Stat()
	if err != nil {
		return 0, errnoOf(err)
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &st)
	if cerr := CopyOut(p.Map, uintptr(regs.ECX), buf.Bytes()); cerr != nil {
		return 0, errno.BadAddress
	}
	return 0, errno.None
}

// Truncate implements syscall 16. EBX=fd, ECX=length.
func sysTruncate(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	if err := of.Descriptor.Truncate(int64(regs.ECX)); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// Unlink implements syscall 17. EBX=path ptr, ECX=OpenFlags, EDX=at fd.
func sysUnlink(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	path, perr := CopyInString(p.Map, uintptr(regs.EBX))
	if perr != nil {
		return 0, errno.BadAddress
	}
	flags := vfs.OpenFlags(regs.ECX)
	res, e := d.resolveForOpen(p, path, flags|vfs.FlagNoFollow, int32(regs.EDX))
	if e != errno.None {
		return 0, e
	}
	if res.Name == "" {
		return 0, errno.InvalidArgument
	}
	if err := res.Container.Unlink(res.Name, uint32(flags)); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// Chmod implements syscall 18. EBX=fd, ECX=mode.
func sysChmod(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	if err := of.Descriptor.Chmod(regs.ECX); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// Chown implements syscall 19. EBX=fd, ECX=uid, EDX=gid.
func sysChown(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	if err := of.Descriptor.Chown(regs.ECX, regs.EDX); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// Dup implements syscall 20. EBX=fd.
func sysDup(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	newFd := p.AddFile(&proc.OpenFile{
		Descriptor: of.Descriptor.Dup(),
		Path:       append([]string{}, of.Path...),
		Flags:      of.Flags,
	})
	return uint32(newFd), errno.None
}

// Dup2 implements syscall 21. EBX=old fd, ECX=new fd (an already-open new
// fd is closed first, matching POSIX dup2).
func sysDup2(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	newIdx := int(regs.ECX)
	_ = p.CloseFile(newIdx)
	for len(p.FileDescriptors) <= newIdx {
		p.FileDescriptors = append(p.FileDescriptors, nil)
	}
	p.FileDescriptors[newIdx] = &proc.OpenFile{
		Descriptor: of.Descriptor.Dup(),
		Path:       append([]string{}, of.Path...),
		Flags:      of.Flags,
	}
	return uint32(newIdx), errno.None
}

// Chroot implements syscall 22 (spec §4.9: "a process's root ... is also a
// FileDescriptor, so chroot is replace the root handle"). EBX=fd naming
// the descriptor to chroot into.
func sysChroot(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	of, ferr := p.File(int(regs.EBX))
	if ferr != nil {
		return 0, errno.BadFile
	}
	p.Root = &proc.OpenFile{Descriptor: of.Descriptor.Dup(), Path: append([]string{}, of.Path...)}
	return 0, errno.None
}

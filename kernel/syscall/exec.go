package syscall

import (
	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/vfs"
)

// userStackTop is where Exec places the new image's initial stack: just
// below mmapAutoBase, leaving the rest of the low 1GB window for whatever
// the image itself maps.
const userStackTop = uintptr(0x3ffff000)

const execStackSize = uintptr(0x4000)

func readAll(fd vfs.FileDescriptor) ([]byte, *kernel.Error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := fd.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// Exec implements syscall 23 (spec §6; the "load image into address
// space" contract is spec §1's sole interface to ELF parsing, injected
// here as Dispatcher.LoadImage). EBX=path ptr. On success this replaces
// the calling thread's only register frame; it never returns to the
// caller's old image, matching exec's usual never-returns-on-success
// behavior.
func sysExec(d *Dispatcher, p *proc.Process, t *proc.Thread, regs *gate.Registers) (uint32, errno.Errno) {
	if d.LoadImage == nil {
		return 0, errno.FuncNotSupported
	}
	path, perr := CopyInString(p.Map, uintptr(regs.EBX))
	if perr != nil {
		return 0, errno.BadAddress
	}

	res, e := d.resolveForOpen(p, path, vfs.FlagRead, -1)
	if e != errno.None {
		return 0, e
	}
	var fd vfs.FileDescriptor
	if res.Name == "" {
		fd = res.Container
	} else {
		var oerr *kernel.Error
		fd, oerr = res.Container.Open(res.Name, uint32(vfs.FlagRead))
		if oerr != nil {
			return 0, errnoOf(oerr)
		}
	}

	data, rerr := readAll(fd)
	if rerr != nil {
		return 0, errnoOf(rerr)
	}

	for _, name := range p.Map.MappingBaseNames() {
		_ = p.Map.RemoveMappingNamed(name)
	}

	entry, lerr := d.LoadImage(p.Map, data)
	if lerr != nil {
		return 0, errnoOf(lerr)
	}
	if merr := p.Map.AddMapping(userStackTop-execStackSize, execStackSize, procmap.ProtRead|procmap.ProtWrite, procmap.Anonymous, nil, 0, false); merr != nil {
		return 0, errnoOf(merr)
	}

	*t = *proc.NewThread(uint32(entry), uint32(userStackTop), true, t.Priority)
	*regs = *t.Current()
	return uint32(entry), errno.None
}

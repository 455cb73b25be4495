package syscall

import (
	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/sync"
)

// mmapAutoBase is where the kernel starts handing out addresses for
// Mmap(addr=0, ...), i.e. "let the kernel choose" (spec §8 scenario 1:
// "returns address A >= 0x4000"). It sits well clear of both the NULL
// page and the shared kernel region (spec §5).
const mmapAutoBase = uintptr(0x40000000)

// autoMmapCursor tracks the next address Mmap(addr=0, ...) will hand out
// per address space. A real implementation would consult the ProcessMap's
// existing mappings to find a hole; this kernel instead only ever grows
// the cursor forward, which is sufficient since AddMapping's overlap
// resolution (spec §4.3) keeps the address space consistent even if two
// growth regions were ever to collide.
var (
	autoMmapLock   sync.Spinlock
	autoMmapCursor = map[*procmap.ProcessMap]uintptr{}
)

func nextAutoAddr(pm *procmap.ProcessMap, length uintptr) uintptr {
	autoMmapLock.Acquire()
	defer autoMmapLock.Release()
	base, ok := autoMmapCursor[pm]
	if !ok {
		base = mmapAutoBase
	}
	autoMmapCursor[pm] = base + ((length + mem.PageSize - 1) &^ (mem.PageSize - 1))
	return base
}

// MmapFlags bits (spec §8's "flags=Anonymous|RW"; not part of the wire
// OpenFlags enumeration, which governs file opens, not memory protection).
const (
	MmapRead MmapFlags = 1 << iota
	MmapWrite
	MmapExec
	MmapAnonymous
	MmapShared
)

// MmapFlags is the protection/backing bitmask passed to Mmap.
type MmapFlags uint32

func (f MmapFlags) protection() procmap.Protection {
	var p procmap.Protection
	if f&MmapRead != 0 {
		p |= procmap.ProtRead
	}
	if f&MmapWrite != 0 {
		p |= procmap.ProtWrite
	}
	if f&MmapExec != 0 {
		p |= procmap.ProtExec
	}
	return p
}

// sharedRegion is one id registered by ShareMemory: the frames backing it,
// shared read-only-by-default across every process that maps the same id
// (spec §3's "shared" PageFrame bit and §4.1's AddReference).
type sharedRegion struct {
	frames []mem.Frame
	prot   procmap.Protection
}

func (r *sharedRegion) GetPage(offset uintptr) (mem.Frame, *kernel.Error) {
	idx := offset / mem.PageSize
	if idx >= uintptr(len(r.frames)) {
		return 0, errBadAddress
	}
	return r.frames[idx], nil
}

var (
	sharedLock    sync.Spinlock
	sharedRegions = map[uint32]*sharedRegion{}
	nextSharedID  uint32 = 1
)

// Mmap implements syscall 3 (spec §6, §8 scenario 1). EBX=shmID (0 to
// create a private anonymous mapping, nonzero to map a region previously
// registered by ShareMemory), ECX=addr (0 lets the kernel choose), EDX=len,
// EDI=MmapFlags.
func sysMmap(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	shmID := regs.EBX
	addr := uintptr(regs.ECX)
	length := uintptr(regs.EDX)
	flags := MmapFlags(regs.EDI)

	if length == 0 {
		return 0, errno.InvalidArgument
	}
	if addr == 0 {
		addr = nextAutoAddr(p.Map, length)
	}

	if shmID == 0 {
		if err := p.Map.AddMapping(addr, length, flags.protection(), procmap.Anonymous, nil, 0, false); err != nil {
			return 0, errnoOf(err)
		}
		return uint32(addr), errno.None
	}

	sharedLock.Acquire()
	region, ok := sharedRegions[shmID]
	sharedLock.Release()
	if !ok {
		return 0, errno.InvalidArgument
	}
	fileLen := uintptr(len(region.frames)) * mem.PageSize
	if err := p.Map.AddMapping(addr, fileLen, flags.protection(), procmap.File, region, 0, false); err != nil {
		return 0, errnoOf(err)
	}
	return uint32(addr), errno.None
}

// Unmap implements syscall 4. EBX=addr, ECX=len (len is accepted for ABI
// symmetry with Mmap but RemoveMapping only needs the base, matching spec
// §4.3's remove_mapping(base)).
func sysUnmap(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	if err := p.Map.RemoveMapping(uintptr(regs.EBX)); err != nil {
		return 0, errnoOf(err)
	}
	return 0, errno.None
}

// ShareMemory implements syscall 6: the caller allocates and privately
// maps length bytes of fresh anonymous memory, then registers its frames
// under a newly minted id other processes can pass to Mmap to map the same
// physical pages. EBX=addr (0 to auto-choose), ECX=len, EDX=MmapFlags; the
// new id is returned in EAX.
func sysShareMemory(d *Dispatcher, p *proc.Process, regs *gate.Registers) (uint32, errno.Errno) {
	addr := uintptr(regs.EBX)
	length := uintptr(regs.ECX)
	flags := MmapFlags(regs.EDX)
	if length == 0 {
		return 0, errno.InvalidArgument
	}
	if addr == 0 {
		addr = nextAutoAddr(p.Map, length)
	}

	prot := flags.protection()
	if err := p.Map.AddMapping(addr, length, prot, procmap.Anonymous, nil, 0, false); err != nil {
		return 0, errnoOf(err)
	}

	pageCount := (length + mem.PageSize - 1) / mem.PageSize
	frames := make([]mem.Frame, 0, pageCount)
	for i := uintptr(0); i < pageCount; i++ {
		vaddr := addr + i*mem.PageSize
		if !p.Map.PageFault(vaddr, prot) {
			return 0, errno.OutOfMemory
		}
		frame, _, ok := p.Map.PDT.Get(vaddr)
		if !ok {
			return 0, errno.OutOfMemory
		}
		_ = pmm.Default.AddReference(frame, pmm.FrameReference{Owner: p.Map, VirtualAddr: vaddr})
		frames = append(frames, frame)
	}

	sharedLock.Acquire()
	id := nextSharedID
	nextSharedID++
	sharedRegions[id] = &sharedRegion{frames: frames, prot: prot}
	sharedLock.Release()

	return id, errno.None
}

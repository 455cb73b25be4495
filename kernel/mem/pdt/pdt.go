// Package pdt implements the per-address-space PageDirectory abstraction
// (spec §4.2): lookup, insert, remove, TLB flush and "switch to this
// address space", built on kernel/mem/vmm's raw PTE format and scratch
// window. Every PageDirectory shares an identical copy of the kernel's
// upper-half entries (spec §5); that copy is captured once, at boot, from
// whatever directory the bootloader handed the kernel and is never mutated
// by an individual PageDirectory afterwards -- changes to the shared region
// go through SetKernelEntry, which updates only the template; a directory
// picks the change up when it is next initialized or when
// RefreshKernelRegion is called on it.
package pdt

import (
	"novakernel/kernel"
	"novakernel/kernel/cpu"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/vmm"
	"unsafe"
)

// KernelPDEStart is the first page-directory index covered by the shared
// kernel region, corresponding to virtual address 0xC0000000 on i586.
const KernelPDEStart = 768

var (
	errOutOfMemory = &kernel.Error{Module: "pdt", Message: "out of memory allocating a page table"}

	// activePDTFn and switchPDTFn are substituted by tests.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	kernelTemplate [1024]vmm.PTE

	mapMemoryFn = vmm.MapMemory
)

// PageDirectory is one process's (or the kernel's own) page directory.
// The zero value is not usable; construct with New.
type PageDirectory struct {
	frame mem.Frame
}

// New wraps an already-allocated, not-yet-initialized frame.
func New(frame mem.Frame) *PageDirectory { return &PageDirectory{frame: frame} }

// Frame returns the physical frame backing this page directory.
func (d *PageDirectory) Frame() mem.Frame { return d.frame }

// CaptureKernelTemplate reads the shared upper-half entries out of frame
// (the directory the bootloader left active) and stores them as the
// template every subsequently-created PageDirectory inherits. Called once
// during kmain, before any user PageDirectory is built.
func CaptureKernelTemplate(frame mem.Frame) *kernel.Error {
	return mapMemoryFn([]mem.Frame{frame}, func(b []byte) {
		entries := ptesOf(b)
		copy(kernelTemplate[KernelPDEStart:], entries[KernelPDEStart:])
	})
}

// SetKernelEntry updates page-directory index idx (which must be >=
// KernelPDEStart) in the shared template. It does not, by itself, update
// any already-constructed PageDirectory or flush any TLB; callers update
// their own active directory and then broadcast a page-refresh IPI (spec
// §5) so every CPU re-derives its directory's kernel region from the new
// template.
func SetKernelEntry(idx uint32, entry vmm.PTE) {
	kernelTemplate[idx] = entry
}

// KernelEntry returns the template's current value for index idx.
func KernelEntry(idx uint32) vmm.PTE { return kernelTemplate[idx] }

// SetActivePDTHookForTesting overrides the CR3 read IsActive consults,
// returning the previous hook so the caller can restore it. Same role as
// vmm.SetMapMemoryHookForTesting: lets packages layered on PageDirectory
// (kernel/mem/procmap, kernel/syscall) run their tests with no MMU.
func SetActivePDTHookForTesting(fn func() uintptr) func() uintptr {
	prev := activePDTFn
	activePDTFn = fn
	return prev
}

// RefreshKernelRegion overwrites this directory's upper-half entries from
// the current template and flushes this CPU's TLB. It is the handler body
// for the page-refresh IPI (spec §5).
func (d *PageDirectory) RefreshKernelRegion() *kernel.Error {
	return mapMemoryFn([]mem.Frame{d.frame}, func(b []byte) {
		entries := ptesOf(b)
		copy(entries[KernelPDEStart:], kernelTemplate[KernelPDEStart:])
	})
}

// Init zeroes the directory's frame and installs the shared kernel region.
// frame must not already be in use as an active address space.
func (d *PageDirectory) Init() *kernel.Error {
	return mapMemoryFn([]mem.Frame{d.frame}, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
		entries := ptesOf(b)
		copy(entries[KernelPDEStart:], kernelTemplate[KernelPDEStart:])
	})
}

// Get returns the frame and flags mapped at vaddr, or ok=false if vaddr is
// not currently present.
func (d *PageDirectory) Get(vaddr uintptr) (frame mem.Frame, flags vmm.PTE, ok bool) {
	pde, perr := d.readPDE(vaddr)
	if perr != nil || !pde.Present() {
		return 0, 0, false
	}

	var pte vmm.PTE
	_ = mapMemoryFn([]mem.Frame{pde.Frame()}, func(b []byte) {
		pte = ptesOf(b)[ptIndexOf(vaddr)]
	})
	if !pte.Present() {
		return 0, 0, false
	}
	return pte.Frame(), pte, true
}

// Set installs frame at vaddr with the given flags (FlagPresent is always
// implied), allocating a second-level table if this is the first mapping
// in its 4 MiB region. Returns OutOfMemory if a new table cannot be
// allocated.
func (d *PageDirectory) Set(vaddr uintptr, frame mem.Frame, flags vmm.PTE) *kernel.Error {
	pde, err := d.ensurePDE(vaddr)
	if err != nil {
		return err
	}

	return mapMemoryFn([]mem.Frame{pde.Frame()}, func(b []byte) {
		pte := &ptesOf(b)[ptIndexOf(vaddr)]
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags | vmm.FlagPresent)
	})
}

// Clear removes whatever mapping is present at vaddr. It is not an error to
// clear an already-absent address.
func (d *PageDirectory) Clear(vaddr uintptr) *kernel.Error {
	pde, perr := d.readPDE(vaddr)
	if perr != nil || !pde.Present() {
		return nil
	}
	return mapMemoryFn([]mem.Frame{pde.Frame()}, func(b []byte) {
		ptesOf(b)[ptIndexOf(vaddr)] = 0
	})
}

// FlushPage invalidates the calling CPU's TLB entry for vaddr.
func (d *PageDirectory) FlushPage(vaddr uintptr) {
	vmm.FlushTLBEntry(vaddr)
}

// SwitchTo loads this directory into CR3, making it the active address
// space on the calling CPU. Directory frames always live below 4 GiB
// (non-PAE CR3 is 32 bits wide), so the narrowing conversion is safe.
func (d *PageDirectory) SwitchTo() {
	switchPDTFn(uintptr(d.frame.Address()))
}

// IsActive reports whether this directory is the one currently loaded on
// the calling CPU.
func (d *PageDirectory) IsActive() bool {
	return mem.PhysicalAddress(activePDTFn()) == d.frame.Address()
}

// Destroy frees every second-level table frame this directory owns in the
// user region (below KernelPDEStart). It does not free the pages those
// tables pointed to -- the caller (kernel/mem/procmap, when dropping the
// last handle to a ProcessMap) is responsible for releasing mapped frames
// through the frame allocator's reference-counted path before calling
// Destroy. Finally frees the directory's own frame.
func (d *PageDirectory) Destroy() {
	_ = mapMemoryFn([]mem.Frame{d.frame}, func(b []byte) {
		entries := ptesOf(b)
		for i := 0; i < KernelPDEStart; i++ {
			if entries[i].Present() {
				pmm.Default.SetFree(entries[i].Frame())
				entries[i] = 0
			}
		}
	})
	pmm.Default.SetFree(d.frame)
}

func (d *PageDirectory) readPDE(vaddr uintptr) (vmm.PTE, *kernel.Error) {
	var pde vmm.PTE
	err := mapMemoryFn([]mem.Frame{d.frame}, func(b []byte) {
		pde = ptesOf(b)[pdIndexOf(vaddr)]
	})
	return pde, err
}

// ensurePDE returns the page-directory entry covering vaddr, allocating and
// installing a zeroed second-level table first if none is present yet.
func (d *PageDirectory) ensurePDE(vaddr uintptr) (vmm.PTE, *kernel.Error) {
	pde, err := d.readPDE(vaddr)
	if err != nil {
		return 0, err
	}
	if pde.Present() {
		return pde, nil
	}

	tableFrame, aerr := pmm.Default.AllocFrame(nil)
	if aerr != nil {
		return 0, errOutOfMemory
	}
	if err := mapMemoryFn([]mem.Frame{tableFrame}, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	}); err != nil {
		pmm.Default.SetFree(tableFrame)
		return 0, err
	}

	newPDE := vmm.PTE(0)
	newPDE.SetFrame(tableFrame)
	newPDE.SetFlags(vmm.FlagPresent | vmm.FlagRW | vmm.FlagUser)

	if err := mapMemoryFn([]mem.Frame{d.frame}, func(b []byte) {
		ptesOf(b)[pdIndexOf(vaddr)] = newPDE
	}); err != nil {
		pmm.Default.SetFree(tableFrame)
		return 0, err
	}
	return newPDE, nil
}

func pdIndexOf(vaddr uintptr) uint32 { return uint32((vaddr >> 22) & 0x3ff) }
func ptIndexOf(vaddr uintptr) uint32 { return uint32((vaddr >> 12) & 0x3ff) }

// ptesOf reinterprets a page-sized byte slice (as handed out by
// vmm.MapMemory) as the 1024 page table entries it actually holds.
func ptesOf(b []byte) []vmm.PTE {
	return unsafe.Slice((*vmm.PTE)(unsafe.Pointer(&b[0])), len(b)/4)
}

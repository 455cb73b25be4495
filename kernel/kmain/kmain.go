// Package kmain is the kernel's single entrypoint: it is invoked exactly
// once, by the rt0 trampoline (cmd/kernel), with the physical address of
// the bootloader's info block. Everything else -- frame allocator, heap,
// interrupts, ACPI/SMP bring-up, the root namespace, the syscall ABI -- is
// wired together here, in the order each stage's prerequisites demand.
//
// Three externals this core deliberately never implements itself (spec §1
// treats each as a collaborator's problem, not the kernel's) are supplied
// as package variables that whatever builds the final image must set
// before calling Kmain: LoadImage (ELF parsing), ConsoleIn/ConsoleOut (the
// character device behind the console FileDescriptor), and APTrampoline
// (the real-mode machine code an AP jumps to after SIPI, which has no Go
// representation).
package kmain

import (
	"io"

	"novakernel/kernel"
	"novakernel/kernel/cpu"
	"novakernel/kernel/gate"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/heap"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/kfmt/early"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pdt"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/mem/vmm"
)

// LoadImage is the kernel's sole interface to ELF parsing (spec §1, §6):
// whoever links the final kernel image must set this before Kmain is
// called, or exec and the initial spawn of the init process both fail.
var LoadImage func(into *procmap.ProcessMap, elf []byte) (entry uintptr, err *kernel.Error)

// ConsoleIn and ConsoleOut back the namespace's "console" entry (spec §1's
// console driver as an external collaborator). The entry is registered even
// when they are left nil; reads or writes in a nil direction then fail with
// vfs.ErrFuncNotSupported. kfmt/early's buffer still captures what is
// printed before and during bring-up.
var ConsoleIn io.Reader
var ConsoleOut io.Writer

// APTrampoline is the real-mode-to-protected-mode shim copied to
// smp.BootstrapAddr before an AP is started (spec §4.6). Left nil, Kmain
// skips AP bring-up entirely and runs single-CPU.
var APTrampoline []byte

// APEntryAddr is the protected-mode address an AP jumps to once
// APTrampoline hands it off (spec §4.6's SIPI target), patched into the
// trampoline's tail by smp.PatchTrampoline alongside its stack and page
// directory. Like APTrampoline itself this has no meaning to this core
// beyond a number to pass along -- whatever built the trampoline blob
// agreed on it out of band.
var APEntryAddr uint32

// Boot-time virtual memory layout. These addresses are not discovered at
// runtime: the rt0 trampoline and the kernel template it hands off
// (captured by pdt.CaptureKernelTemplate) already agree on them, the same
// way the teacher's linker script and kernel/mm/vmm constants agree on
// KERNEL_BASE.
const (
	scratchWindowBase    = uintptr(0xffc00000)
	scratchWindowPTEAddr = uintptr(0xfffff000)

	kernelHeapStart        = uintptr(0xd0000000)
	kernelHeapInitialSize  = uintptr(4 << 20)
	kernelHeapReservedSize = uintptr(64 << 10)

	initStackTop  = uintptr(0x3ffff000)
	initStackSize = uintptr(0x4000)
)

var errNoInitModule = &kernel.Error{Module: "kmain", Message: "no init module supplied by the bootloader"}

// kernelPDT is the directory the bootloader left active, wrapped so the
// rest of boot can use it through kernel/mem/pdt instead of raw cpu calls.
var kernelPDT *pdt.PageDirectory

var kernelHeap heap.Heap

// Kmain is invoked by the rt0 trampoline with the physical address of the
// multiboot-style info block. It never returns; if every subsystem comes
// up cleanly the bootstrap CPU falls into the idle loop at the bottom.
//
// Interrupt handlers are wired up in wireInterrupts only after cpuSet,
// table and dispatcher exist, since the page-fault, syscall-trap and IPI
// handlers all close over them; gate.HandleInterrupt itself is just a
// package-level array write (gate.Init's PIC remap and IDT load already
// happened earlier), so registering handlers this late changes nothing
// about the table installed at the top of boot.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	bootinfo.SetInfoPtr(multibootInfoPtr)

	early.Printf("starting novakernel\n")

	initMemory()
	early.Printf("[kmain] memory management online\n")

	gate.Init()
	early.Printf("[kmain] IDT and PIC online\n")

	cpuSet := initSMP()
	early.Printf("[kmain] SMP topology discovered: %d logical CPU(s)\n", cpuSet.Len())

	ns, table, dispatcher := initFilesystemsAndProcesses(cpuSet)
	wireInterrupts(cpuSet, table, dispatcher)
	early.Printf("[kmain] interrupts and syscall ABI wired\n")

	spawnInit(cpuSet, ns, table, dispatcher)

	kfmt.Printf("[kmain] bring-up complete, entering scheduler idle loop\n")
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// initMemory brings the frame allocator, scratch window, shared page
// directory template and kernel heap online, in that dependency order:
// the heap's expand callback needs the frame allocator and a page
// directory to map into, and both of those need the scratch window to
// touch frames that are not the currently active address space.
func initMemory() {
	vmm.InitScratchWindow(scratchWindowBase, scratchWindowPTEAddr)

	var highestAddr mem.PhysicalAddress
	bootinfo.VisitMemoryRegions(func(r bootinfo.MemoryRegion) bool {
		if end := mem.PhysicalAddress(r.Base + r.Length); end > highestAddr {
			highestAddr = end
		}
		return true
	})
	pmm.Default.Init(mem.FrameFromAddress(highestAddr))

	bootFrame := mem.FrameFromAddress(mem.PhysicalAddress(cpu.ActivePDT()))
	if err := pdt.CaptureKernelTemplate(bootFrame); err != nil {
		kernel.Panic(err)
	}
	kernelPDT = pdt.New(bootFrame)

	kernelHeap.Init(kernelHeapStart, kernelHeapInitialSize)
	kernelHeap.SetExpandCallback(expandKernelHeap)
	kernelHeap.SetReserved(kernelHeapReservedSize)
}

// expandKernelHeap is the kernel heap's ExpandCallback (spec §4.4,
// SPEC_FULL.md §D's heap reserved-area protocol): map one fresh frame per
// page of the requested growth into the shared kernel region and report
// how far it got. A failure stops the loop early; if not even the first
// page could be mapped it returns oldTop, which heap.Alloc treats as a
// fatal allocator error.
func expandKernelHeap(oldTop, minNewTop uintptr, rawAlloc heap.RawAlloc, rawFree heap.RawFree) uintptr {
	addr := oldTop
	for addr < minNewTop {
		frame, err := pmm.Default.AllocFrame(nil)
		if err != nil {
			break
		}
		if err := kernelPDT.Set(addr, frame, vmm.FlagRW); err != nil {
			break
		}
		addr += mem.PageSize
	}
	return addr
}

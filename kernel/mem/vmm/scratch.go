package vmm

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"unsafe"
)

// ScratchSlots is the number of physical frames MapMemory can expose at
// once. Callers needing to touch more frames than this (e.g. copying a
// mapping larger than ScratchSlots pages) must chunk their work.
const ScratchSlots = 8

var (
	errTooManyFrames = &kernel.Error{Module: "vmm", Message: "too many frames for a single MapMemory call"}
	errScratchNotSet = &kernel.Error{Module: "vmm", Message: "scratch window not initialized"}
)

// scratchBase is the first virtual address of the scratch window. It lives
// in the shared kernel region (spec §5) so it resolves identically no
// matter which process's page directory is active.
var (
	scratchBase    uintptr
	scratchPTEAddr uintptr // virtual address of the scratch page table's own 1024 entries, mapped as ordinary data
	scratchLock    sync.Spinlock
	flushFn        = defaultFlush
)

// InitScratchWindow records the two addresses the boot sequence has already
// arranged: base is the start of ScratchSlots contiguous, currently-unmapped
// kernel pages; pteAddr is where the page table backing those pages has
// additionally been mapped as ordinary read/write data (the classic
// self-referential page-table trick, set up once in the kernel template and
// never touched again after boot).
func InitScratchWindow(base, pteAddr uintptr) {
	scratchBase = base
	scratchPTEAddr = pteAddr
}

func scratchPTE(slot int) *PTE {
	return (*PTE)(unsafe.Pointer(scratchPTEAddr + uintptr(slot)*4))
}

func defaultFlush(vaddr uintptr) { flushTLBEntryFn(vaddr) }

// SetFlushHookForTesting overrides the callback MapMemory uses to flush a
// TLB entry after editing a scratch slot, and returns the previous callback
// so the caller can restore it. Exists so packages that exercise MapMemory
// indirectly (kernel/mem/pdt, kernel/mem/procmap) can fake the scratch
// window in their own tests without linking the real INVLPG primitive.
func SetFlushHookForTesting(fn func(uintptr)) func(uintptr) {
	prev := flushFn
	flushFn = fn
	return prev
}

// mapMemoryHook, when non-nil, replaces MapMemory's scratch-window path
// entirely. Tests in other packages install a per-frame in-memory fake
// through SetMapMemoryHookForTesting so code that reads and writes
// physical frames (kernel/mem/pdt, kernel/mem/procmap, kernel/smp,
// kernel/syscall's user-copy helpers) can run with no MMU at all.
var mapMemoryHook func([]mem.Frame, func([]byte)) *kernel.Error

// SetMapMemoryHookForTesting overrides MapMemory wholesale, returning the
// previous hook (nil for the real scratch-window implementation).
func SetMapMemoryHookForTesting(fn func([]mem.Frame, func([]byte)) *kernel.Error) func([]mem.Frame, func([]byte)) *kernel.Error {
	prev := mapMemoryHook
	mapMemoryHook = fn
	return prev
}

// MapMemory temporarily maps frames into contiguous scratch virtual
// addresses, invokes fn with the resulting byte slice, then unmaps. It is
// used to read or write physical frames that are not otherwise mapped into
// any address space: copy-on-write page duplication, ACPI table probing,
// and installing entries into a page directory that is not currently
// active.
func MapMemory(frames []mem.Frame, fn func([]byte)) *kernel.Error {
	if len(frames) > ScratchSlots {
		return errTooManyFrames
	}
	if mapMemoryHook != nil {
		return mapMemoryHook(frames, fn)
	}
	if scratchBase == 0 || scratchPTEAddr == 0 {
		return errScratchNotSet
	}

	scratchLock.Acquire()
	defer scratchLock.Release()

	for i, f := range frames {
		pte := scratchPTE(i)
		*pte = 0
		pte.SetFrame(f)
		pte.SetFlags(FlagPresent | FlagRW)
		flushFn(scratchBase + uintptr(i)*mem.PageSize)
	}

	data := *(*[]byte)(unsafe.Pointer(&sliceHeader{
		Data: scratchBase,
		Len:  len(frames) * int(mem.PageSize),
		Cap:  len(frames) * int(mem.PageSize),
	}))
	fn(data)

	for i := range frames {
		pte := scratchPTE(i)
		*pte = 0
		flushFn(scratchBase + uintptr(i)*mem.PageSize)
	}
	return nil
}

// sliceHeader mirrors reflect.SliceHeader; used instead of importing reflect
// just for this one conversion.
type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

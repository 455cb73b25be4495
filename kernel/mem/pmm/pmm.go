// Package pmm is the kernel's physical frame allocator: a bitmap of every
// usable physical page plus a side table recording, for each allocated
// frame, the set of virtual mappings that reference it. The side table is
// what makes copy-on-write and shared file pages possible: a frame is only
// returned to the free pool once its last reference is dropped, and a
// fault handler can ask "who else maps this frame" when it needs to decide
// whether to copy or to share.
package pmm

import (
	"novakernel/kernel"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/kfmt/early"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
)

var (
	errOutOfMemory       = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not currently allocated"}
	errReferenceNotFound = &kernel.Error{Module: "pmm", Message: "reference not found for frame"}
	errInvalidFrame      = &kernel.Error{Module: "pmm", Message: "frame index out of range"}
)

// OwningMap is the minimal view of a process' address space that the frame
// allocator needs: a way to reach back into it when a frame it reported a
// reference for is freed or its sharing count changes. kernel/mem/procmap's
// ProcessMap implements this; the interface lives here instead of there to
// avoid a procmap -> pmm -> procmap import cycle.
type OwningMap interface {
	// InvalidateMapping is called when the frame backing virtAddr in this
	// map has been freed or had its share count change. It never blocks
	// and must not itself call back into the allocator.
	InvalidateMapping(virtAddr uintptr)
}

// FrameReference names one virtual mapping that keeps a physical frame
// alive. A frame carries a set of these; the frame is only eligible for
// reuse once the set is empty.
type FrameReference struct {
	Owner       OwningMap
	VirtualAddr uintptr
}

// Allocator owns a bitmap covering every physical page frame in the usable
// range plus the phys_addr -> set<FrameReference> side table. Bit N is set
// iff frame N is either reserved (never handed out) or reachable by at
// least one live FrameReference.
type Allocator struct {
	lock sync.Spinlock

	startFrame mem.Frame
	frameCount uint32

	bitmap []uint64

	refs map[mem.Frame][]FrameReference

	freeCount uint32
}

// Default is the system-wide frame allocator, initialized once by Init
// during early boot.
var Default Allocator

// Init builds the bitmap for the physical address range [0, highestFrame)
// and reserves every frame outside the bootloader's available regions,
// along with the kernel image, the bump allocator area and every frame
// EarlyAllocator has already handed out, so none of them is allocated twice.
func (a *Allocator) Init(highestFrame mem.Frame) {
	a.startFrame = 0
	a.frameCount = uint32(highestFrame)
	a.bitmap = make([]uint64, (a.frameCount+63)/64)
	a.refs = make(map[mem.Frame][]FrameReference)

	// Start with every frame reserved, then clear the ones the firmware
	// reports as available.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	bootinfo.VisitMemoryRegions(func(region bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.Available {
			return true
		}
		a.markRangeFree(region.Base, region.Length)
		return true
	})

	if kStart, kEnd := bootinfo.KernelArea(); kEnd > kStart {
		a.markRangeReserved(uint64(bootinfo.KernelPhysAddr()), uint64(kEnd-kStart))
	}
	if bumpStart, bumpEnd, bumpPhys := bootinfo.BumpAllocArea(); bumpEnd > bumpStart {
		a.markRangeReserved(uint64(bumpPhys), uint64(bumpEnd-bumpStart))
	}
	// EarlyAllocator hands out available frames in ascending order, so every
	// available frame up to its last index is in use.
	if EarlyAllocator.initialized && EarlyAllocator.lastAllocIndex >= 0 {
		a.markRangeReserved(0, uint64(EarlyAllocator.lastAllocIndex+1)<<mem.PageShift)
	}

	a.freeCount = 0
	for f := mem.Frame(0); uint64(f) < uint64(a.frameCount); f++ {
		if !a.testBit(f) {
			a.freeCount++
		}
	}

	early.Printf("[pmm] %d frames total, %d free\n", a.frameCount, a.freeCount)
}

func (a *Allocator) markRangeFree(base, length uint64) {
	startFrame := (base + uint64(mem.PageSize) - 1) >> mem.PageShift
	endFrame := (base + length) >> mem.PageShift
	for f := startFrame; f < endFrame && f < uint64(a.frameCount); f++ {
		a.clearBit(mem.Frame(f))
	}
}

func (a *Allocator) markRangeReserved(base, length uint64) {
	startFrame := base >> mem.PageShift
	endFrame := (base + length + uint64(mem.PageSize) - 1) >> mem.PageShift
	for f := startFrame; f < endFrame && f < uint64(a.frameCount); f++ {
		a.setBit(mem.Frame(f))
	}
}

func (a *Allocator) setBit(f mem.Frame)       { a.bitmap[f/64] |= 1 << (uint(f) % 64) }
func (a *Allocator) clearBit(f mem.Frame)     { a.bitmap[f/64] &^= 1 << (uint(f) % 64) }
func (a *Allocator) testBit(f mem.Frame) bool { return a.bitmap[f/64]&(1<<(uint(f)%64)) != 0 }

func (a *Allocator) firstClearBit() (mem.Frame, bool) {
	for i, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			f := mem.Frame(i*64 + bit)
			if uint64(f) >= uint64(a.frameCount) {
				return 0, false
			}
			if word&(1<<uint(bit)) == 0 {
				return f, true
			}
		}
	}
	return 0, false
}

// AllocFrame reserves the first free frame and, if ref is non-nil, installs
// it as the frame's sole initial reference.
func (a *Allocator) AllocFrame(ref *FrameReference) (mem.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	f, ok := a.firstClearBit()
	if !ok {
		return mem.InvalidFrame, errOutOfMemory
	}

	a.setBit(f)
	a.freeCount--
	if ref != nil {
		a.refs[f] = append(a.refs[f][:0:0], *ref)
	}
	return f, nil
}

// AddReference records an additional user of an already-allocated frame.
// Used when a child inherits a copy-on-write page, or a file-backed page is
// mapped into a second process.
func (a *Allocator) AddReference(f mem.Frame, ref FrameReference) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if uint64(f) >= uint64(a.frameCount) {
		return errInvalidFrame
	}
	if !a.testBit(f) {
		return errFrameNotAllocated
	}
	a.refs[f] = append(a.refs[f], ref)
	return nil
}

// FreeFrame removes ref from the frame's reference set. If the set becomes
// empty the frame's bit is cleared and it is returned to the free pool.
func (a *Allocator) FreeFrame(f mem.Frame, ref FrameReference) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if uint64(f) >= uint64(a.frameCount) {
		return errInvalidFrame
	}
	if !a.testBit(f) {
		return errFrameNotAllocated
	}

	set := a.refs[f]
	idx := -1
	for i, r := range set {
		if r.Owner == ref.Owner && r.VirtualAddr == ref.VirtualAddr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errReferenceNotFound
	}

	set[idx] = set[len(set)-1]
	set = set[:len(set)-1]
	if len(set) == 0 {
		delete(a.refs, f)
		a.clearBit(f)
		a.freeCount++
	} else {
		a.refs[f] = set
	}
	return nil
}

// ReferenceCount returns the number of live FrameReferences for f. It is
// used by the copy-on-write fault handler to decide whether a write can
// happen in place (count == 1) or must copy the page first (count > 1).
func (a *Allocator) ReferenceCount(f mem.Frame) int {
	a.lock.Acquire()
	defer a.lock.Release()
	return len(a.refs[f])
}

// SetUsed marks f allocated without recording any FrameReference for it.
// This is an unchecked administrative edit (spec §4.1): used for frames
// that are owned by bookkeeping rather than by a mapping, such as a page
// table frame that a PageDirectory allocates for itself.
func (a *Allocator) SetUsed(f mem.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()
	if uint64(f) >= uint64(a.frameCount) {
		return
	}
	if !a.testBit(f) {
		a.setBit(f)
		a.freeCount--
	}
}

// SetFree marks f available again regardless of any recorded references,
// discarding them if present. Paired with SetUsed for frames that were
// never tracked through the normal FrameReference protocol.
func (a *Allocator) SetFree(f mem.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()
	if uint64(f) >= uint64(a.frameCount) {
		return
	}
	if a.testBit(f) {
		delete(a.refs, f)
		a.clearBit(f)
		a.freeCount++
	}
}

// FreeCount returns the number of frames not currently allocated.
func (a *Allocator) FreeCount() uint32 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeCount
}

// TotalCount returns the total number of frames the bitmap covers.
func (a *Allocator) TotalCount() uint32 {
	return a.frameCount
}

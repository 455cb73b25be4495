package pmm

import (
	"novakernel/kernel"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/kfmt/early"
	"novakernel/kernel/mem"
)

// EarlyAllocator is the bump allocator used to bootstrap the kernel before
// the bitmap-backed Allocator can be built. It hands out physical frames
// directly from the memory map the bootloader shim reported, in increasing
// address order, and never reclaims them: once the real Allocator is
// initialized, every frame EarlyAllocator handed out is reserved in its
// bitmap so the two never disagree about a frame's ownership.
var EarlyAllocator bootMemAllocator

var errBootAllocOutOfMemory = &kernel.Error{Module: "pmm.bootmem", Message: "out of memory"}

// bootMemAllocator scans the memory regions reported by the bootloader shim
// and returns the next available free frame in ascending address order.
// Allocations are tracked by the index of the last frame handed out; freeing
// individual frames is not supported, and the frames it hands out stay
// reserved when the bitmap Allocator takes over.
type bootMemAllocator struct {
	initialized    bool
	allocCount     uint64
	lastAllocIndex int64
}

// Init scans and logs the memory map reported by the bootloader shim.
func (a *bootMemAllocator) Init() {
	a.lastAllocIndex = -1
	a.initialized = true

	early.Printf("[pmm.bootmem] system memory map:\n")
	var totalFree mem.Size
	bootinfo.VisitMemoryRegions(func(region bootinfo.MemoryRegion) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, kind: %s\n", region.Base, region.Base+region.Length, region.Length, region.Kind.String())
		if region.Kind == bootinfo.Available {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[pmm.bootmem] free memory: %dKb\n", uint64(totalFree/mem.KB))
}

// AllocFrame reserves and returns the next available free frame.
func (a *bootMemAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	if !a.initialized {
		a.Init()
	}

	var (
		foundPageIndex                           int64 = -1
		regionStartPageIndex, regionEndPageIndex int64
	)
	bootinfo.VisitMemoryRegions(func(region bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.Available {
			return true
		}

		regionStartPageIndex = int64(((region.Base + uint64(mem.PageSize) - 1) &^ (uint64(mem.PageSize) - 1)) >> mem.PageShift)
		regionEndPageIndex = int64(((region.Base + region.Length) &^ (uint64(mem.PageSize) - 1)) >> mem.PageShift)

		if a.lastAllocIndex >= regionEndPageIndex {
			return true
		}

		if a.lastAllocIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = a.lastAllocIndex + 1
		}
		return false
	})

	if foundPageIndex == -1 {
		return mem.InvalidFrame, errBootAllocOutOfMemory
	}

	a.allocCount++
	a.lastAllocIndex = foundPageIndex
	return mem.Frame(foundPageIndex), nil
}

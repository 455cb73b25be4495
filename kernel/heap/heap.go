// Package heap is the kernel's dynamic allocator (spec §4.4): a
// linked-list-fit core backed by raw virtual addresses (there is no host
// allocator underneath it -- this *is* the one the rest of the kernel
// calls into once it is up), an optional reserved area held aside so
// allocations made while servicing an expansion never starve, and an
// expand callback invoked when the managed region runs out of room.
package heap

import (
	"novakernel/kernel"
	"sync/atomic"
	"unsafe"
)

var errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

const ptrSize = unsafe.Sizeof(uintptr(0))

// minBlockSize is the smallest block the allocator will ever hand out or
// keep on the free list: one size header plus one next-pointer slot.
const minBlockSize = 2 * ptrSize

// RawAlloc and RawFree are the lock-bypassing primitives handed to an
// ExpandCallback: the heap's own lock is already held by the Alloc call
// that triggered the expansion, so the callback must not go through Alloc
// itself.
type RawAlloc func(size uintptr) (uintptr, bool)
type RawFree func(addr, size uintptr)

// ExpandCallback is invoked when Alloc cannot satisfy a request from the
// currently managed region. It must first cause any reserved area to be
// released (the heap does this before calling back), may use rawAlloc to
// make allocations of its own (e.g. a new page table frame needed to map
// the grown region), and returns the new top address actually achieved.
// Returning a value <= oldTop is treated as a fatal allocator failure.
type ExpandCallback func(oldTop, minNewTop uintptr, rawAlloc RawAlloc, rawFree RawFree) uintptr

// Heap manages a single contiguous virtual address range, expandable via
// a callback. The zero value is not usable; call Init first.
type Heap struct {
	busy    uint32
	canSpin bool

	start, top uintptr
	freeHead   uintptr // address of first free block, 0 if none

	reservedSize  uintptr
	reservedStart uintptr // 0 if not currently set aside

	expand ExpandCallback
}

// Init establishes the initially managed region [start, start+size) as one
// large free block. It must be called exactly once, before any Alloc.
func (h *Heap) Init(start, size uintptr) {
	h.start = start
	h.top = start + size
	h.freeHead = 0
	if size >= minBlockSize {
		h.freeHead = start
		writeUintptr(start, size)
		writeUintptr(start+ptrSize, 0)
	}
}

// SetExpandCallback installs the callback used when Alloc needs more room
// than the managed region currently has.
func (h *Heap) SetExpandCallback(cb ExpandCallback) { h.expand = cb }

// SetCanSpin controls what happens when Acquire finds the heap already
// busy: spin (true, appropriate once more than one CPU is running) or
// panic (false, the safe default before SMP bring-up, where re-entrance
// can only mean a bug).
func (h *Heap) SetCanSpin(canSpin bool) { h.canSpin = canSpin }

// SetReserved requests that size bytes be held aside once available, so
// that an allocation made from inside an expand callback (which runs with
// the heap already locked and the normal Alloc path unavailable to it via
// RawAlloc) has somewhere to draw from.
func (h *Heap) SetReserved(size uintptr) {
	h.acquire()
	h.reservedSize = size
	h.release()
}

func (h *Heap) acquire() {
	for !atomic.CompareAndSwapUint32(&h.busy, 0, 1) {
		if !h.canSpin {
			kernel.Panic(&kernel.Error{Module: "heap", Message: "allocator state locked"})
		}
	}
}

func (h *Heap) release() { atomic.StoreUint32(&h.busy, 0) }

func readUintptr(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr)) }
func writeUintptr(addr, v uintptr)     { *(*uintptr)(unsafe.Pointer(addr)) = v }

func align(v, to uintptr) uintptr { return (v + to - 1) &^ (to - 1) }

func blockSizeFor(size uintptr) uintptr {
	need := align(size, ptrSize) + ptrSize
	if need < minBlockSize {
		need = minBlockSize
	}
	return need
}

// Alloc reserves size bytes, expanding the heap via the configured
// callback if the currently managed region cannot satisfy the request.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	h.acquire()
	defer h.release()
	return h.allocLockedOrExpand(size)
}

func (h *Heap) allocLockedOrExpand(size uintptr) (uintptr, *kernel.Error) {
	need := blockSizeFor(size)
	if ptr, ok := h.allocLocked(need); ok {
		h.ensureReservedLocked()
		return ptr, nil
	}

	if h.expand == nil {
		return 0, errOutOfMemory
	}

	h.releaseReservedLocked()
	minNewTop := h.top + need
	for {
		newTop := h.expand(h.top, minNewTop, h.rawAllocLocked, h.rawFreeLocked)
		if newTop <= h.top {
			kernel.Panic(&kernel.Error{Module: "heap", Message: "expand callback made no progress"})
		}

		h.freeLocked(h.top, newTop-h.top)
		h.top = newTop

		if ptr, ok := h.allocLocked(need); ok {
			h.ensureReservedLocked()
			return ptr, nil
		}
		if newTop >= minNewTop {
			minNewTop = newTop + need
		}
	}
}

func (h *Heap) rawAllocLocked(size uintptr) (uintptr, bool) {
	return h.allocLocked(blockSizeFor(size))
}

func (h *Heap) rawFreeLocked(addr, _ uintptr) {
	h.freeLocked(addr-ptrSize, readUintptr(addr-ptrSize))
}

// ensureReservedLocked re-establishes the reserved area if it was released
// (or never set up) and enough free space exists; best-effort, never fails
// the caller's allocation if it cannot.
func (h *Heap) ensureReservedLocked() {
	if h.reservedSize == 0 || h.reservedStart != 0 {
		return
	}
	if addr, ok := h.allocLocked(blockSizeFor(h.reservedSize)); ok {
		h.reservedStart = addr
	}
}

func (h *Heap) releaseReservedLocked() {
	if h.reservedStart == 0 {
		return
	}
	blockAddr := h.reservedStart - ptrSize
	h.freeLocked(blockAddr, readUintptr(blockAddr))
	h.reservedStart = 0
}

// allocLocked first-fits need bytes (header included) out of the free
// list, splitting the chosen block if the remainder is itself large enough
// to stay on the list. Returns the user-visible pointer past the header.
func (h *Heap) allocLocked(need uintptr) (uintptr, bool) {
	var prev uintptr
	cur := h.freeHead
	for cur != 0 {
		curSize := readUintptr(cur)
		next := readUintptr(cur + ptrSize)
		if curSize >= need {
			remaining := curSize - need
			if remaining >= minBlockSize {
				newFree := cur + need
				writeUintptr(newFree, remaining)
				writeUintptr(newFree+ptrSize, next)
				writeUintptr(cur, need)
				h.linkPrevTo(prev, newFree)
			} else {
				h.linkPrevTo(prev, next)
			}
			return cur + ptrSize, true
		}
		prev = cur
		cur = next
	}
	return 0, false
}

func (h *Heap) linkPrevTo(prev, addr uintptr) {
	if prev == 0 {
		h.freeHead = addr
	} else {
		writeUintptr(prev+ptrSize, addr)
	}
}

// Dealloc returns a previously allocated block to the free list, coalescing
// with an adjacent free neighbor on either side.
func (h *Heap) Dealloc(ptr uintptr) {
	h.acquire()
	defer h.release()
	blockAddr := ptr - ptrSize
	h.freeLocked(blockAddr, readUintptr(blockAddr))
}

// freeLocked inserts the byte range [addr, addr+size) into the free list in
// address order, coalescing with neighbors it turns out to be adjacent to.
func (h *Heap) freeLocked(addr, size uintptr) {
	if size < minBlockSize {
		return
	}

	var prev uintptr
	cur := h.freeHead
	for cur != 0 && cur < addr {
		prev = cur
		cur = readUintptr(cur + ptrSize)
	}

	// Coalesce with the following block if addr's range ends exactly where
	// it begins.
	if cur != 0 && addr+size == cur {
		size += readUintptr(cur)
		cur = readUintptr(cur + ptrSize)
	}

	writeUintptr(addr, size)
	writeUintptr(addr+ptrSize, cur)
	h.linkPrevTo(prev, addr)

	// Coalesce with the preceding block if it ends exactly where addr
	// begins.
	if prev != 0 {
		prevSize := readUintptr(prev)
		if prev+prevSize == addr {
			writeUintptr(prev, prevSize+size)
			writeUintptr(prev+ptrSize, readUintptr(addr+ptrSize))
		}
	}
}

// Top returns the current end of the managed region.
func (h *Heap) Top() uintptr { return h.top }

package pmm

import (
	"testing"
	"unsafe"

	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/mem"
)

func TestBootMemAllocatorAllocatesInOrder(t *testing.T) {
	buf := buildMemoryMap(t, []bootinfo.MemoryRegion{
		{Base: 0, Length: 3 * uint64(mem.PageSize), Kind: bootinfo.Available},
	})
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	var a bootMemAllocator
	f0, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f1, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f1 != f0+1 {
		t.Fatalf("expected sequential frames; got %d then %d", f0, f1)
	}
}

func TestBootMemAllocatorOutOfMemory(t *testing.T) {
	buf := buildMemoryMap(t, nil)
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	var a bootMemAllocator
	if _, err := a.AllocFrame(); err != errBootAllocOutOfMemory {
		t.Fatalf("expected errBootAllocOutOfMemory with no available regions; got %v", err)
	}
}

func TestBootMemAllocatorSkipsReservedRegions(t *testing.T) {
	buf := buildMemoryMap(t, []bootinfo.MemoryRegion{
		{Base: 0, Length: uint64(mem.PageSize), Kind: bootinfo.Reserved},
		{Base: uint64(mem.PageSize), Length: uint64(mem.PageSize), Kind: bootinfo.Available},
	})
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	var a bootMemAllocator
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != mem.FrameFromAddress(mem.PhysicalAddress(mem.PageSize)) {
		t.Fatalf("expected first allocation to land in the available region; got frame %d", f)
	}
}

package vmm

import (
	"novakernel/kernel/mem"
	"testing"
	"unsafe"
)

func TestMapMemoryRoundTrip(t *testing.T) {
	// Back the scratch window with ordinary Go-allocated memory instead of
	// real physical frames so the test can run off real hardware.
	backing := make([]byte, ScratchSlots*int(mem.PageSize))
	backingAddr := sliceAddr(backing)

	pteBacking := make([]PTE, ScratchSlots)
	pteAddr := uintptr(0)
	if len(pteBacking) > 0 {
		pteAddr = sliceAddrPTE(pteBacking)
	}

	flushFn = func(uintptr) {}
	InitScratchWindow(backingAddr, pteAddr)
	defer InitScratchWindow(0, 0)

	frame := mem.Frame(7)
	var gotLen int
	err := MapMemory([]mem.Frame{frame}, func(b []byte) {
		gotLen = len(b)
		copy(b, []byte("hello"))
	})
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if gotLen != int(mem.PageSize) {
		t.Fatalf("expected %d bytes, got %d", mem.PageSize, gotLen)
	}
	if string(backing[:5]) != "hello" {
		t.Fatalf("write through scratch window did not land")
	}
}

func TestMapMemoryTooManyFrames(t *testing.T) {
	frames := make([]mem.Frame, ScratchSlots+1)
	if err := MapMemory(frames, func([]byte) {}); err == nil {
		t.Fatal("expected error for too many frames")
	}
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func sliceAddrPTE(b []PTE) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

package pdt

import (
	"novakernel/kernel"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/vmm"
	"testing"
	"unsafe"
)

// fakeMemory backs mapMemoryFn with a map[Frame][]byte so tests can exercise
// PageDirectory without real physical memory or an MMU.
type fakeMemory struct {
	pages map[mem.Frame][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pages: make(map[mem.Frame][]byte)}
}

func (f *fakeMemory) page(frame mem.Frame) []byte {
	p, ok := f.pages[frame]
	if !ok {
		p = make([]byte, mem.PageSize)
		f.pages[frame] = p
	}
	return p
}

func (f *fakeMemory) mapMemory(frames []mem.Frame, fn func([]byte)) *kernel.Error {
	buf := make([]byte, len(frames)*int(mem.PageSize))
	for i, fr := range frames {
		copy(buf[i*int(mem.PageSize):], f.page(fr))
	}
	fn(buf)
	for i, fr := range frames {
		copy(f.page(fr), buf[i*int(mem.PageSize):(i+1)*int(mem.PageSize)])
	}
	return nil
}

func setupFake(t *testing.T) *fakeMemory {
	t.Helper()
	fm := newFakeMemory()
	mapMemoryFn = fm.mapMemory
	t.Cleanup(func() { mapMemoryFn = vmm.MapMemory })
	return fm
}

func TestPageDirectorySetGetClear(t *testing.T) {
	setupFake(t)

	// Set allocates the second-level table from pmm.Default. Give it an
	// info block with no tags (header plus end tag), so Init reserves every
	// frame, then release frames 2..63 by hand.
	info := make([]byte, 16)
	info[0] = 16
	info[12] = 8
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
	pmm.Default = pmm.Allocator{}
	pmm.Default.Init(mem.Frame(64))
	for f := mem.Frame(2); f < 64; f++ {
		pmm.Default.SetFree(f)
	}

	d := New(mem.Frame(1))
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	const vaddr = uintptr(0x00400000)
	if err := d.Set(vaddr, mem.Frame(42), vmm.FlagRW|vmm.FlagUser); err != nil {
		t.Fatalf("Set: %v", err)
	}

	frame, flags, ok := d.Get(vaddr)
	if !ok {
		t.Fatal("expected Get to find the mapping")
	}
	if frame != mem.Frame(42) {
		t.Fatalf("expected frame 42, got %d", frame)
	}
	if !flags.HasFlags(vmm.FlagPresent | vmm.FlagRW | vmm.FlagUser) {
		t.Fatalf("unexpected flags %x", flags)
	}

	if err := d.Clear(vaddr); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, _, ok := d.Get(vaddr); ok {
		t.Fatal("expected Get to report absent after Clear")
	}
}

func TestPageDirectoryKernelTemplateShared(t *testing.T) {
	fm := setupFake(t)

	// A template entry is a page-directory entry: it points at a shared
	// second-level table (frame 999) whose first slot maps frame 4242.
	leaf := vmm.PTE(0)
	leaf.SetFrame(mem.Frame(4242))
	leaf.SetFlags(vmm.FlagPresent | vmm.FlagRW)
	ptesOf(fm.page(mem.Frame(999)))[0] = leaf

	kernelEntry := vmm.PTE(0)
	kernelEntry.SetFrame(mem.Frame(999))
	kernelEntry.SetFlags(vmm.FlagPresent | vmm.FlagRW)
	SetKernelEntry(KernelPDEStart, kernelEntry)
	defer SetKernelEntry(KernelPDEStart, 0)

	a := New(mem.Frame(1))
	b := New(mem.Frame(2))
	if err := a.Init(); err != nil {
		t.Fatalf("a.Init: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("b.Init: %v", err)
	}

	kernelVAddr := uintptr(KernelPDEStart) << 22
	af, _, aok := a.Get(kernelVAddr)
	bf, _, bok := b.Get(kernelVAddr)
	if !aok || !bok || af != bf || af != mem.Frame(4242) {
		t.Fatalf("expected both directories to share the kernel entry, got a=%v/%v b=%v/%v", af, aok, bf, bok)
	}
}

func TestPageDirectoryGetAbsent(t *testing.T) {
	setupFake(t)

	d := New(mem.Frame(1))
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, _, ok := d.Get(0x1000); ok {
		t.Fatal("expected absent mapping to report ok=false")
	}
}

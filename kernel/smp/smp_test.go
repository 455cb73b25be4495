package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"testing"
)

// fakePhys serves mapMemoryFn from a map of fake physical pages so the
// ACPI walk, APIC register pokes and trampoline staging can run with no
// MMU, the same hook style kernel/mem/pdt's tests use.
type fakePhys struct {
	pages map[mem.Frame][]byte
}

func newFakePhys() *fakePhys {
	return &fakePhys{pages: make(map[mem.Frame][]byte)}
}

func (f *fakePhys) page(frame mem.Frame) []byte {
	p, ok := f.pages[frame]
	if !ok {
		p = make([]byte, mem.PageSize)
		f.pages[frame] = p
	}
	return p
}

func (f *fakePhys) mapMemory(frames []mem.Frame, fn func([]byte)) *kernel.Error {
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

// write copies data to the fake physical address space at addr.
func (f *fakePhys) write(addr uintptr, data []byte) {
	for i, b := range data {
		a := addr + uintptr(i)
		f.page(mem.FrameFromAddress(mem.PhysicalAddress(a)))[a&(mem.PageSize-1)] = b
	}
}

func (f *fakePhys) read(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		a := addr + uintptr(i)
		out[i] = f.page(mem.FrameFromAddress(mem.PhysicalAddress(a)))[a&(mem.PageSize-1)]
	}
	return out
}

func setupFakePhys(t *testing.T) *fakePhys {
	t.Helper()
	f := newFakePhys()
	prev := mapMemoryFn
	mapMemoryFn = f.mapMemory
	t.Cleanup(func() { mapMemoryFn = prev })
	return f
}

func le16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func le64(b []byte, v uint64) {
	le32(b, uint32(v))
	le32(b[4:], uint32(v>>32))
}

// buildMADT assembles a checksummed MADT with the given record stream.
func buildMADT(records []byte) []byte {
	const headerLen = 44
	table := make([]byte, headerLen+len(records))
	copy(table[0:4], "APIC")
	le32(table[4:], uint32(len(table)))
	le32(table[36:], 0xfee00000) // local controller address
	copy(table[headerLen:], records)

	var sum uint8
	for _, b := range table {
		sum += b
	}
	table[9] = uint8(-sum) // checksum byte is at SDTHeader offset 9
	return table
}

func madtLocalAPICRecord(procID, apicID uint8, flags uint32) []byte {
	rec := make([]byte, 8)
	rec[0] = madtEntryLocalAPIC
	rec[1] = 8
	rec[2] = procID
	rec[3] = apicID
	le32(rec[4:], flags)
	return rec
}

func TestParseMADTRegistersCPUsAndOverrides(t *testing.T) {
	phys := setupFakePhys(t)

	var records []byte
	records = append(records, madtLocalAPICRecord(0, 0, localAPICEnabledFlag)...)
	records = append(records, madtLocalAPICRecord(1, 1, 0)...) // disabled
	records = append(records, madtLocalAPICRecord(2, 2, localAPICOnlineCapableFlag)...)

	isoRec := make([]byte, 10)
	isoRec[0] = madtEntryInterruptSrcOvr
	isoRec[1] = 10
	isoRec[2] = 0 // ISA bus
	isoRec[3] = 9
	le32(isoRec[4:], 21)
	le16(isoRec[8:], 0xd)
	records = append(records, isoRec...)

	ovrRec := make([]byte, 12)
	ovrRec[0] = madtEntryLocalAPICAddrOvr
	ovrRec[1] = 12
	le64(ovrRec[4:], 0xfec10000)
	records = append(records, ovrRec...)

	const madtAddr = 0x40000
	phys.write(madtAddr, buildMADT(records))

	topo, err := ParseMADT(madtAddr)
	if err != nil {
		t.Fatalf("ParseMADT: %v", err)
	}
	if len(topo.CPUs) != 3 {
		t.Fatalf("registered %d CPUs, want 3", len(topo.CPUs))
	}
	if topo.CPUs[1].Enabled {
		t.Fatal("CPU with neither enabled nor online-capable flag should be disabled")
	}
	if !topo.CPUs[0].Enabled || !topo.CPUs[2].Enabled {
		t.Fatal("enabled/online-capable CPUs should register as enabled")
	}
	if len(topo.IRQOverrides) != 1 || topo.IRQOverrides[0].SourceIRQ != 9 || topo.IRQOverrides[0].GlobalSystemInterrupt != 21 {
		t.Fatalf("IRQ overrides = %+v", topo.IRQOverrides)
	}
	if topo.LocalAPICAddr != 0xfec10000 {
		t.Fatalf("LocalAPICAddr = %#x, want the override value", topo.LocalAPICAddr)
	}
}

func TestBuildAPICToCPU(t *testing.T) {
	contiguous := []CPUEntry{
		{ID: 0, APICID: 0, Enabled: true},
		{ID: 1, APICID: 1, Enabled: true},
	}
	m := buildAPICToCPU(contiguous)
	if !m.oneToOne {
		t.Fatal("contiguous APIC ids should map one-to-one")
	}
	if id, ok := m.CPU(1); !ok || id != 1 {
		t.Fatalf("CPU(1) = (%d, %v)", id, ok)
	}

	sparse := []CPUEntry{
		{ID: 0, APICID: 0, Enabled: true},
		{ID: 1, APICID: 4, Enabled: true},
	}
	m = buildAPICToCPU(sparse)
	if m.oneToOne {
		t.Fatal("sparse APIC ids need an explicit translation")
	}
	if id, ok := m.CPU(4); !ok || id != 1 {
		t.Fatalf("CPU(4) = (%d, %v)", id, ok)
	}
	if _, ok := m.CPU(2); ok {
		t.Fatal("unregistered APIC id should not resolve")
	}
}

func TestScanForRSDPFindsRev1Descriptor(t *testing.T) {
	phys := setupFakePhys(t)

	desc := make([]byte, 20)
	copy(desc, rsdpSignature[:])
	desc[15] = acpiRev1
	le32(desc[16:], 0x7fe1000)
	var sum uint8
	for _, b := range desc {
		sum += b
	}
	desc[8] = uint8(-sum)

	// Straddle-friendly placement partway into the window, 16-byte aligned.
	phys.write(rsdpLocationLow+0x3210, desc)

	sdtAddr, useXSDT, err := scanForRSDP()
	if err != nil {
		t.Fatalf("scanForRSDP: %v", err)
	}
	if useXSDT {
		t.Fatal("revision-0 RSDP should route to the RSDT")
	}
	if sdtAddr != 0x7fe1000 {
		t.Fatalf("sdtAddr = %#x, want 0x7fe1000", sdtAddr)
	}
}

func TestScanForRSDPRejectsBadChecksum(t *testing.T) {
	phys := setupFakePhys(t)

	desc := make([]byte, 20)
	copy(desc, rsdpSignature[:])
	desc[15] = acpiRev1
	le32(desc[16:], 0x7fe1000)
	desc[8] = 0x55 // wrong on purpose
	phys.write(rsdpLocationLow+0x100, desc)

	if _, _, err := scanForRSDP(); err != errMissingRSDP {
		t.Fatalf("scanForRSDP = %v, want errMissingRSDP", err)
	}
}

func TestStartAPSendsInitThenTwoSIPIs(t *testing.T) {
	setupFakePhys(t)

	var waits []uint32
	prevSpin := spinLoopFn
	spinLoopFn = func(micros uint32) { waits = append(waits, micros) }
	t.Cleanup(func() { spinLoopFn = prevSpin })

	const apicAddr = mem.PhysicalAddress(0xfee00000)
	if err := StartAP(apicAddr, 1, uint8(BootstrapAddr>>mem.PageShift)); err != nil {
		t.Fatalf("StartAP: %v", err)
	}
	// INIT wait, deassert wait, then one wait per SIPI.
	if len(waits) != 4 || waits[0] != 10000 || waits[1] != 10000 || waits[2] != 1000 || waits[3] != 1000 {
		t.Fatalf("waits = %v, want [10000 10000 1000 1000]", waits)
	}
}

func TestCopyAndPatchTrampoline(t *testing.T) {
	phys := setupFakePhys(t)

	shim := make([]byte, 64)
	for i := range shim {
		shim[i] = 0x90
	}
	SetTrampoline(shim)
	t.Cleanup(func() { SetTrampoline(nil) })

	if err := CopyTrampoline(); err != nil {
		t.Fatalf("CopyTrampoline: %v", err)
	}
	if err := PatchTrampoline(0x9fc00, 0x101000, 0x2000); err != nil {
		t.Fatalf("PatchTrampoline: %v", err)
	}

	got := phys.read(BootstrapAddr, len(shim))
	for i := 0; i < len(shim)-12; i++ {
		if got[i] != 0x90 {
			t.Fatalf("shim byte %d = %#x, want 0x90", i, got[i])
		}
	}
	tail := got[len(shim)-12:]
	read32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	if read32(tail) != 0x9fc00 || read32(tail[4:]) != 0x101000 || read32(tail[8:]) != 0x2000 {
		t.Fatalf("patched tail = %x", tail)
	}
}

func TestPatchTrampolineRejectsShortShim(t *testing.T) {
	setupFakePhys(t)
	SetTrampoline(make([]byte, 8))
	t.Cleanup(func() { SetTrampoline(nil) })
	if err := PatchTrampoline(0, 0, 0); err != errNoTrampoline {
		t.Fatalf("PatchTrampoline = %v, want errNoTrampoline", err)
	}
}

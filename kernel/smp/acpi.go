// Package smp discovers CPU topology via ACPI and brings application
// processors online (spec §4.6). None of the bring-up half exists in the
// teacher, which never ran on more than the boot CPU; the ACPI scan and
// table layout are grounded on the teacher's
// device/acpi/{acpi.go,table/tables.go}, adapted from the teacher's
// identity-mapping approach to the kernel's scratch-window
// kernel/mem/vmm.MapMemory (spec §4.2 names ACPI probing as exactly what
// map_memory exists for). AP bring-up (SIPI sequencing, trampoline patch)
// is new code grounded on original_source/kernel/src/arch/i586/{acpi,apic}.rs.
package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/vmm"
	"unsafe"
)

var (
	errMissingRSDP         = &kernel.Error{Module: "smp", Message: "RSDP not found"}
	errChecksumMismatch    = &kernel.Error{Module: "smp", Message: "ACPI table checksum mismatch"}
	errMissingMADT         = &kernel.Error{Module: "smp", Message: "MADT (APIC table) not found"}
	errUnsupportedMADTSize = &kernel.Error{Module: "smp", Message: "MADT entry truncated"}
)

// mapMemoryFn is swapped out in tests the same way kernel/mem/pdt does.
var mapMemoryFn = vmm.MapMemory

const (
	rsdpLocationLow = uintptr(0xe0000)
	rsdpLocationHi  = uintptr(0xfffff)
	rsdpAlignment   = uintptr(16)

	acpiRev1 = 0
)

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
var madtSignature = [4]byte{'A', 'P', 'I', 'C'}

// RSDPDescriptor is the ACPI 1.0 root system descriptor pointer.
type RSDPDescriptor struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor for ACPI revision >= 2.
type ExtRSDPDescriptor struct {
	RSDPDescriptor
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

// SDTHeader is the common header shared by every ACPI table.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// mapPhysRange maps just enough physical frames to cover [addr, addr+length)
// and invokes fn with a byte slice windowed onto exactly that range,
// correcting for addr's offset into its first frame.
func mapPhysRange(addr mem.PhysicalAddress, length uintptr, fn func([]byte)) *kernel.Error {
	if length == 0 {
		length = 1
	}
	startFrame := mem.FrameFromAddress(addr)
	endFrame := mem.FrameFromAddress(addr + mem.PhysicalAddress(length) - 1)
	frames := make([]mem.Frame, 0, endFrame-startFrame+1)
	for f := startFrame; f <= endFrame; f++ {
		frames = append(frames, f)
	}
	pageOffset := uintptr(addr - startFrame.Address())

	return mapMemoryFn(frames, func(b []byte) {
		end := pageOffset + length
		if end > uintptr(len(b)) {
			end = uintptr(len(b))
		}
		fn(b[pageOffset:end])
	})
}

func validChecksum(b []byte) bool {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum == 0
}

// scanForRSDP implements spec §4.6's ACPI enumeration entry point: walk the
// BIOS 0xE0000-0xFFFFF window one page at a time, checking each 16-byte
// boundary for the RSDP signature, verify its checksum, and report whether
// to follow the RSDT (revision 0) or the XSDT (revision >= 2). Each step
// maps the page plus its successor so a descriptor whose signature sits
// near the end of a page can still be read whole.
func scanForRSDP() (sdtAddr mem.PhysicalAddress, useXSDT bool, err *kernel.Error) {
	for page := rsdpLocationLow; page <= rsdpLocationHi; page += mem.PageSize {
		length := 2 * mem.PageSize
		if page+length-1 > rsdpLocationHi {
			length = rsdpLocationHi - page + 1
		}

		found := false
		mapErr := mapPhysRange(mem.PhysicalAddress(page), length, func(b []byte) {
			limit := mem.PageSize
			if limit > uintptr(len(b)) {
				limit = uintptr(len(b))
			}
		checkNextBlock:
			for off := uintptr(0); off < limit; off += rsdpAlignment {
				if off+unsafe.Sizeof(RSDPDescriptor{}) > uintptr(len(b)) {
					return
				}
				for i, want := range rsdpSignature {
					if b[int(off)+i] != want {
						continue checkNextBlock
					}
				}

				rsdp := (*RSDPDescriptor)(unsafe.Pointer(&b[off]))
				if rsdp.Revision == acpiRev1 {
					if !validChecksum(b[off : off+unsafe.Sizeof(RSDPDescriptor{})]) {
						continue
					}
					sdtAddr, useXSDT, found = mem.PhysicalAddress(rsdp.RSDTAddr), false, true
					return
				}

				extEnd := off + unsafe.Sizeof(ExtRSDPDescriptor{})
				if extEnd > uintptr(len(b)) {
					continue
				}
				ext := (*ExtRSDPDescriptor)(unsafe.Pointer(&b[off]))
				if !validChecksum(b[off:extEnd]) {
					continue
				}
				sdtAddr, useXSDT, found = mem.PhysicalAddress(ext.XSDTAddr), true, true
				return
			}
		})
		if mapErr != nil {
			return 0, false, mapErr
		}
		if found {
			return sdtAddr, useXSDT, nil
		}
	}
	return 0, false, errMissingRSDP
}

// locateMADT walks the RSDT/XSDT's pointer array looking for the table
// whose signature is "APIC", returning its physical address.
func locateMADT(sdtAddr mem.PhysicalAddress, useXSDT bool) (mem.PhysicalAddress, *kernel.Error) {
	var length uint32
	if err := mapPhysRange(sdtAddr, unsafe.Sizeof(SDTHeader{}), func(b []byte) {
		length = (*SDTHeader)(unsafe.Pointer(&b[0])).Length
	}); err != nil {
		return 0, err
	}

	entrySize := uintptr(4)
	if useXSDT {
		entrySize = 8
	}
	headerSize := unsafe.Sizeof(SDTHeader{})
	if uintptr(length) < headerSize {
		return 0, errMissingMADT
	}
	entryCount := (uintptr(length) - headerSize) / entrySize

	var madtAddr mem.PhysicalAddress
	found := false
	var candidates []mem.PhysicalAddress
	err := mapPhysRange(sdtAddr, uintptr(length), func(b []byte) {
		for i := uintptr(0); i < entryCount; i++ {
			off := headerSize + i*entrySize
			if off+entrySize > uintptr(len(b)) {
				break
			}
			var ptr mem.PhysicalAddress
			if useXSDT {
				ptr = mem.PhysicalAddress(*(*uint64)(unsafe.Pointer(&b[off])))
			} else {
				ptr = mem.PhysicalAddress(*(*uint32)(unsafe.Pointer(&b[off])))
			}
			candidates = append(candidates, ptr)
		}
	})
	if err != nil {
		return 0, err
	}

	for _, ptr := range candidates {
		var sig [4]byte
		var tableLen uint32
		if err := mapPhysRange(ptr, unsafe.Sizeof(SDTHeader{}), func(b []byte) {
			hdr := (*SDTHeader)(unsafe.Pointer(&b[0]))
			sig = hdr.Signature
			tableLen = hdr.Length
		}); err != nil {
			continue
		}
		if sig != madtSignature || uintptr(tableLen) < headerSize {
			continue
		}
		sumOK := false
		if err := mapPhysRange(ptr, uintptr(tableLen), func(b []byte) {
			sumOK = validChecksum(b)
		}); err != nil || !sumOK {
			continue
		}
		madtAddr = ptr
		found = true
		break
	}
	if !found {
		return 0, errMissingMADT
	}
	return madtAddr, nil
}

// Discover runs the full spec §4.6 ACPI enumeration: locate the RSDP,
// follow it to the MADT, and parse the MADT into a Topology.
func Discover() (*Topology, *kernel.Error) {
	sdtAddr, useXSDT, err := scanForRSDP()
	if err != nil {
		return nil, err
	}
	madtAddr, err := locateMADT(sdtAddr, useXSDT)
	if err != nil {
		return nil, err
	}
	return ParseMADT(madtAddr)
}

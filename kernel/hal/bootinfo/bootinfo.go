// Package bootinfo exposes the boot-time contract the kernel receives from
// its bootloader shim: the physical layout the kernel image was loaded at,
// the memory map the BIOS/firmware reported, and any boot modules (such as
// the init process image) the bootloader staged in memory.
//
// The wire format mirrors the tagged multiboot2 info block: a header
// followed by a sequence of 8-byte aligned tags, terminated by a
// zero-length end tag. SetInfoPtr must be called once, early in boot,
// before any other function in this package is used.
package bootinfo

import (
	"reflect"
	"strings"
	"unsafe"

	"novakernel/kernel/mem"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

const (
	tagSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagKernelImage
	tagBumpAllocArea
)

// tagHeader precedes each tag in the info block.
type tagHeader struct {
	tagType tagType
	// size includes the header but not any alignment padding.
	size uint32
}

// mmapHeader precedes the memory-map entry array.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryRegionKind classifies a MemoryRegion reported by the bootloader.
type MemoryRegionKind uint32

const (
	// Available marks memory free for the allocator to claim.
	Available MemoryRegionKind = iota + 1
	// Reserved marks memory the kernel must never touch.
	Reserved
	// AcpiReclaimable marks ACPI tables that can be reclaimed once parsed.
	AcpiReclaimable
	// NVS marks memory that must survive a hibernate cycle.
	NVS
	// BadRAM marks memory the firmware flagged as faulty.
	BadRAM

	kindUnknown
)

// String implements fmt.Stringer.
func (k MemoryRegionKind) String() string {
	switch k {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "ACPI (reclaimable)"
	case NVS:
		return "NVS"
	case BadRAM:
		return "bad RAM"
	default:
		return "unknown"
	}
}

// MemoryRegion describes one physically contiguous region of the machine's
// address space.
type MemoryRegion struct {
	Base, Length uint64
	Kind         MemoryRegionKind
}

// MemoryRegionVisitor is invoked once per MemoryRegion by VisitMemoryRegions.
// Returning false aborts the scan early.
type MemoryRegionVisitor func(MemoryRegion) bool

// Module describes a boot module the bootloader shim staged in memory
// ahead of kernel entry, such as the init process image.
type Module struct {
	Name string
	Data []byte
}

// SetInfoPtr records the physical address of the boot info block handed to
// the kernel by its entry trampoline. It must be called before any other
// function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// KernelArea returns the virtual address range the kernel image itself
// occupies, as reported by the tagKernelImage tag. Its physical load
// address is returned separately by KernelPhysAddr.
func KernelArea() (virtStart, virtEnd uintptr) {
	curPtr, size := findTagByType(tagKernelImage)
	if size == 0 {
		return 0, 0
	}
	type kernelImageTag struct {
		virtStart uint64
		virtEnd   uint64
		physAddr  uint64
	}
	t := (*kernelImageTag)(unsafe.Pointer(curPtr))
	return uintptr(t.virtStart), uintptr(t.virtEnd)
}

// KernelPhysAddr returns the physical load address of the kernel image.
// The tag field is a full 64-bit physical address and is returned without
// narrowing: physical space outruns the 32-bit virtual space on i586.
func KernelPhysAddr() mem.PhysicalAddress {
	curPtr, size := findTagByType(tagKernelImage)
	if size == 0 {
		return 0
	}
	type kernelImageTag struct {
		virtStart uint64
		virtEnd   uint64
		physAddr  uint64
	}
	t := (*kernelImageTag)(unsafe.Pointer(curPtr))
	return mem.PhysicalAddress(t.physAddr)
}

// BumpAllocArea returns the virtual range reserved for the bootstrap bump
// allocator used before the real frame allocator comes online, along with
// its physical base address.
func BumpAllocArea() (virtStart, virtEnd uintptr, physAddr mem.PhysicalAddress) {
	curPtr, size := findTagByType(tagBumpAllocArea)
	if size == 0 {
		return 0, 0, 0
	}
	type bumpAllocTag struct {
		virtStart uint64
		virtEnd   uint64
		physAddr  uint64
	}
	t := (*bumpAllocTag)(unsafe.Pointer(curPtr))
	return uintptr(t.virtStart), uintptr(t.virtEnd), mem.PhysicalAddress(t.physAddr)
}

// VisitMemoryRegions invokes visitor once for every memory region the
// firmware reported. Unrecognized region kinds are normalized to Reserved.
func VisitMemoryRegions(visitor MemoryRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	for curPtr != endPtr {
		entry := (*MemoryRegion)(unsafe.Pointer(curPtr))
		region := *entry
		if region.Kind == 0 || region.Kind >= kindUnknown {
			region.Kind = Reserved
		}
		if !visitor(region) {
			return
		}
		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// Modules returns every boot module the bootloader shim staged in memory.
// Decoding any module's contents (tar, compressed archives, ELF) is the
// caller's responsibility; this package only surfaces the raw bytes.
func Modules() []Module {
	var mods []Module

	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagSectionEnd {
			break
		}

		if hdr.tagType == tagModules {
			type moduleTag struct {
				modStart uint32
				modEnd   uint32
				// name follows as a NUL-terminated string
			}
			payload := curPtr + 8
			mt := (*moduleTag)(unsafe.Pointer(payload))

			nameStart := payload + 8
			nameEnd := nameStart
			for *(*byte)(unsafe.Pointer(nameEnd)) != 0 {
				nameEnd++
			}
			var name string
			nameHdr := (*reflect.StringHeader)(unsafe.Pointer(&name))
			nameHdr.Data = nameStart
			nameHdr.Len = int(nameEnd - nameStart)

			var data []byte
			dataHdr := (*reflect.SliceHeader)(unsafe.Pointer(&data))
			dataHdr.Data = uintptr(mt.modStart)
			dataHdr.Len = int(mt.modEnd - mt.modStart)
			dataHdr.Cap = dataHdr.Len

			mods = append(mods, Module{Name: name, Data: data})
		}

		curPtr += uintptr(int32(hdr.size+7) & ^int32(7))
	}

	return mods
}

// CmdLine returns the kernel command line as a set of key/value pairs.
// A bare token (no "=") is stored with its value equal to its key, so
// callers can test for presence with a simple map lookup.
func CmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size != 0 {
		cmdLine := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  int(size - 1),
			Cap:  int(size - 1),
			Data: curPtr,
		}))
		for _, pair := range strings.Fields(string(cmdLine)) {
			kv := strings.SplitN(pair, "=", 2)
			switch len(kv) {
			case 2:
				cmdLineKV[kv[0]] = kv[1]
			case 1:
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the info block for the first tag of the given type,
// returning a pointer past its header and the length of its payload. It
// returns (0, 0) if no such tag is present.
func findTagByType(wanted tagType) (uintptr, uint32) {
	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagSectionEnd {
			return 0, 0
		}
		if hdr.tagType == wanted {
			return curPtr + 8, hdr.size - 8
		}
		curPtr += uintptr(int32(hdr.size+7) & ^int32(7))
	}
}

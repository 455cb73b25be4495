package syscall

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/mem/vmm"
)

// maxPathLen bounds how many bytes CopyInString will ever fault in for a
// NUL-terminated user string, the same role spec §4.9's
// maxSymlinkTargetSz plays for symlink targets: a userspace bug (a path
// with no terminator) faults in at most this many bytes rather than walking
// off into unrelated mappings.
const maxPathLen = 4096

var errBadAddress = &kernel.Error{Module: "syscall", Message: "user pointer is not a valid, accessible address"}

// CopyIn reads length bytes starting at the user virtual address addr in
// pm's address space, faulting in any not-yet-present page along the way
// (spec §4.3's map_in_area, "used by syscall handlers before dereferencing
// user pointers"). Frames are read through kernel/mem/vmm's scratch window
// ScratchSlots at a time since that window only exposes so many physical
// pages at once.
func CopyIn(pm *procmap.ProcessMap, addr uintptr, length int) ([]byte, *kernel.Error) {
	if length == 0 {
		return nil, nil
	}
	frames, err := pm.MapInArea(addr, uintptr(length), procmap.ProtRead)
	if err != nil {
		return nil, errBadAddress
	}

	pageOff := int(addr - pageFloor(addr))
	buf := make([]byte, len(frames)*int(mem.PageSize))
	for i := 0; i < len(frames); i += vmm.ScratchSlots {
		end := i + vmm.ScratchSlots
		if end > len(frames) {
			end = len(frames)
		}
		chunk := frames[i:end]
		dst := buf[i*int(mem.PageSize):]
		if err := vmm.MapMemory(chunk, func(b []byte) { copy(dst, b) }); err != nil {
			return nil, errBadAddress
		}
	}
	return buf[pageOff : pageOff+length], nil
}

func pageFloor(addr uintptr) uintptr { return addr &^ (mem.PageSize - 1) }

// CopyInString reads a NUL-terminated string starting at addr, up to
// maxPathLen bytes.
func CopyInString(pm *procmap.ProcessMap, addr uintptr) (string, *kernel.Error) {
	buf, err := CopyIn(pm, addr, maxPathLen)
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", errBadAddress
}

// CopyOut writes data into pm's address space starting at addr, faulting
// in any not-yet-present page first. Partial pages at either end are
// preserved: the existing frame contents are read, data is overlaid at the
// right offset, and the whole frame range is written back.
func CopyOut(pm *procmap.ProcessMap, addr uintptr, data []byte) *kernel.Error {
	if len(data) == 0 {
		return nil
	}
	frames, err := pm.MapInArea(addr, uintptr(len(data)), procmap.ProtRead|procmap.ProtWrite)
	if err != nil {
		return errBadAddress
	}

	pageOff := int(addr - pageFloor(addr))
	full := make([]byte, len(frames)*int(mem.PageSize))
	for i := 0; i < len(frames); i += vmm.ScratchSlots {
		end := i + vmm.ScratchSlots
		if end > len(frames) {
			end = len(frames)
		}
		chunk := frames[i:end]
		dst := full[i*int(mem.PageSize):]
		if err := vmm.MapMemory(chunk, func(b []byte) { copy(dst, b) }); err != nil {
			return errBadAddress
		}
	}

	copy(full[pageOff:], data)

	for i := 0; i < len(frames); i += vmm.ScratchSlots {
		end := i + vmm.ScratchSlots
		if end > len(frames) {
			end = len(frames)
		}
		chunk := frames[i:end]
		src := full[i*int(mem.PageSize):]
		if err := vmm.MapMemory(chunk, func(b []byte) { copy(b, src) }); err != nil {
			return errBadAddress
		}
	}
	return nil
}

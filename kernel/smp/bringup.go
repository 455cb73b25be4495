package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
)

// BootstrapAddr is the physical page the bootstrap shim is copied to
// before any AP is started (spec §4.6): below 1 MiB, page-aligned, chosen
// at boot by whoever calls SetTrampoline/CopyTrampoline (kernel/kmain).
const BootstrapAddr = uintptr(0x8000)

var errNoTrampoline = &kernel.Error{Module: "smp", Message: "no trampoline shim installed"}

// trampolineShim holds the real-mode-to-protected-mode shim's machine code.
// It is architecture-specific and has no Go representation of its own; the
// boot path is expected to supply it (typically compiled in as a byte
// blob) via SetTrampoline before calling CopyTrampoline.
var trampolineShim []byte

// SetTrampoline installs the shim bytes to be copied to BootstrapAddr. Its
// last 12 bytes are reserved for PatchTrampoline (stack pointer, entry
// point, page directory physical address, each a little-endian uint32).
func SetTrampoline(shim []byte) { trampolineShim = shim }

func frameRangeFor(addr, length uintptr) []mem.Frame {
	if length == 0 {
		length = 1
	}
	start := mem.FrameFromAddress(mem.PhysicalAddress(addr))
	end := mem.FrameFromAddress(mem.PhysicalAddress(addr + length - 1))
	frames := make([]mem.Frame, 0, end-start+1)
	for f := start; f <= end; f++ {
		frames = append(frames, f)
	}
	return frames
}

// CopyTrampoline writes the installed shim to BootstrapAddr.
func CopyTrampoline() *kernel.Error {
	if len(trampolineShim) == 0 {
		return errNoTrampoline
	}
	frames := frameRangeFor(BootstrapAddr, uintptr(len(trampolineShim)))
	return mapMemoryFn(frames, func(b []byte) {
		copy(b, trampolineShim)
	})
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// PatchTrampoline overwrites the shim's last 12 bytes with the values the
// AP needs before jumping into Go code: the stack pointer it should use,
// the protected-mode entry point, and the boot page directory's physical
// address (spec §4.6).
func PatchTrampoline(stackTop, entryPoint, pdtPhysAddr uint32) *kernel.Error {
	if len(trampolineShim) < 12 {
		return errNoTrampoline
	}
	patchOffset := uintptr(len(trampolineShim) - 12)
	addr := BootstrapAddr + patchOffset
	frames := frameRangeFor(addr, 12)
	pageOffset := addr - uintptr(frames[0].Address())

	return mapMemoryFn(frames, func(b []byte) {
		putLE32(b[pageOffset:], stackTop)
		putLE32(b[pageOffset+4:], entryPoint)
		putLE32(b[pageOffset+8:], pdtPhysAddr)
	})
}

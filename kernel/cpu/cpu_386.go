// Package cpu provides i586 (32-bit x86) architecture primitives: interrupt
// masking, halting, TLB control, the active page directory register and
// low-level port I/O. Every function here is implemented in the
// accompanying Plan 9 assembly file and has no Go-level body, matching the
// teacher's convention for CPU instructions with no portable equivalent.
package cpu

// EnableInterrupts enables interrupt delivery on the calling CPU (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt delivery on the calling CPU (CLI).
func DisableInterrupts()

// Halt stops instruction execution on the calling CPU until the next
// interrupt (HLT), looping forever across spurious wakeups.
func Halt()

// ReadCR2 returns the faulting address recorded by the CPU for the most
// recent page fault.
func ReadCR2() uintptr

// ActivePDT returns the physical address of the page directory currently
// loaded in CR3.
func ActivePDT() uintptr

// SwitchPDT loads pdtPhysAddr into CR3, switching the active address space,
// and flushes the entire TLB as a side effect of the reload.
func SwitchPDT(pdtPhysAddr uintptr)

// FlushTLBEntry invalidates the calling CPU's TLB entry for virtAddr
// (INVLPG) without flushing the whole TLB.
func FlushTLBEntry(virtAddr uintptr)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outl writes a 32-bit value to the given I/O port.
func Outl(port uint16, value uint32)

// Inl reads a 32-bit value from the given I/O port.
func Inl(port uint16) uint32

// CPUID returns the contents of EAX/EBX/ECX/EDX after executing CPUID with
// the given leaf in EAX. IsIntel reads the vendor string from leaf 0
// through it.
func CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)
